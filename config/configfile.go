package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/veilfs/veilfs/crypto/ciphers"
	"github.com/veilfs/veilfs/crypto/kdf"
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

// The config file is the only thing in the base directory besides block
// files: a cleartext KDF parameter block followed by the encrypted config
// record. The outer cipher is fixed; the cipher named inside the record only
// applies to blocks.

const (
	// envelopeFormatTag guards against feeding some other file to the
	// decoder.
	envelopeFormatTag uint32 = 0x6366_0001

	outerCipherName = "aes-256-gcm"

	configFilePerm = 0o600
)

var (
	ErrWrongPassword  = errors.New("wrong password")
	ErrNotAConfigFile = errors.New("not a filesystem config file")
	ErrConfigNotFound = errors.New("filesystem config file not found")
)

func outerCipher() ciphers.Cipher {
	c, ok := ciphers.Lookup(outerCipherName)
	if !ok {
		panic("config: outer cipher missing from registry")
	}
	return c
}

// ConfigFile couples a loaded config record with the key material needed to
// rewrite it in place.
type ConfigFile struct {
	path      string
	config    *Config
	outerKey  []byte
	kdfParams kdf.Params
	rnd       random.Random
}

func (f *ConfigFile) Config() *Config {
	return f.config
}

func (f *ConfigFile) Path() string {
	return f.path
}

// CreateConfigFile derives a fresh key from password, encrypts cfg and
// writes it to path atomically.
func CreateConfigFile(path string, cfg *Config, password []byte, settings kdf.Settings, rnd random.Random) (*ConfigFile, error) {
	outerKey, params, err := kdf.DeriveNewKey(outerCipher().KeySize(), password, settings, rnd)
	if err != nil {
		return nil, err
	}
	file := &ConfigFile{
		path:      path,
		config:    cfg,
		outerKey:  outerKey,
		kdfParams: params,
		rnd:       rnd,
	}
	if err := file.Save(); err != nil {
		return nil, err
	}
	return file, nil
}

// LoadConfigFile reads path, reruns the KDF with the stored parameters and
// decrypts the record. An authentication failure means the password is wrong
// (or the file was tampered with; the two are indistinguishable by design).
func LoadConfigFile(path string, password []byte, rnd random.Random) (*ConfigFile, error) {
	raw, err := data.LoadFromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}

	d := data.NewDeserializer(raw)
	tag, err := d.ReadUint32()
	if err != nil || tag != envelopeFormatTag {
		return nil, ErrNotAConfigFile
	}
	paramsRaw, err := d.ReadData()
	if err != nil {
		return nil, ErrNotAConfigFile
	}
	ciphertext := d.ReadTailData()

	params, err := kdf.DeserializeParams(paramsRaw)
	if err != nil {
		return nil, ErrNotAConfigFile
	}
	outerKey, err := kdf.DeriveExistingKey(outerCipher().KeySize(), password, params)
	if err != nil {
		return nil, err
	}
	plain, err := outerCipher().Decrypt(ciphertext, outerKey)
	if err != nil {
		return nil, ErrWrongPassword
	}
	cfg, err := Deserialize(data.Data(plain))
	if err != nil {
		return nil, err
	}
	return &ConfigFile{
		path:      path,
		config:    cfg,
		outerKey:  outerKey,
		kdfParams: params,
		rnd:       rnd,
	}, nil
}

// Save re-encrypts the record with a fresh IV and rewrites the file
// atomically.
func (f *ConfigFile) Save() error {
	plain, err := f.config.Serialize()
	if err != nil {
		return err
	}
	ciphertext, err := outerCipher().Encrypt(plain, f.outerKey, f.rnd)
	if err != nil {
		return err
	}
	paramsRaw, err := f.kdfParams.Serialize()
	if err != nil {
		return err
	}

	s := data.NewSerializer(4 + data.DataSize(paramsRaw) + uint64(len(ciphertext)))
	s.WriteUint32(envelopeFormatTag)
	s.WriteData(paramsRaw)
	s.WriteTailData(data.Data(ciphertext))
	envelope, err := s.Finished()
	if err != nil {
		return err
	}
	return envelope.StoreToFile(f.path, configFilePerm)
}

// EncryptionKeyBytes decodes the inner block store key named by the record.
func (f *ConfigFile) EncryptionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(f.config.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encryption key encoding", ErrInvalidConfig)
	}
	return key, nil
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Package kdf derives symmetric keys from passwords with scrypt. The
// parameters used at derivation time are serialized next to the ciphertext so
// the same password reproduces the same key on reopen.
package kdf

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

const saltLen = 32

var ErrScrypt = errors.New("scrypt key derivation failed")

// Settings are the scrypt cost parameters chosen when a filesystem is
// created. Existing filesystems always use the parameters stored in their
// config envelope instead.
type Settings struct {
	N int
	R int
	P int
}

var (
	// DefaultSettings takes around a second on commodity hardware.
	DefaultSettings = Settings{N: 1 << 19, R: 1, P: 1}
	// ParanoidSettings for users who accept slow mounts.
	ParanoidSettings = Settings{N: 1 << 20, R: 8, P: 16}
	// TestSettings is weak on purpose. Tests only.
	TestSettings = Settings{N: 1 << 10, R: 1, P: 1}
)

// Params is what gets persisted: the salt plus the cost parameters.
type Params struct {
	Salt data.Data
	N    uint64
	R    uint64
	P    uint64
}

// SerializedSize is the byte size of Serialize's output.
func (p Params) SerializedSize() uint64 {
	return data.DataSize(p.Salt) + 3*8
}

func (p Params) Serialize() (data.Data, error) {
	s := data.NewSerializer(p.SerializedSize())
	s.WriteData(p.Salt)
	s.WriteUint64(p.N)
	s.WriteUint64(p.R)
	s.WriteUint64(p.P)
	return s.Finished()
}

func DeserializeParams(source data.Data) (Params, error) {
	d := data.NewDeserializer(source)
	salt, err := d.ReadData()
	if err != nil {
		return Params{}, err
	}
	n, err := d.ReadUint64()
	if err != nil {
		return Params{}, err
	}
	r, err := d.ReadUint64()
	if err != nil {
		return Params{}, err
	}
	p, err := d.ReadUint64()
	if err != nil {
		return Params{}, err
	}
	if err := d.Finished(); err != nil {
		return Params{}, err
	}
	return Params{Salt: salt, N: n, R: r, P: p}, nil
}

// DeriveNewKey picks a fresh salt from rnd and derives a key of keyLen bytes.
func DeriveNewKey(keyLen int, password []byte, settings Settings, rnd random.Random) ([]byte, Params, error) {
	params := Params{
		Salt: data.NewDataFromBytes(rnd.Bytes(saltLen)),
		N:    uint64(settings.N),
		R:    uint64(settings.R),
		P:    uint64(settings.P),
	}
	key, err := DeriveExistingKey(keyLen, password, params)
	if err != nil {
		return nil, Params{}, err
	}
	return key, params, nil
}

// DeriveExistingKey reruns scrypt with stored parameters. Deterministic for
// equal inputs; a wrong password yields a key that fails the config cipher's
// authentication downstream.
func DeriveExistingKey(keyLen int, password []byte, params Params) ([]byte, error) {
	key, err := scrypt.Key(password, params.Salt, int(params.N), int(params.R), int(params.P), keyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScrypt, err)
	}
	return key, nil
}

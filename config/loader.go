package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/samber/lo"

	"github.com/veilfs/veilfs/console"
	"github.com/veilfs/veilfs/crypto/ciphers"
	"github.com/veilfs/veilfs/crypto/kdf"
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
	"github.com/veilfs/veilfs/localstate"
)

var (
	ErrFilesystemIDChanged     = errors.New("the filesystem id changed since the last time this base directory was opened; an attacker may have replaced the filesystem")
	ErrEncryptionKeyChanged    = errors.New("the encryption key changed since the last time this base directory was opened; an attacker may have replaced the filesystem")
	ErrCipherMismatch          = errors.New("the filesystem uses a different cipher than the one requested")
	ErrTooNewFilesystemFormat  = errors.New("the filesystem was created with a newer version and cannot be opened")
	ErrTooOldFilesystemFormat  = errors.New("the filesystem format is too old; it needs allow-filesystem-upgrade to migrate, or is older than any format this version can migrate")
	ErrFilesystemDoesNotExist  = errors.New("no filesystem found at this location")
	ErrFilesystemAlreadyExists = errors.New("a filesystem already exists at this location")
)

// Blocksizes offered at creation time, in bytes.
var SupportedBlocksizes = []uint64{4 * 1024, 8 * 1024, 16 * 1024, 32 * 1024, 64 * 1024, 512 * 1024, 1024 * 1024}

const DefaultBlocksizeBytes = 32 * 1024

// LoaderOptions collects the caller's choices and flags.
type LoaderOptions struct {
	// Cipher forces a cipher. On load it must match the config; on create it
	// skips the interactive choice. Empty means "ask or default".
	Cipher string
	// BlocksizeBytes for creation; 0 means "ask or default".
	BlocksizeBytes uint64
	// MissingBlockIsIntegrityViolation is the single-client integrity policy
	// chosen at creation.
	MissingBlockIsIntegrityViolation bool
	// AllowFilesystemUpgrade migrates an older format without asking.
	AllowFilesystemUpgrade bool
	// AllowReplacedFilesystem skips the local-state identity cross-checks.
	AllowReplacedFilesystem bool
	// KDFSettings for creation. Zero value means kdf.DefaultSettings.
	KDFSettings kdf.Settings
}

// LoadResult carries everything the device needs after a successful
// create-or-load.
type LoadResult struct {
	ConfigFile *ConfigFile
	// MyClientID identifies this process for integrity bookkeeping.
	MyClientID uint32
	// Created is true if a new filesystem was created.
	Created bool
}

// Loader orchestrates create-vs-load, version migration gating, cipher
// consistency and the cross-checks against local state.
type Loader struct {
	console  console.Console
	rnd      random.Random
	stateDir localstate.StateDir
	log      *slog.Logger
}

func NewLoader(cons console.Console, rnd random.Random, stateDir localstate.StateDir, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{console: cons, rnd: rnd, stateDir: stateDir, log: log}
}

// LoadOrCreate opens the filesystem at configPath, creating it first if
// allowCreate is set and no config exists yet.
func (l *Loader) LoadOrCreate(configPath, basedir string, password []byte, opts LoaderOptions, allowCreate bool) (*LoadResult, error) {
	if !Exists(configPath) {
		if !allowCreate {
			return nil, ErrFilesystemDoesNotExist
		}
		return l.create(configPath, basedir, password, opts)
	}
	return l.load(configPath, basedir, password, opts)
}

// Create makes a new filesystem and fails if one exists already.
func (l *Loader) Create(configPath, basedir string, password []byte, opts LoaderOptions) (*LoadResult, error) {
	if Exists(configPath) {
		return nil, ErrFilesystemAlreadyExists
	}
	return l.create(configPath, basedir, password, opts)
}

// Load opens an existing filesystem.
func (l *Loader) Load(configPath, basedir string, password []byte, opts LoaderOptions) (*LoadResult, error) {
	if !Exists(configPath) {
		return nil, ErrFilesystemDoesNotExist
	}
	return l.load(configPath, basedir, password, opts)
}

func (l *Loader) chooseCipher(opts LoaderOptions) (ciphers.Cipher, error) {
	name := opts.Cipher
	if name == "" {
		if l.console.AskYesNo("Use default settings?", true) {
			name = ciphers.DefaultCipherName
		} else {
			names := ciphers.SupportedCipherNames()
			choice, err := l.console.Ask("Which cipher do you want to use?", names)
			if err != nil {
				return nil, err
			}
			name = names[choice]
		}
	}
	cipher, ok := ciphers.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown cipher %q", name)
	}
	return cipher, nil
}

func (l *Loader) chooseBlocksize(opts LoaderOptions) (uint64, error) {
	if opts.BlocksizeBytes != 0 {
		return opts.BlocksizeBytes, nil
	}
	if l.console.AskYesNo("Use default blocksize?", true) {
		return DefaultBlocksizeBytes, nil
	}
	labels := lo.Map(SupportedBlocksizes, func(size uint64, _ int) string {
		return strconv.FormatUint(size, 10) + " bytes"
	})
	choice, err := l.console.Ask("Which blocksize do you want to use?", labels)
	if err != nil {
		return 0, err
	}
	return SupportedBlocksizes[choice], nil
}

func (l *Loader) create(configPath, basedir string, password []byte, opts LoaderOptions) (*LoadResult, error) {
	cipher, err := l.chooseCipher(opts)
	if err != nil {
		return nil, err
	}
	blocksize, err := l.chooseBlocksize(opts)
	if err != nil {
		return nil, err
	}
	missingBlockPolicy := opts.MissingBlockIsIntegrityViolation ||
		l.console.AskYesNo("Treat missing blocks as integrity violations?", false)

	encryptionKey := ciphers.CreateKey(cipher, l.rnd)
	myClientID := l.newClientID()
	cfg := &Config{
		Version:               FormatVersion,
		Cipher:                cipher.Name(),
		EncryptionKey:         data.NewDataFromBytes(encryptionKey).HexUpper(),
		RootBlob:              "",
		BlocksizeBytes:        blocksize,
		FilesystemID:          data.NewRandomFixedData16(),
		CreatedWithVersion:    VersionString,
		LastOpenedWithVersion: VersionString,
	}
	if missingBlockPolicy {
		cfg.ExclusiveClientID = &myClientID
	}

	settings := opts.KDFSettings
	if settings == (kdf.Settings{}) {
		settings = kdf.DefaultSettings
	}
	file, err := CreateConfigFile(configPath, cfg, password, settings, l.rnd)
	if err != nil {
		return nil, err
	}
	if err := l.updateLocalState(basedir, cfg, encryptionKey); err != nil {
		return nil, err
	}
	l.log.Info("created filesystem", "basedir", basedir, "cipher", cfg.Cipher, "blocksize", blocksize)
	return &LoadResult{ConfigFile: file, MyClientID: myClientID, Created: true}, nil
}

func (l *Loader) load(configPath, basedir string, password []byte, opts LoaderOptions) (*LoadResult, error) {
	file, err := LoadConfigFile(configPath, password, l.rnd)
	if err != nil {
		return nil, err
	}
	cfg := file.Config()

	if err := l.checkFormatVersion(cfg, opts); err != nil {
		return nil, err
	}
	if opts.Cipher != "" && opts.Cipher != cfg.Cipher {
		return nil, fmt.Errorf("%w: config has %s, requested %s", ErrCipherMismatch, cfg.Cipher, opts.Cipher)
	}
	encryptionKey, err := file.EncryptionKeyBytes()
	if err != nil {
		return nil, err
	}
	if !opts.AllowReplacedFilesystem {
		if err := l.checkLocalState(basedir, cfg, encryptionKey); err != nil {
			return nil, err
		}
	}

	// record the migration and the last-opened version in place
	migrated := cfg.Version != FormatVersion
	cfg.Version = FormatVersion
	cfg.LastOpenedWithVersion = VersionString
	if err := file.Save(); err != nil {
		return nil, err
	}
	if migrated {
		l.log.Info("migrated filesystem format", "basedir", basedir, "version", FormatVersion)
	}

	if err := l.updateLocalState(basedir, cfg, encryptionKey); err != nil {
		return nil, err
	}
	return &LoadResult{ConfigFile: file, MyClientID: l.newClientID(), Created: false}, nil
}

func (l *Loader) checkFormatVersion(cfg *Config, opts LoaderOptions) error {
	switch {
	case CompareVersions(cfg.Version, FormatVersion) > 0:
		if !l.console.AskYesNo("This filesystem was created with a newer version. Open anyway? This can corrupt it.", false) {
			return ErrTooNewFilesystemFormat
		}
	case CompareVersions(cfg.Version, FormatVersion) < 0:
		if CompareVersions(cfg.Version, OldestReadableFormatVersion) < 0 {
			return ErrTooOldFilesystemFormat
		}
		if !opts.AllowFilesystemUpgrade &&
			!l.console.AskYesNo("This filesystem uses an older format. Migrate it? The old version will not be able to open it anymore.", false) {
			return ErrTooOldFilesystemFormat
		}
	}
	return nil
}

func (l *Loader) checkLocalState(basedir string, cfg *Config, encryptionKey []byte) error {
	metadata, err := localstate.LoadBasedirMetadata(l.stateDir, l.rnd)
	if err != nil {
		return err
	}
	if !metadata.FilesystemIDForBasedirIsCorrect(basedir, cfg.FilesystemID) {
		return ErrFilesystemIDChanged
	}
	if !metadata.EncryptionKeyForBasedirIsCorrect(basedir, encryptionKey) {
		return ErrEncryptionKeyChanged
	}
	return nil
}

func (l *Loader) updateLocalState(basedir string, cfg *Config, encryptionKey []byte) error {
	metadata, err := localstate.LoadBasedirMetadata(l.stateDir, l.rnd)
	if err != nil {
		return err
	}
	metadata.Update(basedir, cfg.FilesystemID, encryptionKey)
	return metadata.Save()
}

func (l *Loader) newClientID() uint32 {
	return binary.LittleEndian.Uint32(l.rnd.Bytes(4))
}

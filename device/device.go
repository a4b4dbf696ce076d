// Package device assembles the block store stack from a loaded config and
// exposes the root facade external adapters mount. The runtime composition,
// top to bottom, is ParallelAccess(Caching(Encrypted<Cipher>(OnDisk))).
package device

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/veilfs/veilfs/blockstore"
	"github.com/veilfs/veilfs/blockstore/caching"
	"github.com/veilfs/veilfs/blockstore/encrypted"
	"github.com/veilfs/veilfs/blockstore/ondisk"
	"github.com/veilfs/veilfs/blockstore/parallelaccess"
	"github.com/veilfs/veilfs/config"
	"github.com/veilfs/veilfs/console"
	"github.com/veilfs/veilfs/crypto/ciphers"
	"github.com/veilfs/veilfs/crypto/kdf"
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/localstate"
)

// ConfigFileName is the config file's name inside the base directory.
const ConfigFileName = "cryfs.config"

// Options configures Open. Zero values mean interactive defaults.
type Options struct {
	// ConfigPath overrides the config file location. Empty means
	// <basedir>/cryfs.config.
	ConfigPath string
	// Cipher to require (load) or use (create).
	Cipher string
	// BlocksizeBytes for creation.
	BlocksizeBytes uint64
	// AllowCreate permits creating a filesystem if none exists.
	AllowCreate bool
	// MissingBlockIsIntegrityViolation policy for creation.
	MissingBlockIsIntegrityViolation bool
	AllowFilesystemUpgrade           bool
	AllowReplacedFilesystem          bool
	// KDFSettings for creation. Zero value means kdf.DefaultSettings.
	KDFSettings kdf.Settings

	// Console for interactive decisions. Nil means non-interactive defaults.
	Console console.Console
	// Random source. Nil means the OS source.
	Random random.Random
	// StateDir for the per-host metadata. Zero value means the default.
	StateDir *localstate.StateDir
	Logger   *slog.Logger
}

// Device is the opened filesystem: the top-of-stack block store plus the
// config it was opened with.
type Device struct {
	store      blockstore.BlockStore
	configFile *config.ConfigFile
	myClientID uint32
	created    bool
}

// Open loads (or creates, when allowed) the filesystem under basedir and
// builds the store stack.
func Open(basedir string, password []byte, opts Options) (*Device, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	rnd := opts.Random
	if rnd == nil {
		rnd = random.OSRandom()
	}
	cons := opts.Console
	if cons == nil {
		cons = console.NewNoninteractiveConsole(nil)
	}
	stateDir, err := resolveStateDir(opts)
	if err != nil {
		return nil, err
	}
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(basedir, ConfigFileName)
	}

	loader := config.NewLoader(cons, rnd, stateDir, log)
	result, err := loader.LoadOrCreate(configPath, basedir, password, config.LoaderOptions{
		Cipher:                           opts.Cipher,
		BlocksizeBytes:                   opts.BlocksizeBytes,
		MissingBlockIsIntegrityViolation: opts.MissingBlockIsIntegrityViolation,
		AllowFilesystemUpgrade:           opts.AllowFilesystemUpgrade,
		AllowReplacedFilesystem:          opts.AllowReplacedFilesystem,
		KDFSettings:                      opts.KDFSettings,
	}, opts.AllowCreate)
	if err != nil {
		return nil, err
	}

	store, err := buildStack(basedir, result.ConfigFile, rnd, log)
	if err != nil {
		return nil, err
	}
	log.Info("filesystem opened", "basedir", basedir, "cipher", result.ConfigFile.Config().Cipher, "created", result.Created)
	return &Device{
		store:      store,
		configFile: result.ConfigFile,
		myClientID: result.MyClientID,
		created:    result.Created,
	}, nil
}

func resolveStateDir(opts Options) (localstate.StateDir, error) {
	if opts.StateDir != nil {
		return *opts.StateDir, nil
	}
	return localstate.DefaultStateDir()
}

func buildStack(basedir string, file *config.ConfigFile, rnd random.Random, log *slog.Logger) (blockstore.BlockStore, error) {
	cfg := file.Config()
	cipher, ok := ciphers.Lookup(cfg.Cipher)
	if !ok {
		return nil, fmt.Errorf("config names unknown cipher %q", cfg.Cipher)
	}
	key, err := file.EncryptionKeyBytes()
	if err != nil {
		return nil, err
	}

	leaf, err := ondisk.New(basedir, rnd)
	if err != nil {
		return nil, err
	}
	encryptedStore, err := encrypted.New(leaf, cipher, key, rnd, log)
	if err != nil {
		return nil, err
	}
	return parallelaccess.New(caching.New(encryptedStore)), nil
}

// BlockStore is the top-of-stack store the blob layer calls.
func (d *Device) BlockStore() blockstore.BlockStore {
	return d.store
}

func (d *Device) Config() *config.Config {
	return d.configFile.Config()
}

// MyClientID identifies this process for integrity bookkeeping.
func (d *Device) MyClientID() uint32 {
	return d.myClientID
}

// Created reports whether Open created a fresh filesystem.
func (d *Device) Created() bool {
	return d.created
}

// NumBlocks reports the best-effort block count.
func (d *Device) NumBlocks() (uint64, error) {
	return d.store.NumBlocks()
}

// Close flushes everything still cached and stops background tasks.
func (d *Device) Close() error {
	return d.store.Close()
}

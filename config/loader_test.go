package config

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/veilfs/veilfs/console"
	"github.com/veilfs/veilfs/crypto/kdf"
	"github.com/veilfs/veilfs/data"
	"github.com/veilfs/veilfs/localstate"
)

type loaderFixture struct {
	loader     *Loader
	configPath string
	basedir    string
}

func newLoaderFixture(t *testing.T) *loaderFixture {
	t.Helper()
	basedir := t.TempDir()
	stateDir := localstate.NewStateDir(t.TempDir())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &loaderFixture{
		loader:     NewLoader(console.NewNoninteractiveConsole(io.Discard), rnd, stateDir, log),
		configPath: filepath.Join(basedir, "cryfs.config"),
		basedir:    basedir,
	}
}

func testOptions() LoaderOptions {
	return LoaderOptions{
		Cipher:         "aes-256-gcm",
		BlocksizeBytes: 32768,
		KDFSettings:    kdf.TestSettings,
	}
}

func (f *loaderFixture) create(t *testing.T, password string) *LoadResult {
	t.Helper()
	result, err := f.loader.Create(f.configPath, f.basedir, []byte(password), testOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return result
}

// editConfig loads the config file with the password, applies edit and saves
// it back, simulating an attacker or another tool rewriting the file.
func (f *loaderFixture) editConfig(t *testing.T, password string, edit func(*Config)) {
	t.Helper()
	file, err := LoadConfigFile(f.configPath, []byte(password), rnd)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	edit(file.Config())
	if err := file.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestCreateThenReopen(t *testing.T) {
	f := newLoaderFixture(t)
	created := f.create(t, "mypassword")
	if !created.Created {
		t.Fatal("Created flag not set")
	}
	cfg := created.ConfigFile.Config()
	if cfg.Cipher != "aes-256-gcm" || cfg.BlocksizeBytes != 32768 {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.RootBlob != "" {
		t.Fatalf("fresh filesystem has root blob %q", cfg.RootBlob)
	}

	reopened, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), testOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reopened.Created {
		t.Fatal("Created flag set on load")
	}
	if reopened.ConfigFile.Config().FilesystemID != cfg.FilesystemID {
		t.Fatal("filesystem id changed across reopen")
	}
}

func TestReopenWithWrongPassword(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	_, err := f.loader.Load(f.configPath, f.basedir, []byte("wrongpassword"), testOptions())
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("Load = %v, want ErrWrongPassword", err)
	}
}

func TestChangedFilesystemIDDetected(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	newID, _ := data.FixedData16FromString("0123456789ABCDEF0123456789ABCDEF")
	f.editConfig(t, "mypassword", func(cfg *Config) {
		cfg.FilesystemID = newID
	})
	_, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), testOptions())
	if !errors.Is(err, ErrFilesystemIDChanged) {
		t.Fatalf("Load = %v, want ErrFilesystemIDChanged", err)
	}
}

func TestChangedEncryptionKeyDetected(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	f.editConfig(t, "mypassword", func(cfg *Config) {
		cfg.EncryptionKey = data.NewRandomData(32).HexUpper()
	})
	_, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), testOptions())
	if !errors.Is(err, ErrEncryptionKeyChanged) {
		t.Fatalf("Load = %v, want ErrEncryptionKeyChanged", err)
	}
}

func TestAllowReplacedFilesystemSkipsChecks(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	f.editConfig(t, "mypassword", func(cfg *Config) {
		cfg.EncryptionKey = data.NewRandomData(32).HexUpper()
	})
	opts := testOptions()
	opts.AllowReplacedFilesystem = true
	if _, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), opts); err != nil {
		t.Fatalf("Load = %v, want success", err)
	}
}

func TestCipherMismatch(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	opts := testOptions()
	opts.Cipher = "twofish-256-gcm"
	_, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), opts)
	if !errors.Is(err, ErrCipherMismatch) {
		t.Fatalf("Load = %v, want ErrCipherMismatch", err)
	}
}

func TestTooNewFormatRefused(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	f.editConfig(t, "mypassword", func(cfg *Config) {
		cfg.Version = "99.0"
	})
	_, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), testOptions())
	if !errors.Is(err, ErrTooNewFilesystemFormat) {
		t.Fatalf("Load = %v, want ErrTooNewFilesystemFormat", err)
	}
}

func TestOldFormatNeedsUpgradeFlag(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	f.editConfig(t, "mypassword", func(cfg *Config) {
		cfg.Version = OldestReadableFormatVersion
	})

	_, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), testOptions())
	if !errors.Is(err, ErrTooOldFilesystemFormat) {
		t.Fatalf("Load = %v, want ErrTooOldFilesystemFormat", err)
	}

	opts := testOptions()
	opts.AllowFilesystemUpgrade = true
	result, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), opts)
	if err != nil {
		t.Fatalf("Load with upgrade = %v", err)
	}
	if result.ConfigFile.Config().Version != FormatVersion {
		t.Fatalf("version after migration = %q", result.ConfigFile.Config().Version)
	}
}

func TestAncientFormatRefused(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	f.editConfig(t, "mypassword", func(cfg *Config) {
		cfg.Version = "0.1"
	})
	opts := testOptions()
	opts.AllowFilesystemUpgrade = true
	_, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), opts)
	if !errors.Is(err, ErrTooOldFilesystemFormat) {
		t.Fatalf("Load = %v, want ErrTooOldFilesystemFormat", err)
	}
}

func TestLoadNonexistentFilesystem(t *testing.T) {
	f := newLoaderFixture(t)
	_, err := f.loader.Load(f.configPath, f.basedir, []byte("pw"), testOptions())
	if !errors.Is(err, ErrFilesystemDoesNotExist) {
		t.Fatalf("Load = %v, want ErrFilesystemDoesNotExist", err)
	}
}

func TestCreateOverExistingFilesystem(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	_, err := f.loader.Create(f.configPath, f.basedir, []byte("mypassword"), testOptions())
	if !errors.Is(err, ErrFilesystemAlreadyExists) {
		t.Fatalf("Create = %v, want ErrFilesystemAlreadyExists", err)
	}
}

func TestLoadOrCreateCreatesWhenAllowed(t *testing.T) {
	f := newLoaderFixture(t)
	result, err := f.loader.LoadOrCreate(f.configPath, f.basedir, []byte("pw"), testOptions(), true)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !result.Created {
		t.Fatal("Created flag not set")
	}
}

func TestLoadUpdatesLastOpenedVersion(t *testing.T) {
	f := newLoaderFixture(t)
	f.create(t, "mypassword")
	f.editConfig(t, "mypassword", func(cfg *Config) {
		cfg.LastOpenedWithVersion = "0.0.1"
	})
	result, err := f.loader.Load(f.configPath, f.basedir, []byte("mypassword"), testOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result.ConfigFile.Config().LastOpenedWithVersion != VersionString {
		t.Fatalf("LastOpenedWithVersion = %q", result.ConfigFile.Config().LastOpenedWithVersion)
	}
}

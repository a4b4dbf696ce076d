// Package localstate keeps the per-host record of which filesystem id and
// encryption key were last seen for each base directory. The config loader
// cross-checks against it to detect a replaced filesystem or a swapped
// encryption key before handing out a device.
package localstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

const basedirMetadataFile = "basedirs.json"

// StateDir resolves where local state lives, normally a directory under the
// user's config dir.
type StateDir struct {
	root string
}

func NewStateDir(root string) StateDir {
	return StateDir{root: root}
}

// DefaultStateDir is <user config dir>/veilfs.
func DefaultStateDir() (StateDir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return StateDir{}, err
	}
	return StateDir{root: filepath.Join(base, "veilfs")}, nil
}

func (d StateDir) Root() string {
	return d.root
}

func (d StateDir) basedirMetadataPath() string {
	return filepath.Join(d.root, basedirMetadataFile)
}

// keyHash is a salted sha256 of an encryption key. The key itself never
// touches local state.
type keyHash struct {
	Salt string `json:"salt"`
	Hash string `json:"hash"`
}

func hashKey(key []byte, salt []byte) keyHash {
	h := sha256.New()
	h.Write(salt)
	h.Write(key)
	return keyHash{
		Salt: hex.EncodeToString(salt),
		Hash: hex.EncodeToString(h.Sum(nil)),
	}
}

func (k keyHash) matches(key []byte) bool {
	salt, err := hex.DecodeString(k.Salt)
	if err != nil {
		return false
	}
	return hashKey(key, salt).Hash == k.Hash
}

type basedirEntry struct {
	FilesystemID string  `json:"filesystem_id"`
	KeyHash      keyHash `json:"last_seen_encryption_key"`
}

// BasedirMetadata is the JSON file mapping canonical base directory paths to
// their recorded identity. Load/save is all-or-nothing; a crash mid-save
// leaves the previous version intact.
type BasedirMetadata struct {
	path    string
	rnd     random.Random
	entries map[string]basedirEntry
}

// LoadBasedirMetadata reads the metadata file, starting empty if none exists
// yet.
func LoadBasedirMetadata(stateDir StateDir, rnd random.Random) (*BasedirMetadata, error) {
	m := &BasedirMetadata{
		path:    stateDir.basedirMetadataPath(),
		rnd:     rnd,
		entries: make(map[string]basedirEntry),
	}
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &m.entries); err != nil {
		return nil, err
	}
	return m, nil
}

func canonicalize(basedir string) string {
	abs, err := filepath.Abs(basedir)
	if err != nil {
		abs = basedir
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// FilesystemIDForBasedirIsCorrect reports whether the recorded filesystem id
// for basedir matches. No record counts as correct.
func (m *BasedirMetadata) FilesystemIDForBasedirIsCorrect(basedir string, id data.FixedData16) bool {
	entry, exists := m.entries[canonicalize(basedir)]
	if !exists {
		return true
	}
	return entry.FilesystemID == id.String()
}

// EncryptionKeyForBasedirIsCorrect reports whether the recorded key hash for
// basedir matches. No record counts as correct.
func (m *BasedirMetadata) EncryptionKeyForBasedirIsCorrect(basedir string, key []byte) bool {
	entry, exists := m.entries[canonicalize(basedir)]
	if !exists || entry.KeyHash.Hash == "" {
		return true
	}
	return entry.KeyHash.matches(key)
}

// Update records the identity of basedir. Call Save afterwards to persist.
func (m *BasedirMetadata) Update(basedir string, id data.FixedData16, key []byte) {
	m.entries[canonicalize(basedir)] = basedirEntry{
		FilesystemID: id.String(),
		KeyHash:      hashKey(key, m.rnd.Bytes(8)),
	}
}

// Save writes the metadata file atomically.
func (m *BasedirMetadata) Save() error {
	raw, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := data.EnsureDirOf(m.path); err != nil {
		return err
	}
	return data.Data(raw).StoreToFile(m.path, 0o600)
}

// Package config holds the filesystem-wide metadata record, its encrypted
// on-disk envelope, and the loader that decides between creating a new
// filesystem and opening an existing one.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/veilfs/veilfs/data"
)

const (
	// FormatVersion is the format version of the config record this build
	// writes.
	FormatVersion = "1.0"
	// OldestReadableFormatVersion is the oldest record format this build can
	// migrate in place.
	OldestReadableFormatVersion = "0.9"
	// VersionString identifies this build in created/last-opened fields.
	VersionString = "1.2.0"
)

var ErrInvalidConfig = errors.New("invalid filesystem config")

// Config is persisted once per filesystem inside the encrypted envelope.
type Config struct {
	// Version is the format version of this record.
	Version string
	// Cipher is a canonical name from the cipher registry.
	Cipher string
	// EncryptionKey is the block store key, hex-encoded, sized for Cipher.
	EncryptionKey string
	// RootBlob is the hex id of the root blob, or empty for a filesystem
	// that has not been mounted yet.
	RootBlob string
	// BlocksizeBytes is chosen at creation.
	BlocksizeBytes uint64
	// FilesystemID is random at creation and must never change.
	FilesystemID data.FixedData16
	// ExclusiveClientID identifies a single writer, when set.
	ExclusiveClientID *uint32

	CreatedWithVersion    string
	LastOpenedWithVersion string
}

func (c *Config) serializedSize() uint64 {
	return data.StringSize(c.Version) +
		data.StringSize(c.Cipher) +
		data.StringSize(c.EncryptionKey) +
		data.StringSize(c.RootBlob) +
		8 + // BlocksizeBytes
		data.DataSize(data.Data(c.FilesystemID.Bytes())) +
		1 + 4 + // ExclusiveClientID presence flag + value
		data.StringSize(c.CreatedWithVersion) +
		data.StringSize(c.LastOpenedWithVersion)
}

// Serialize renders the record with the fixed binary layout of the config
// codec. Deserialize is its exact inverse.
func (c *Config) Serialize() (data.Data, error) {
	s := data.NewSerializer(c.serializedSize())
	s.WriteString(c.Version)
	s.WriteString(c.Cipher)
	s.WriteString(c.EncryptionKey)
	s.WriteString(c.RootBlob)
	s.WriteUint64(c.BlocksizeBytes)
	s.WriteData(data.Data(c.FilesystemID.Bytes()))
	if c.ExclusiveClientID != nil {
		s.WriteUint8(1)
		s.WriteUint32(*c.ExclusiveClientID)
	} else {
		s.WriteUint8(0)
		s.WriteUint32(0)
	}
	s.WriteString(c.CreatedWithVersion)
	s.WriteString(c.LastOpenedWithVersion)
	return s.Finished()
}

func Deserialize(source data.Data) (*Config, error) {
	d := data.NewDeserializer(source)
	c := &Config{}
	var err error
	if c.Version, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Cipher, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.EncryptionKey, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.RootBlob, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.BlocksizeBytes, err = d.ReadUint64(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	fsidRaw, err := d.ReadData()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.FilesystemID, err = data.FixedData16FromBytes(fsidRaw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	present, err := d.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	clientID, err := d.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if present != 0 {
		c.ExclusiveClientID = &clientID
	}
	if c.CreatedWithVersion, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.LastOpenedWithVersion, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := d.Finished(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, nil
}

// CompareVersions orders two "major.minor" format version strings. Returns
// <0, 0, >0 like strings.Compare. Unparseable parts compare as zero.
func CompareVersions(a, b string) int {
	aMajor, aMinor := splitVersion(a)
	bMajor, bMinor := splitVersion(b)
	if aMajor != bMajor {
		if aMajor < bMajor {
			return -1
		}
		return 1
	}
	if aMinor != bMinor {
		if aMinor < bMinor {
			return -1
		}
		return 1
	}
	return 0
}

func splitVersion(v string) (int, int) {
	parts := strings.SplitN(v, ".", 3)
	major, _ := strconv.Atoi(parts[0])
	minor := 0
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

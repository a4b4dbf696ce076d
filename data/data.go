// Package data holds the byte buffer primitives the block stores and the
// config codec are built on: owned heap buffers, fixed-width ids with a hex
// codec, and a binary serializer for the config record.
package data

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const tmpSuffix = ".tmp"

// Data is an owned contiguous byte buffer with an explicit size. Whoever
// holds a Data owns it exclusively; hand-over is by passing the value on.
type Data []byte

// NewData allocates a zero-filled buffer of the given size.
func NewData(size uint64) Data {
	return make(Data, size)
}

// NewDataFromBytes copies src into a freshly owned buffer.
func NewDataFromBytes(src []byte) Data {
	d := make(Data, len(src))
	copy(d, src)
	return d
}

// NewRandomData fills a fresh buffer from the OS random source.
func NewRandomData(size uint64) Data {
	d := make(Data, size)
	if _, err := io.ReadFull(rand.Reader, d); err != nil {
		panic("data: os random source failed: " + err.Error())
	}
	return d
}

func (d Data) Size() uint64 {
	return uint64(len(d))
}

// Copy returns an independently owned duplicate.
func (d Data) Copy() Data {
	return NewDataFromBytes(d)
}

// Fill sets every byte of the buffer to value.
func (d Data) Fill(value byte) {
	for i := range d {
		d[i] = value
	}
}

// HexUpper renders the buffer as uppercase hex.
func (d Data) HexUpper() string {
	return strings.ToUpper(hex.EncodeToString(d))
}

// Resize returns a buffer of newSize sharing a prefix with d. Growing pads
// with zeroes.
func (d Data) Resize(newSize uint64) Data {
	if newSize == d.Size() {
		return d
	}
	n := make(Data, newSize)
	copy(n, d)
	return n
}

// LoadFromFile reads a whole file into an owned buffer.
func LoadFromFile(path string) (Data, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Data(b), nil
}

// StoreToFile writes the buffer to path atomically (write to a temp file in
// the same directory, then rename over the target).
func (d Data) StoreToFile(path string, perm os.FileMode) error {
	tmp := path + tmpSuffix
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := file.Write(d); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// EnsureDirOf creates the parent directory of path if needed.
func EnsureDirOf(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}

// Package ondisk is the persistent leaf store: one file per block under a
// base directory. The file path is derived from the block id rendered as
// uppercase hex, with the first two characters naming a subdirectory and the
// remaining thirty naming the file.
package ondisk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/veilfs/veilfs/blockstore"
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

type OnDiskBlockStore struct {
	baseDir string
	rnd     random.Random

	// serializes create/remove against each other; block file contents are
	// only touched through atomic whole-file writes
	mu sync.Mutex
}

var _ blockstore.BlockStore = (*OnDiskBlockStore)(nil)

func New(baseDir string, rnd random.Random) (*OnDiskBlockStore, error) {
	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("base directory inaccessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory %s is not a directory", baseDir)
	}
	return &OnDiskBlockStore{baseDir: baseDir, rnd: rnd}, nil
}

// BlockPath returns the file path for a block id.
func (s *OnDiskBlockStore) BlockPath(id blockstore.BlockID) string {
	hex := id.Hex()
	return filepath.Join(s.baseDir, hex[:2], hex[2:])
}

func (s *OnDiskBlockStore) CreateBlockID() blockstore.BlockID {
	return blockstore.NewRandomBlockID(s.rnd)
}

func (s *OnDiskBlockStore) TryCreate(id blockstore.BlockID, d data.Data) (blockstore.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.BlockPath(id)
	if _, err := os.Lstat(path); err == nil {
		return nil, blockstore.ErrBlockExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat block file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("create block directory: %w", err)
	}
	buf := d.Copy()
	if err := buf.StoreToFile(path, filePerm); err != nil {
		return nil, fmt.Errorf("write block file: %w", err)
	}
	return newBlock(s, id, buf), nil
}

func (s *OnDiskBlockStore) Create(d data.Data) (blockstore.Block, error) {
	return blockstore.CreateLoop(s, d)
}

func (s *OnDiskBlockStore) Load(id blockstore.BlockID) (blockstore.Block, error) {
	buf, err := data.LoadFromFile(s.BlockPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, blockstore.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read block file: %w", err)
	}
	return newBlock(s, id, buf), nil
}

func (s *OnDiskBlockStore) Remove(b blockstore.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.BlockPath(b.ID())
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return blockstore.ErrBlockNotFound
		}
		return fmt.Errorf("remove block file: %w", err)
	}
	// prune the prefix directory if this was its last block
	_ = os.Remove(filepath.Dir(path))
	return nil
}

func (s *OnDiskBlockStore) NumBlocks() (uint64, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("read base directory: %w", err)
	}
	var count uint64
	for _, entry := range entries {
		if !entry.IsDir() || len(entry.Name()) != 2 {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			return 0, fmt.Errorf("read block directory: %w", err)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			if _, err := blockstore.BlockIDFromHex(entry.Name() + file.Name()); err == nil {
				count++
			}
		}
	}
	return count, nil
}

func (s *OnDiskBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	return physicalBlockSize, nil
}

func (s *OnDiskBlockStore) PhysicalBlockSizeFromBlockSize(blockSize uint64) uint64 {
	return blockSize
}

func (s *OnDiskBlockStore) Close() error {
	return nil
}

// onDiskBlock shadows the block file with an in-memory buffer. Writes mutate
// the buffer; Flush and Close write the whole buffer back.
type onDiskBlock struct {
	store  *OnDiskBlockStore
	id     blockstore.BlockID
	buf    data.Data
	dirty  bool
	closed bool
}

var _ blockstore.Block = (*onDiskBlock)(nil)

func newBlock(store *OnDiskBlockStore, id blockstore.BlockID, buf data.Data) *onDiskBlock {
	return &onDiskBlock{store: store, id: id, buf: buf}
}

func (b *onDiskBlock) ID() blockstore.BlockID { return b.id }

func (b *onDiskBlock) Size() uint64 { return b.buf.Size() }

func (b *onDiskBlock) Data() []byte { return b.buf }

func (b *onDiskBlock) Write(offset uint64, source []byte) error {
	if offset+uint64(len(source)) > b.buf.Size() {
		return fmt.Errorf("write [%d,%d) out of range %d", offset, offset+uint64(len(source)), b.buf.Size())
	}
	copy(b.buf[offset:], source)
	b.dirty = true
	return nil
}

func (b *onDiskBlock) Resize(newSize uint64) {
	b.buf = b.buf.Resize(newSize)
	b.dirty = true
}

func (b *onDiskBlock) Flush() error {
	if !b.dirty {
		return nil
	}
	if err := b.buf.StoreToFile(b.store.BlockPath(b.id), filePerm); err != nil {
		return fmt.Errorf("flush block file: %w", err)
	}
	b.dirty = false
	return nil
}

func (b *onDiskBlock) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.Flush()
}

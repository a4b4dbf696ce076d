// Package inmemory is a map-backed block store with the same contract as the
// on-disk store. It backs tests and is useful as a fake leaf under the upper
// layers.
package inmemory

import (
	"fmt"
	"sync"

	"github.com/veilfs/veilfs/blockstore"
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

type InMemoryBlockStore struct {
	mu     sync.Mutex
	blocks map[blockstore.BlockID]data.Data
	loads  map[blockstore.BlockID]uint64
	rnd    random.Random
}

var _ blockstore.BlockStore = (*InMemoryBlockStore)(nil)

func New(rnd random.Random) *InMemoryBlockStore {
	return &InMemoryBlockStore{
		blocks: make(map[blockstore.BlockID]data.Data),
		loads:  make(map[blockstore.BlockID]uint64),
		rnd:    rnd,
	}
}

func (s *InMemoryBlockStore) CreateBlockID() blockstore.BlockID {
	return blockstore.NewRandomBlockID(s.rnd)
}

func (s *InMemoryBlockStore) TryCreate(id blockstore.BlockID, d data.Data) (blockstore.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blocks[id]; exists {
		return nil, blockstore.ErrBlockExists
	}
	s.blocks[id] = d.Copy()
	return newBlock(s, id, d.Copy()), nil
}

func (s *InMemoryBlockStore) Create(d data.Data) (blockstore.Block, error) {
	return blockstore.CreateLoop(s, d)
}

func (s *InMemoryBlockStore) Load(id blockstore.BlockID) (blockstore.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.blocks[id]
	if !exists {
		return nil, blockstore.ErrBlockNotFound
	}
	s.loads[id]++
	return newBlock(s, id, stored.Copy()), nil
}

func (s *InMemoryBlockStore) Remove(b blockstore.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blocks[b.ID()]; !exists {
		return blockstore.ErrBlockNotFound
	}
	delete(s.blocks, b.ID())
	return nil
}

func (s *InMemoryBlockStore) NumBlocks() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.blocks)), nil
}

func (s *InMemoryBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	return physicalBlockSize, nil
}

func (s *InMemoryBlockStore) PhysicalBlockSizeFromBlockSize(blockSize uint64) uint64 {
	return blockSize
}

func (s *InMemoryBlockStore) Close() error {
	return nil
}

// LoadCountFor reports how often Load was called for id. Tests use it to
// check that the layers above coalesce repeated loads.
func (s *InMemoryBlockStore) LoadCountFor(id blockstore.BlockID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[id]
}

// Exists reports whether a block is currently stored. Test helper.
func (s *InMemoryBlockStore) Exists(id blockstore.BlockID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[id]
	return ok
}

// CorruptStored flips one byte of the stored bytes of id. Test helper for
// integrity scenarios.
func (s *InMemoryBlockStore) CorruptStored(id blockstore.BlockID, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.blocks[id]
	if !exists {
		return blockstore.ErrBlockNotFound
	}
	if offset >= stored.Size() {
		return fmt.Errorf("offset %d out of range %d", offset, stored.Size())
	}
	stored[offset] ^= 0x01
	return nil
}

// SwapStored exchanges the stored bytes of two ids. Test helper for
// block-swap scenarios.
func (s *InMemoryBlockStore) SwapStored(a, b blockstore.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	da, okA := s.blocks[a]
	db, okB := s.blocks[b]
	if !okA || !okB {
		return blockstore.ErrBlockNotFound
	}
	s.blocks[a], s.blocks[b] = db, da
	return nil
}

func (s *InMemoryBlockStore) writeBack(id blockstore.BlockID, d data.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blocks[id]; !exists {
		// removed while the block was open; nothing to write back to
		return
	}
	s.blocks[id] = d.Copy()
}

type inMemoryBlock struct {
	store  *InMemoryBlockStore
	id     blockstore.BlockID
	buf    data.Data
	dirty  bool
	closed bool
}

var _ blockstore.Block = (*inMemoryBlock)(nil)

func newBlock(store *InMemoryBlockStore, id blockstore.BlockID, buf data.Data) *inMemoryBlock {
	return &inMemoryBlock{store: store, id: id, buf: buf}
}

func (b *inMemoryBlock) ID() blockstore.BlockID { return b.id }

func (b *inMemoryBlock) Size() uint64 { return b.buf.Size() }

func (b *inMemoryBlock) Data() []byte { return b.buf }

func (b *inMemoryBlock) Write(offset uint64, source []byte) error {
	if offset+uint64(len(source)) > b.buf.Size() {
		return fmt.Errorf("write [%d,%d) out of range %d", offset, offset+uint64(len(source)), b.buf.Size())
	}
	copy(b.buf[offset:], source)
	b.dirty = true
	return nil
}

func (b *inMemoryBlock) Resize(newSize uint64) {
	b.buf = b.buf.Resize(newSize)
	b.dirty = true
}

func (b *inMemoryBlock) Flush() error {
	if b.dirty {
		b.store.writeBack(b.id, b.buf)
		b.dirty = false
	}
	return nil
}

func (b *inMemoryBlock) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.Flush()
}

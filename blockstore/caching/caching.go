// Package caching interposes a bounded LRU of currently-unused blocks in
// front of a base store. The cache exists to coalesce repeated access to the
// same block within a short burst of operations, not to be a long-term cache;
// its bound and lifetimes are deliberately small.
package caching

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/veilfs/veilfs/blockstore"
	"github.com/veilfs/veilfs/data"
	"github.com/veilfs/veilfs/thread"
)

const (
	// MaxEntries bounds the cache size.
	MaxEntries = 1000
	// PurgeLifetime is the maximum age of an entry before the sweep drops it.
	PurgeLifetime = 500 * time.Millisecond
	// PurgeInterval is how often the background sweep runs. No entry lives
	// longer than PurgeLifetime+PurgeInterval under normal scheduling.
	PurgeInterval = 500 * time.Millisecond
)

type cacheEntry struct {
	block      blockstore.Block
	insertedAt time.Time
}

type CachingBlockStore struct {
	base blockstore.BlockStore

	mu  sync.Mutex
	lru *simplelru.LRU[blockstore.BlockID, *cacheEntry]
	// evictClosesBlock distinguishes real evictions (push writes down) from
	// cache hits taking an entry back out. Guarded by mu like the lru itself.
	evictClosesBlock bool
	flushErr         error
	closed           bool

	purgeTask *thread.PeriodicTask
}

var _ blockstore.BlockStore = (*CachingBlockStore)(nil)

// New takes ownership of base and starts the eviction sweep.
func New(base blockstore.BlockStore) *CachingBlockStore {
	s := &CachingBlockStore{base: base, evictClosesBlock: true}
	lru, err := simplelru.NewLRU[blockstore.BlockID, *cacheEntry](MaxEntries, s.onEvict)
	if err != nil {
		panic("caching: " + err.Error())
	}
	s.lru = lru
	s.purgeTask = thread.RunPeriodicTask("blockstore-cache-purge", PurgeInterval, s.purgeExpired)
	return s
}

func (s *CachingBlockStore) onEvict(_ blockstore.BlockID, entry *cacheEntry) {
	if !s.evictClosesBlock {
		return
	}
	if err := entry.block.Close(); err != nil && s.flushErr == nil {
		s.flushErr = err
	}
}

// popCached takes a block out of the cache without closing it.
func (s *CachingBlockStore) popCached(id blockstore.BlockID) (blockstore.Block, bool) {
	entry, ok := s.lru.Peek(id)
	if !ok {
		return nil, false
	}
	s.evictClosesBlock = false
	s.lru.Remove(id)
	s.evictClosesBlock = true
	return entry.block, true
}

func (s *CachingBlockStore) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		_, entry, ok := s.lru.GetOldest()
		if !ok || time.Since(entry.insertedAt) <= PurgeLifetime {
			return
		}
		s.lru.RemoveOldest()
	}
}

func (s *CachingBlockStore) CreateBlockID() blockstore.BlockID {
	return s.base.CreateBlockID()
}

func (s *CachingBlockStore) TryCreate(id blockstore.BlockID, d data.Data) (blockstore.Block, error) {
	s.mu.Lock()
	if _, cached := s.lru.Peek(id); cached {
		s.mu.Unlock()
		return nil, blockstore.ErrBlockExists
	}
	s.mu.Unlock()
	base, err := s.base.TryCreate(id, d)
	if err != nil {
		return nil, err
	}
	return newBlock(s, base), nil
}

func (s *CachingBlockStore) Create(d data.Data) (blockstore.Block, error) {
	return blockstore.CreateLoop(s, d)
}

func (s *CachingBlockStore) Load(id blockstore.BlockID) (blockstore.Block, error) {
	s.mu.Lock()
	if cached, ok := s.popCached(id); ok {
		s.mu.Unlock()
		return newBlock(s, cached), nil
	}
	s.mu.Unlock()
	base, err := s.base.Load(id)
	if err != nil {
		return nil, err
	}
	return newBlock(s, base), nil
}

func (s *CachingBlockStore) Remove(b blockstore.Block) error {
	cb, ok := b.(*cachingBlock)
	if !ok {
		return fmt.Errorf("remove: block does not belong to this store")
	}
	cb.closed = true
	return s.base.Remove(cb.underlying)
}

func (s *CachingBlockStore) NumBlocks() (uint64, error) {
	return s.base.NumBlocks()
}

func (s *CachingBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	return s.base.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
}

func (s *CachingBlockStore) PhysicalBlockSizeFromBlockSize(blockSize uint64) uint64 {
	return s.base.PhysicalBlockSizeFromBlockSize(blockSize)
}

// NumCachedBlocks reports the current cache size.
func (s *CachingBlockStore) NumCachedBlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// release puts an unused block back into the cache, evicting the oldest
// entry when the bound is exceeded.
func (s *CachingBlockStore) release(block blockstore.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return block.Close()
	}
	s.lru.Add(block.ID(), &cacheEntry{block: block, insertedAt: time.Now()})
	err := s.flushErr
	s.flushErr = nil
	return err
}

// Close stops the sweep, pushes all cached blocks down and closes the base.
func (s *CachingBlockStore) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	s.purgeTask.Stop()
	s.mu.Lock()
	s.lru.Purge()
	err := s.flushErr
	s.flushErr = nil
	s.mu.Unlock()
	if baseErr := s.base.Close(); err == nil {
		err = baseErr
	}
	return err
}

// cachingBlock forwards to the underlying block; Close hands the block back
// to the cache instead of closing it.
type cachingBlock struct {
	store      *CachingBlockStore
	underlying blockstore.Block
	closed     bool
}

var _ blockstore.Block = (*cachingBlock)(nil)

func newBlock(store *CachingBlockStore, underlying blockstore.Block) *cachingBlock {
	return &cachingBlock{store: store, underlying: underlying}
}

func (b *cachingBlock) ID() blockstore.BlockID { return b.underlying.ID() }

func (b *cachingBlock) Size() uint64 { return b.underlying.Size() }

func (b *cachingBlock) Data() []byte { return b.underlying.Data() }

func (b *cachingBlock) Write(offset uint64, source []byte) error {
	return b.underlying.Write(offset, source)
}

func (b *cachingBlock) Resize(newSize uint64) {
	b.underlying.Resize(newSize)
}

func (b *cachingBlock) Flush() error {
	return b.underlying.Flush()
}

func (b *cachingBlock) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.store.release(b.underlying)
}

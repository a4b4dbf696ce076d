// Package parallelaccess guarantees that across all concurrent callers each
// block id has at most one underlying block instance in memory. Callers get
// lightweight refs that forward to the shared block; the block goes back to
// the layer below only when the last ref is closed. Concurrent loads for the
// same id coalesce into one base load.
package parallelaccess

import (
	"fmt"
	"sync"

	"github.com/veilfs/veilfs/blockstore"
	"github.com/veilfs/veilfs/data"
)

type openBlock struct {
	// serializes mutations of the shared underlying block; the Block
	// interface itself is not thread-safe
	mu         sync.Mutex
	underlying blockstore.Block
	refcount   int
}

// inflightLoad coalesces concurrent loads of one id. Waiters announce
// themselves before blocking on done; the loader reserves a ref for each.
type inflightLoad struct {
	done    chan struct{}
	waiters int
	block   *openBlock
	err     error
}

type ParallelAccessBlockStore struct {
	base blockstore.BlockStore

	mu      sync.Mutex
	open    map[blockstore.BlockID]*openBlock
	loading map[blockstore.BlockID]*inflightLoad
}

var _ blockstore.BlockStore = (*ParallelAccessBlockStore)(nil)

// New takes ownership of base.
func New(base blockstore.BlockStore) *ParallelAccessBlockStore {
	return &ParallelAccessBlockStore{
		base:    base,
		open:    make(map[blockstore.BlockID]*openBlock),
		loading: make(map[blockstore.BlockID]*inflightLoad),
	}
}

func (s *ParallelAccessBlockStore) CreateBlockID() blockstore.BlockID {
	return s.base.CreateBlockID()
}

func (s *ParallelAccessBlockStore) TryCreate(id blockstore.BlockID, d data.Data) (blockstore.Block, error) {
	s.mu.Lock()
	if _, isOpen := s.open[id]; isOpen {
		s.mu.Unlock()
		return nil, blockstore.ErrBlockExists
	}
	s.mu.Unlock()
	base, err := s.base.TryCreate(id, d)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	ob := &openBlock{underlying: base, refcount: 1}
	s.open[id] = ob
	s.mu.Unlock()
	return newRef(s, id, ob), nil
}

func (s *ParallelAccessBlockStore) Create(d data.Data) (blockstore.Block, error) {
	return blockstore.CreateLoop(s, d)
}

func (s *ParallelAccessBlockStore) Load(id blockstore.BlockID) (blockstore.Block, error) {
	s.mu.Lock()
	if ob, isOpen := s.open[id]; isOpen {
		ob.refcount++
		s.mu.Unlock()
		return newRef(s, id, ob), nil
	}
	if inflight, isLoading := s.loading[id]; isLoading {
		inflight.waiters++
		s.mu.Unlock()
		<-inflight.done
		if inflight.err != nil {
			return nil, inflight.err
		}
		return newRef(s, id, inflight.block), nil
	}

	// first loader for this id; do the base I/O outside the store mutex
	inflight := &inflightLoad{done: make(chan struct{})}
	s.loading[id] = inflight
	s.mu.Unlock()

	base, err := s.base.Load(id)

	s.mu.Lock()
	delete(s.loading, id)
	if err != nil {
		inflight.err = err
		s.mu.Unlock()
		close(inflight.done)
		return nil, err
	}
	ob := &openBlock{underlying: base, refcount: 1 + inflight.waiters}
	inflight.block = ob
	s.open[id] = ob
	s.mu.Unlock()
	close(inflight.done)
	return newRef(s, id, ob), nil
}

// Remove consumes the caller's ref. The caller must hold the only ref; a
// remove while other refs exist is a programming error and panics.
func (s *ParallelAccessBlockStore) Remove(b blockstore.Block) error {
	ref, ok := b.(*blockRef)
	if !ok {
		return fmt.Errorf("remove: block does not belong to this store")
	}
	s.mu.Lock()
	if ref.closed {
		s.mu.Unlock()
		return fmt.Errorf("remove: ref already closed")
	}
	ref.closed = true
	if ref.open.refcount != 1 {
		s.mu.Unlock()
		panic(fmt.Sprintf("removing block %s while %d other refs exist", ref.id.Hex(), ref.open.refcount-1))
	}
	delete(s.open, ref.id)
	s.mu.Unlock()
	return s.base.Remove(ref.open.underlying)
}

func (s *ParallelAccessBlockStore) NumBlocks() (uint64, error) {
	return s.base.NumBlocks()
}

func (s *ParallelAccessBlockStore) BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error) {
	return s.base.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
}

func (s *ParallelAccessBlockStore) PhysicalBlockSizeFromBlockSize(blockSize uint64) uint64 {
	return s.base.PhysicalBlockSizeFromBlockSize(blockSize)
}

// NumOpenBlocks reports how many underlying blocks are currently in memory.
func (s *ParallelAccessBlockStore) NumOpenBlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *ParallelAccessBlockStore) Close() error {
	return s.base.Close()
}

func (s *ParallelAccessBlockStore) releaseRef(ref *blockRef) error {
	s.mu.Lock()
	if ref.closed {
		s.mu.Unlock()
		return nil
	}
	ref.closed = true
	ref.open.refcount--
	last := ref.open.refcount == 0
	if last {
		delete(s.open, ref.id)
	}
	s.mu.Unlock()
	if last {
		return ref.open.underlying.Close()
	}
	return nil
}

// blockRef forwards to the shared underlying block. Mutations and reads take
// the per-block lock, so writes through any ref are visible to subsequent
// reads through any other ref of the same id.
type blockRef struct {
	store  *ParallelAccessBlockStore
	id     blockstore.BlockID
	open   *openBlock
	closed bool
}

var _ blockstore.Block = (*blockRef)(nil)

func newRef(store *ParallelAccessBlockStore, id blockstore.BlockID, open *openBlock) *blockRef {
	return &blockRef{store: store, id: id, open: open}
}

func (r *blockRef) ID() blockstore.BlockID { return r.id }

func (r *blockRef) Size() uint64 {
	r.open.mu.Lock()
	defer r.open.mu.Unlock()
	return r.open.underlying.Size()
}

func (r *blockRef) Data() []byte {
	r.open.mu.Lock()
	defer r.open.mu.Unlock()
	return r.open.underlying.Data()
}

func (r *blockRef) Write(offset uint64, source []byte) error {
	r.open.mu.Lock()
	defer r.open.mu.Unlock()
	return r.open.underlying.Write(offset, source)
}

func (r *blockRef) Resize(newSize uint64) {
	r.open.mu.Lock()
	defer r.open.mu.Unlock()
	r.open.underlying.Resize(newSize)
}

func (r *blockRef) Flush() error {
	r.open.mu.Lock()
	defer r.open.mu.Unlock()
	return r.open.underlying.Flush()
}

func (r *blockRef) Close() error {
	return r.store.releaseRef(r)
}

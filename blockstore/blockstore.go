// Package blockstore defines the block storage contract every layer of the
// stack implements: persistent on-disk storage, authenticated encryption,
// caching and parallel-access coordination all expose the same interface and
// compose by ownership injection at construction.
package blockstore

import (
	"errors"

	"github.com/veilfs/veilfs/data"
)

var (
	// ErrBlockExists is returned by TryCreate when the id is already taken.
	ErrBlockExists = errors.New("block already exists")
	// ErrBlockNotFound is returned by Load when the block is absent or its
	// integrity check failed.
	ErrBlockNotFound = errors.New("block not found")
	// ErrPhysicalBlockSizeTooSmall means a physical size below the layer's
	// fixed overhead was given.
	ErrPhysicalBlockSizeTooSmall = errors.New("physical block size smaller than layer overhead")
)

// Block is a loaded (id, payload) pair. A Block is owned by whoever holds it
// and is not safe for concurrent use; the parallel-access layer serializes
// access when several callers share one block. Close releases the block back
// to the store it came from, writing dirty contents down. Close must be
// called exactly once unless the block is consumed by BlockStore.Remove.
type Block interface {
	ID() BlockID
	Size() uint64

	// Data exposes the current payload. The returned slice is only valid
	// until the next Write/Resize/Close on the block.
	Data() []byte

	Write(offset uint64, source []byte) error
	Resize(newSize uint64)

	// Flush pushes the current contents through all layers below. Durable
	// on-disk fsync is not guaranteed; the leaf store relies on the OS.
	Flush() error

	// Close flushes dirty contents and returns the block to its store.
	Close() error
}

// BlockStore is the contract shared by all layers. A store must outlive every
// block it handed out.
type BlockStore interface {
	// CreateBlockID allocates a fresh random id without creating a block.
	CreateBlockID() BlockID

	// TryCreate creates a block with the given id, or fails with
	// ErrBlockExists if the id is taken.
	TryCreate(id BlockID, d data.Data) (Block, error)

	// Create picks random ids until one is free.
	Create(d data.Data) (Block, error)

	// Load returns the block or ErrBlockNotFound.
	Load(id BlockID) (Block, error)

	// Remove deletes the block and reclaims its storage. It consumes the
	// block; the caller must hold exclusive ownership and must not Close it.
	Remove(b Block) error

	// NumBlocks is a best-effort count of existing blocks.
	NumBlocks() (uint64, error)

	// BlockSizeFromPhysicalBlockSize converts a size at this layer's
	// physical (lower) boundary into the payload size callers see.
	BlockSizeFromPhysicalBlockSize(physicalBlockSize uint64) (uint64, error)

	// PhysicalBlockSizeFromBlockSize is the inverse.
	PhysicalBlockSizeFromBlockSize(blockSize uint64) uint64

	// Close shuts the layer down, flushing anything it still holds.
	Close() error
}

// CreateLoop implements Create on top of CreateBlockID+TryCreate. Benign id
// collisions retry; anything else surfaces.
func CreateLoop(store BlockStore, d data.Data) (Block, error) {
	for {
		block, err := store.TryCreate(store.CreateBlockID(), d)
		if errors.Is(err, ErrBlockExists) {
			continue
		}
		return block, err
	}
}

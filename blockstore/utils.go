package blockstore

import "github.com/veilfs/veilfs/data"

// CopyBlock creates a new block in store holding a copy of source's current
// contents under a fresh id.
func CopyBlock(store BlockStore, source Block) (Block, error) {
	return store.Create(data.NewDataFromBytes(source.Data()))
}

// CreateZeroFilled creates a new block of the given size with an all-zero
// payload.
func CreateZeroFilled(store BlockStore, size uint64) (Block, error) {
	return store.Create(data.NewData(size))
}

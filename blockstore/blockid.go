package blockstore

import (
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

// BlockID is the opaque 16-byte identifier of a block, rendered as 32
// uppercase hex characters on disk and in text. Two distinct blocks never
// share an id for the lifetime of a filesystem.
type BlockID struct {
	id data.FixedData16
}

const (
	BlockIDBinaryLength = data.FixedData16BinaryLength
	BlockIDStringLength = data.FixedData16StringLength
)

// NewRandomBlockID draws a fresh id from rnd.
func NewRandomBlockID(rnd random.Random) BlockID {
	f, err := data.FixedData16FromBytes(rnd.Bytes(BlockIDBinaryLength))
	if err != nil {
		panic("blockstore: " + err.Error())
	}
	return BlockID{id: f}
}

// BlockIDFromHex parses a persisted 32-char hex reference.
func BlockIDFromHex(s string) (BlockID, error) {
	f, err := data.FixedData16FromString(s)
	if err != nil {
		return BlockID{}, err
	}
	return BlockID{id: f}, nil
}

// BlockIDFromBytes copies a 16-byte binary id.
func BlockIDFromBytes(b []byte) (BlockID, error) {
	f, err := data.FixedData16FromBytes(b)
	if err != nil {
		return BlockID{}, err
	}
	return BlockID{id: f}, nil
}

// Hex renders the id as 32 uppercase hex characters.
func (b BlockID) Hex() string {
	return b.id.String()
}

// Bytes returns the 16 raw bytes.
func (b BlockID) Bytes() []byte {
	return b.id.Bytes()
}

// Compare orders ids byte-wise.
func (b BlockID) Compare(other BlockID) int {
	return b.id.Compare(other.id)
}

func (b BlockID) String() string {
	return b.Hex()
}

package blockstore_test

import (
	"bytes"
	"testing"

	"github.com/veilfs/veilfs/blockstore"
	"github.com/veilfs/veilfs/blockstore/inmemory"
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

var rnd = random.OSRandom()

func TestBlockIDHexRoundtrip(t *testing.T) {
	id := blockstore.NewRandomBlockID(rnd)
	hex := id.Hex()
	if len(hex) != blockstore.BlockIDStringLength {
		t.Fatalf("hex length = %d", len(hex))
	}
	parsed, err := blockstore.BlockIDFromHex(hex)
	if err != nil {
		t.Fatalf("BlockIDFromHex: %v", err)
	}
	if parsed.Compare(id) != 0 {
		t.Fatal("roundtrip mismatch")
	}
}

func TestBlockIDComparesBytewise(t *testing.T) {
	a, _ := blockstore.BlockIDFromHex("00000000000000000000000000000001")
	b, _ := blockstore.BlockIDFromHex("00000000000000000000000000000002")
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Fatal("byte-wise ordering broken")
	}
}

func TestRandomBlockIDsAreDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := blockstore.NewRandomBlockID(rnd)
		if seen[id.Hex()] {
			t.Fatal("random id repeated")
		}
		seen[id.Hex()] = true
	}
}

func TestCopyBlock(t *testing.T) {
	store := inmemory.New(rnd)
	source, err := store.Create(data.NewRandomData(128))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer source.Close()

	copied, err := blockstore.CopyBlock(store, source)
	if err != nil {
		t.Fatalf("CopyBlock: %v", err)
	}
	defer copied.Close()

	if copied.ID() == source.ID() {
		t.Fatal("copy shares the source id")
	}
	if !bytes.Equal(copied.Data(), source.Data()) {
		t.Fatal("copy contents differ")
	}
}

func TestCreateZeroFilled(t *testing.T) {
	store := inmemory.New(rnd)
	block, err := blockstore.CreateZeroFilled(store, 64)
	if err != nil {
		t.Fatalf("CreateZeroFilled: %v", err)
	}
	defer block.Close()
	if block.Size() != 64 {
		t.Fatalf("size = %d", block.Size())
	}
	for i, b := range block.Data() {
		if b != 0 {
			t.Fatalf("byte %d = %x", i, b)
		}
	}
}

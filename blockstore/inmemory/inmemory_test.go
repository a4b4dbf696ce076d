package inmemory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/veilfs/veilfs/blockstore"
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

func TestCreateAndLoad(t *testing.T) {
	store := New(random.OSRandom())
	payload := data.NewRandomData(512)

	block, err := store.Create(payload.Copy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := block.ID()
	if err := block.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	loaded, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(loaded.Data(), payload) {
		t.Fatal("loaded payload differs")
	}
	loaded.Close()
}

func TestTryCreateRefusesExistingID(t *testing.T) {
	store := New(random.OSRandom())
	block, err := store.Create(data.NewData(8))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer block.Close()

	if _, err := store.TryCreate(block.ID(), data.NewData(8)); !errors.Is(err, blockstore.ErrBlockExists) {
		t.Fatalf("TryCreate = %v, want ErrBlockExists", err)
	}
}

func TestLoadAbsentBlock(t *testing.T) {
	store := New(random.OSRandom())
	if _, err := store.Load(store.CreateBlockID()); !errors.Is(err, blockstore.ErrBlockNotFound) {
		t.Fatalf("Load = %v, want ErrBlockNotFound", err)
	}
}

func TestWriteIsVisibleAfterClose(t *testing.T) {
	store := New(random.OSRandom())
	block, err := store.Create(data.NewData(16))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := block.ID()
	if err := block.Write(4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	block.Close()

	loaded, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()
	if !bytes.Equal(loaded.Data()[4:8], []byte{1, 2, 3, 4}) {
		t.Fatalf("data = %v", loaded.Data())
	}
}

func TestWriteOutOfRange(t *testing.T) {
	store := New(random.OSRandom())
	block, err := store.Create(data.NewData(8))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer block.Close()
	if err := block.Write(6, []byte{1, 2, 3}); err == nil {
		t.Fatal("out-of-range write succeeded")
	}
}

func TestResize(t *testing.T) {
	store := New(random.OSRandom())
	block, err := store.Create(data.NewDataFromBytes([]byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := block.ID()
	block.Resize(5)
	if block.Size() != 5 {
		t.Fatalf("size = %d", block.Size())
	}
	block.Close()

	loaded, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()
	if !bytes.Equal(loaded.Data(), []byte{1, 2, 3, 0, 0}) {
		t.Fatalf("data = %v", loaded.Data())
	}
}

func TestRemove(t *testing.T) {
	store := New(random.OSRandom())
	block, err := store.Create(data.NewData(8))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := block.ID()
	if err := store.Remove(block); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Load(id); !errors.Is(err, blockstore.ErrBlockNotFound) {
		t.Fatalf("Load after Remove = %v", err)
	}
	if n, _ := store.NumBlocks(); n != 0 {
		t.Fatalf("NumBlocks = %d", n)
	}
}

func TestNumBlocks(t *testing.T) {
	store := New(random.OSRandom())
	for i := 0; i < 3; i++ {
		block, err := store.Create(data.NewData(8))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		block.Close()
	}
	if n, _ := store.NumBlocks(); n != 3 {
		t.Fatalf("NumBlocks = %d", n)
	}
}

func TestLoadCounter(t *testing.T) {
	store := New(random.OSRandom())
	block, err := store.Create(data.NewData(8))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := block.ID()
	block.Close()
	for i := 0; i < 3; i++ {
		b, err := store.Load(id)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		b.Close()
	}
	if n := store.LoadCountFor(id); n != 3 {
		t.Fatalf("LoadCountFor = %d", n)
	}
}

package parallelaccess

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/veilfs/veilfs/blockstore"
	"github.com/veilfs/veilfs/blockstore/inmemory"
	"github.com/veilfs/veilfs/crypto/random"
	"github.com/veilfs/veilfs/data"
)

var rnd = random.OSRandom()

func TestConcurrentLoadsShareOneUnderlyingBlock(t *testing.T) {
	base := inmemory.New(rnd)
	store := New(base)
	defer store.Close()

	payload := data.NewRandomData(256)
	created, err := store.Create(payload.Copy())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := created.ID()
	created.Close()

	// pin one ref so the underlying block stays in memory for the whole run
	pin, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	const threads = 8
	const loadsPerThread = 1000
	var wg sync.WaitGroup
	errs := make(chan error, threads)
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < loadsPerThread; j++ {
				ref, err := store.Load(id)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(ref.Data(), payload) {
					errs <- errors.New("ref delivered wrong bytes")
					ref.Close()
					return
				}
				ref.Close()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if n := store.NumOpenBlocks(); n != 1 {
		t.Fatalf("open blocks = %d, want 1", n)
	}
	if n := base.LoadCountFor(id); n != 1 {
		t.Fatalf("base load count = %d, want 1", n)
	}
	pin.Close()
	if n := store.NumOpenBlocks(); n != 0 {
		t.Fatalf("open blocks after last close = %d, want 0", n)
	}
}

func TestWritesThroughOneRefVisibleThroughAnother(t *testing.T) {
	base := inmemory.New(rnd)
	store := New(base)
	defer store.Close()

	created, err := store.Create(data.NewData(64))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := created.ID()

	other, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := created.Write(10, []byte("shared")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(other.Data()[10:16], []byte("shared")) {
		t.Fatal("write through one ref invisible through the other")
	}
	other.Close()
	created.Close()
}

func TestConcurrentWritesSerialize(t *testing.T) {
	base := inmemory.New(rnd)
	store := New(base)
	defer store.Close()

	created, err := store.Create(data.NewData(8))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := created.ID()

	const threads = 8
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			ref, err := store.Load(id)
			if err != nil {
				t.Error(err)
				return
			}
			defer ref.Close()
			for j := 0; j < 100; j++ {
				val := []byte{n, n, n, n, n, n, n, n}
				if err := ref.Write(0, val); err != nil {
					t.Error(err)
					return
				}
			}
		}(byte(i + 1))
	}
	wg.Wait()

	// last write wins: whatever it was, the block must be uniform
	got := created.Data()
	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatalf("torn write: %v", got)
		}
	}
	created.Close()
}

func TestLastCloseReturnsBlockToBase(t *testing.T) {
	base := inmemory.New(rnd)
	store := New(base)
	defer store.Close()

	created, err := store.Create(data.NewData(32))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := created.ID()
	if err := created.Write(0, []byte("persisted")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	created.Close()

	if n := store.NumOpenBlocks(); n != 0 {
		t.Fatalf("open blocks = %d, want 0", n)
	}

	// the next load goes to the base again
	ref, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer ref.Close()
	if !bytes.Equal(ref.Data()[:9], []byte("persisted")) {
		t.Fatal("write lost on the way down")
	}
	if n := base.LoadCountFor(id); n != 1 {
		t.Fatalf("base load count = %d, want 1", n)
	}
}

func TestLoadAbsentBlock(t *testing.T) {
	base := inmemory.New(rnd)
	store := New(base)
	defer store.Close()
	if _, err := store.Load(store.CreateBlockID()); !errors.Is(err, blockstore.ErrBlockNotFound) {
		t.Fatalf("Load = %v, want ErrBlockNotFound", err)
	}
}

func TestFailedLoadsCoalesceToo(t *testing.T) {
	base := inmemory.New(rnd)
	store := New(base)
	defer store.Close()
	id := store.CreateBlockID()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Load(id); !errors.Is(err, blockstore.ErrBlockNotFound) {
				t.Errorf("Load = %v, want ErrBlockNotFound", err)
			}
		}()
	}
	wg.Wait()
}

func TestRemoveWithLastRef(t *testing.T) {
	base := inmemory.New(rnd)
	store := New(base)
	defer store.Close()

	created, err := store.Create(data.NewData(8))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := created.ID()
	if err := store.Remove(created); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if base.Exists(id) {
		t.Fatal("base still stores removed block")
	}
	if n := store.NumOpenBlocks(); n != 0 {
		t.Fatalf("open blocks = %d", n)
	}
}

func TestRemoveWhileOtherRefsExistPanics(t *testing.T) {
	base := inmemory.New(rnd)
	store := New(base)
	defer store.Close()

	created, err := store.Create(data.NewData(8))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := store.Load(created.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer second.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("Remove with a second live ref did not panic")
		}
	}()
	store.Remove(created)
}

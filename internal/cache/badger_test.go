package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/Ilingu/ilix/internal/core"
)

func testCache(t *testing.T) *Badger {
	t.Helper()
	b, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

type payload struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestSetGetRoundTrip(t *testing.T) {
	b := testCache(t)

	in := payload{Name: "pools", Items: []string{"a", "b"}}
	if err := b.Set(PoolsKey, in, 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	var out payload
	if err := b.Get(PoolsKey, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Name != in.Name || len(out.Items) != 2 {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestGetMissingKey(t *testing.T) {
	b := testCache(t)
	var out payload
	if err := b.Get("absent", &out); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("got %v, want core.ErrNotFound", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	b := testCache(t)

	if err := b.Set("k", payload{Name: "v"}, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var out payload
	if err := b.Get("k", &out); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("got %v, want core.ErrNotFound", err)
	}
	if err := b.Delete("k"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestClearWipesEverything(t *testing.T) {
	b := testCache(t)

	b.Set(PoolsKey, payload{Name: "pools"}, 0)
	b.Set(TransferFilesKey("t1"), payload{Name: "files"}, 0)

	if err := b.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	var out payload
	if !errors.Is(b.Get(PoolsKey, &out), core.ErrNotFound) {
		t.Error("pools entry survived clear")
	}
	if !errors.Is(b.Get(TransferFilesKey("t1"), &out), core.ErrNotFound) {
		t.Error("transfer files entry survived clear")
	}
}

func TestEntryExpires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping TTL expiry wait in short mode")
	}
	b := testCache(t)

	if err := b.Set("expiring", payload{Name: "v"}, time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	var out payload
	if err := b.Get("expiring", &out); err != nil {
		t.Fatalf("entry should be readable before expiry: %v", err)
	}

	// Badger tracks expiry with second granularity.
	time.Sleep(2100 * time.Millisecond)
	if err := b.Get("expiring", &out); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("got %v, want core.ErrNotFound after expiry", err)
	}
}

func TestTransferFilesKey(t *testing.T) {
	if TransferFilesKey("t1") == TransferFilesKey("t2") {
		t.Error("distinct transfers must get distinct cache keys")
	}
}

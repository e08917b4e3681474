package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func openBackends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	bolt, err := NewBoltDB(filepath.Join(dir, "ledger.bolt"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	dbs := map[string]Database{
		BackendMemory:  NewMemDB(),
		BackendLevelDB: level,
		BackendBolt:    bolt,
	}
	t.Cleanup(func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	})
	return dbs
}

func TestDatabaseGetMissingReturnsNotFound(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			ok, err := db.Has([]byte("missing"))
			if err != nil || ok {
				t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestBatchWritesAtomicallyAndIteratesInOrder(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := db.Put([]byte("escrow/stale"), []byte("x")); err != nil {
				t.Fatalf("put: %v", err)
			}
			batch := db.NewBatch()
			for i := 3; i >= 1; i-- {
				batch.Put([]byte(fmt.Sprintf("escrow/%02d", i)), []byte{byte(i)})
			}
			batch.Delete([]byte("escrow/stale"))
			batch.Put([]byte("other/key"), []byte("y"))
			if batch.Len() != 5 {
				t.Fatalf("expected 5 ops, got %d", batch.Len())
			}
			if err := batch.Write(); err != nil {
				t.Fatalf("write batch: %v", err)
			}

			var keys []string
			err := db.Iterate([]byte("escrow/"), func(key, value []byte) error {
				keys = append(keys, string(key))
				return nil
			})
			if err != nil {
				t.Fatalf("iterate: %v", err)
			}
			want := []string{"escrow/01", "escrow/02", "escrow/03"}
			if len(keys) != len(want) {
				t.Fatalf("expected keys %v, got %v", want, keys)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Fatalf("expected keys %v, got %v", want, keys)
				}
			}
			value, err := db.Get([]byte("escrow/02"))
			if err != nil || len(value) != 1 || value[0] != 2 {
				t.Fatalf("unexpected value %v err=%v", value, err)
			}
		})
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open("cassandra", "x"); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
	db, err := Open(BackendMemory, "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	_ = db.Close()
}

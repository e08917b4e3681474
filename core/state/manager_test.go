package state

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"escrowdao/core/events"
	"escrowdao/storage"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type namedEvent string

func (n namedEvent) EventType() string { return string(n) }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db)
}

func TestUpdateCommitsAndEmitsAfterCommit(t *testing.T) {
	mgr := newTestManager(t)
	emitter := &recordingEmitter{}
	mgr.SetEmitter(emitter)
	ctx := context.Background()

	err := mgr.Update(ctx, func(_ context.Context, tx *Tx) error {
		if err := tx.Put([]byte("balance/a"), big.NewInt(42)); err != nil {
			return err
		}
		tx.Emit(namedEvent("balance.set"))
		if emitter.count() != 0 {
			t.Fatalf("event emitted before commit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if emitter.count() != 1 {
		t.Fatalf("expected one event, got %d", emitter.count())
	}

	var got big.Int
	err = mgr.View(ctx, func(tx *Tx) error {
		ok, err := tx.Get([]byte("balance/a"), &got)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("expected stored balance")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if got.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected balance %s", got.String())
	}
}

func TestUpdateErrorDiscardsWritesAndEvents(t *testing.T) {
	mgr := newTestManager(t)
	emitter := &recordingEmitter{}
	mgr.SetEmitter(emitter)
	boom := errors.New("boom")

	err := mgr.Update(context.Background(), func(_ context.Context, tx *Tx) error {
		if err := tx.Put([]byte("k"), uint64(1)); err != nil {
			return err
		}
		tx.Emit(namedEvent("never"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if emitter.count() != 0 {
		t.Fatalf("aborted transaction emitted events")
	}
	_ = mgr.View(context.Background(), func(tx *Tx) error {
		ok, err := tx.Get([]byte("k"), nil)
		if err != nil || ok {
			t.Fatalf("aborted write visible: ok=%v err=%v", ok, err)
		}
		return nil
	})
}

func TestViewRejectsWrites(t *testing.T) {
	mgr := newTestManager(t)
	err := mgr.View(context.Background(), func(tx *Tx) error {
		return tx.Put([]byte("k"), uint64(1))
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestNestedUpdateJoinsOuterTransaction(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	boom := errors.New("outer failed")

	err := mgr.Update(ctx, func(ctx context.Context, tx *Tx) error {
		if err := mgr.Update(ctx, func(_ context.Context, inner *Tx) error {
			if inner != tx {
				t.Fatalf("nested update did not join outer transaction")
			}
			return inner.Put([]byte("nested"), uint64(7))
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected outer error, got %v", err)
	}
	_ = mgr.View(ctx, func(tx *Tx) error {
		if ok, _ := tx.Get([]byte("nested"), nil); ok {
			t.Fatalf("nested write committed despite outer failure")
		}
		return nil
	})
}

func TestConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	mgr := newTestManager(t)
	mgr.SetMaxRetries(1000)
	key := []byte("counter")
	const workers = 16
	const perWorker = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := mgr.Update(context.Background(), func(_ context.Context, tx *Tx) error {
					var n uint64
					if _, err := tx.Get(key, &n); err != nil {
						return err
					}
					return tx.Put(key, n+1)
				})
				if err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var total uint64
	_ = mgr.View(context.Background(), func(tx *Tx) error {
		_, err := tx.Get(key, &total)
		return err
	})
	if total != workers*perWorker {
		t.Fatalf("lost updates: got %d want %d", total, workers*perWorker)
	}
}

func TestAppendAndIterate(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	err := mgr.Update(ctx, func(_ context.Context, tx *Tx) error {
		for _, v := range []string{"a", "b", "a"} {
			if err := tx.Append([]byte("index/x"), []byte(v)); err != nil {
				return err
			}
		}
		if err := tx.Put([]byte("rec/2"), uint64(2)); err != nil {
			return err
		}
		return tx.Put([]byte("rec/1"), uint64(1))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = mgr.Update(ctx, func(_ context.Context, tx *Tx) error {
		var list [][]byte
		if err := tx.GetList([]byte("index/x"), &list); err != nil {
			return err
		}
		if len(list) != 2 {
			t.Fatalf("expected deduplicated list, got %d entries", len(list))
		}
		var empty [][]byte
		if err := tx.GetList([]byte("index/missing"), &empty); err != nil {
			return err
		}
		if empty == nil || len(empty) != 0 {
			t.Fatalf("expected empty list for missing key")
		}
		if err := tx.Delete([]byte("rec/1")); err != nil {
			return err
		}
		if err := tx.Put([]byte("rec/3"), uint64(3)); err != nil {
			return err
		}
		var seen []string
		if err := tx.Iterate([]byte("rec/"), func(key, _ []byte) error {
			seen = append(seen, string(key))
			return nil
		}); err != nil {
			return err
		}
		if len(seen) != 2 || seen[0] != "rec/2" || seen[1] != "rec/3" {
			t.Fatalf("unexpected iteration %v", seen)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestEnsureStateVersion(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	if err := mgr.EnsureStateVersion(ctx, false); err != nil {
		t.Fatalf("stamp fresh store: %v", err)
	}
	if err := mgr.SetStateVersion(ctx, StateVersion+1); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := mgr.EnsureStateVersion(ctx, false); !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := mgr.EnsureStateVersion(ctx, true); err != nil {
		t.Fatalf("migration override: %v", err)
	}
}

type counterEvent uint64

func (counterEvent) EventType() string { return "counter.incremented" }

func TestEventsFollowCommitOrder(t *testing.T) {
	mgr := newTestManager(t)
	mgr.SetMaxRetries(1000)
	emitter := &recordingEmitter{}
	mgr.SetEmitter(emitter)
	key := []byte("counter")
	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := mgr.Update(context.Background(), func(_ context.Context, tx *Tx) error {
					var n uint64
					if _, err := tx.Get(key, &n); err != nil {
						return err
					}
					tx.Emit(counterEvent(n + 1))
					return tx.Put(key, n+1)
				})
				if err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != workers*perWorker {
		t.Fatalf("got %d events want %d", len(emitter.events), workers*perWorker)
	}
	for i, evt := range emitter.events {
		if got := uint64(evt.(counterEvent)); got != uint64(i+1) {
			t.Fatalf("event %d carries counter %d", i, got)
		}
	}
}

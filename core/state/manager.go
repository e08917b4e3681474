package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"escrowdao/core/events"
	"escrowdao/storage"
)

const defaultMaxRetries = 32

var (
	// ErrConflict is returned when a transaction observed a key that another
	// transaction committed before it. Update retries conflicting transactions
	// transparently; the error only surfaces once retries are exhausted.
	ErrConflict = errors.New("state: concurrent write conflict")
	// ErrReadOnly indicates a mutation was attempted inside View.
	ErrReadOnly = errors.New("state: transaction is read-only")
)

type txContextKey struct{}

// Manager provides transactional access to the key-value store backing the
// escrow ledger and the dispute engine. Transactions buffer writes and events,
// validate their read set at commit and apply all writes in a single batch.
type Manager struct {
	db storage.Database

	mu       sync.RWMutex
	versions map[string]uint64
	// emitMu is taken while mu is still held at commit, so events reach the
	// emitter in commit order.
	emitMu sync.Mutex

	emitter    events.Emitter
	maxRetries int
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:         db,
		versions:   make(map[string]uint64),
		emitter:    events.NoopEmitter{},
		maxRetries: defaultMaxRetries,
	}
}

// SetEmitter configures the sink for events emitted by committed
// transactions.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetMaxRetries bounds how many times Update re-executes a conflicting
// transaction.
func (m *Manager) SetMaxRetries(n int) {
	if n <= 0 {
		n = defaultMaxRetries
	}
	m.maxRetries = n
}

// Update runs fn inside a read-write transaction. When ctx already carries a
// read-write transaction of this manager, fn joins it so nested operations
// commit atomically with their caller. fn may be executed more than once and
// must not have side effects outside the transaction.
func (m *Manager) Update(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if outer := txFromContext(ctx, m); outer != nil {
		if outer.readOnly {
			return ErrReadOnly
		}
		return fn(ctx, outer)
	}

	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := newTx(m, false)
		if err := fn(context.WithValue(ctx, txContextKey{}, tx), tx); err != nil {
			return err
		}
		release, err := m.commit(tx)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		m.emit(tx, release)
		return nil
	}
	return fmt.Errorf("%w: retries exhausted", ErrConflict)
}

func (m *Manager) emit(tx *Tx, release func()) {
	defer release()
	for _, evt := range tx.events {
		m.emitter.Emit(evt)
	}
}

// View runs fn inside a read-only transaction. A View nested in an Update sees
// the enclosing transaction's pending writes.
func (m *Manager) View(ctx context.Context, fn func(tx *Tx) error) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if outer := txFromContext(ctx, m); outer != nil {
		return fn(outer)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(newTx(m, true))
}

func txFromContext(ctx context.Context, m *Manager) *Tx {
	tx, ok := ctx.Value(txContextKey{}).(*Tx)
	if !ok || tx == nil || tx.manager != m {
		return nil
	}
	return tx
}

// load returns the committed value for key together with the version it was
// read at.
func (m *Manager) load(key string) ([]byte, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	version := m.versions[key]
	data, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, version, nil
	}
	if err != nil {
		return nil, version, err
	}
	return data, version, nil
}

// commit applies tx and returns holding emitMu; the caller releases it once
// the transaction's events are delivered. Emitters must not call back into
// the manager.
func (m *Manager) commit(tx *Tx) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(tx.order) == 0 {
		m.emitMu.Lock()
		return m.emitMu.Unlock, nil
	}
	for key, seen := range tx.reads {
		if m.versions[key] != seen {
			return nil, ErrConflict
		}
	}
	batch := m.db.NewBatch()
	for _, key := range tx.order {
		value := tx.writes[key]
		if value == nil {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), value)
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("state: commit batch: %w", err)
	}
	for _, key := range tx.order {
		m.versions[key]++
	}
	m.emitMu.Lock()
	return m.emitMu.Unlock, nil
}

package state

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// StateVersion identifies the expected on-disk schema layout for the ledger.
// Increment this constant whenever breaking changes are made to the stored
// records.
const StateVersion uint32 = 1

var (
	stateVersionKey = []byte("state/version")
	// ErrStateVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
)

// SetStateVersion records the provided schema version in state.
func (m *Manager) SetStateVersion(ctx context.Context, version uint32) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	return m.Update(ctx, func(_ context.Context, tx *Tx) error {
		return tx.Put(stateVersionKey, uint64(version))
	})
}

// StateVersion returns the stored schema version and a boolean indicating
// whether the value was present.
func (m *Manager) StateVersion(ctx context.Context) (uint32, bool, error) {
	if m == nil {
		return 0, false, fmt.Errorf("state: manager unavailable")
	}
	var stored uint64
	var ok bool
	err := m.View(ctx, func(tx *Tx) error {
		var err error
		ok, err = tx.Get(stateVersionKey, &stored)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureStateVersion verifies that the on-disk state version matches the
// version supported by this binary. Fresh stores are stamped with the current
// version. When allowMigrate is true, mismatches are tolerated so operators
// can perform manual migrations.
func (m *Manager) EnsureStateVersion(ctx context.Context, allowMigrate bool) error {
	version, ok, err := m.StateVersion(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return m.SetStateVersion(ctx, StateVersion)
	}
	if version == StateVersion || allowMigrate {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
}

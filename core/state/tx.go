package state

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowdao/core/events"
)

// Tx is a single state transaction. Values are RLP encoded.
type Tx struct {
	manager  *Manager
	readOnly bool

	reads  map[string]uint64
	writes map[string][]byte
	order  []string
	events []events.Event
}

func newTx(m *Manager, readOnly bool) *Tx {
	return &Tx{
		manager:  m,
		readOnly: readOnly,
		reads:    make(map[string]uint64),
		writes:   make(map[string][]byte),
	}
}

// ReadOnly reports whether the transaction rejects mutations.
func (tx *Tx) ReadOnly() bool { return tx.readOnly }

func (tx *Tx) raw(key []byte) ([]byte, error) {
	k := string(key)
	if value, ok := tx.writes[k]; ok {
		return value, nil
	}
	data, version, err := tx.manager.load(k)
	if err != nil {
		return nil, err
	}
	if _, seen := tx.reads[k]; !seen {
		tx.reads[k] = version
	}
	return data, nil
}

// Get decodes the value stored under key into out. The boolean reports whether
// the key existed.
func (tx *Tx) Get(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := tx.raw(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return true, nil
}

// Put RLP encodes value and stages it under key.
func (tx *Tx) Put(key []byte, value interface{}) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.stage(string(key), encoded)
	return nil
}

// Delete stages the removal of key.
func (tx *Tx) Delete(key []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	tx.stage(string(key), nil)
	return nil
}

func (tx *Tx) stage(key string, value []byte) {
	if _, ok := tx.writes[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = value
}

// Append adds value to the RLP-encoded byte slice list stored under key.
// Duplicate values are ignored to keep the index deterministic.
func (tx *Tx) Append(key []byte, value []byte) error {
	var list [][]byte
	if _, err := tx.Get(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return tx.Put(key, list)
}

// GetList decodes the list stored under key into out, which must point to a
// slice. Missing keys decode to an empty slice.
func (tx *Tx) GetList(key []byte, out interface{}) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	ok, err := tx.Get(key, out)
	if err != nil {
		return err
	}
	if !ok {
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	}
	return nil
}

// Iterate walks committed and pending keys carrying prefix in ascending order.
// Iteration does not take part in conflict detection, so it is intended for
// queries.
func (tx *Tx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	err := tx.manager.db.Iterate(prefix, func(key, value []byte) error {
		merged[string(key)] = value
		return nil
	})
	if err != nil {
		return err
	}
	for key, value := range tx.writes {
		if !strings.HasPrefix(key, string(prefix)) {
			continue
		}
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := fn([]byte(key), merged[key]); err != nil {
			return err
		}
	}
	return nil
}

// Emit buffers an event that is published once the transaction commits.
// Events of aborted transactions are discarded.
func (tx *Tx) Emit(evt events.Event) {
	if tx.readOnly || evt == nil {
		return
	}
	tx.events = append(tx.events, evt)
}

package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowdao/core/state"
)

var (
	escrowRecordPrefix     = []byte("escrow/record/")
	escrowNextIDKey        = []byte("escrow/next-id")
	escrowVaultKey         = []byte("escrow/vault")
	escrowArbiterKey       = []byte("escrow/arbiter")
	escrowClientPrefix     = "escrow/client/"
	escrowFreelancerPrefix = "escrow/freelancer/"
	balancePrefix          = "bank/balance/"
)

func escrowKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", escrowRecordPrefix, id))
}

// LockKey returns the serialisation key guarding mutations of an escrow.
func LockKey(id uint64) string {
	return fmt.Sprintf("escrow/%d", id)
}

func addressKey(prefix string, addr common.Address) []byte {
	return []byte(prefix + strings.ToLower(addr.Hex()[2:]))
}

func encodeID(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

func loadEscrow(tx *state.Tx, id uint64) (*Escrow, error) {
	var rec escrowRecord
	ok, err := tx.Get(escrowKey(id), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEscrowNotFound, id)
	}
	return rec.escrow(), nil
}

func decodeRecord(data []byte, rec *escrowRecord) error {
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return fmt.Errorf("escrow: decode record: %w", err)
	}
	return nil
}

func storeEscrow(tx *state.Tx, esc *Escrow) error {
	return tx.Put(escrowKey(esc.ID), newEscrowRecord(esc))
}

func nextEscrowID(tx *state.Tx) (uint64, error) {
	var last uint64
	if _, err := tx.Get(escrowNextIDKey, &last); err != nil {
		return 0, err
	}
	id := last + 1
	if err := tx.Put(escrowNextIDKey, id); err != nil {
		return 0, err
	}
	return id, nil
}

func indexEscrow(tx *state.Tx, prefix string, addr common.Address, id uint64) error {
	return tx.Append(addressKey(prefix, addr), encodeID(id))
}

func indexedIDs(tx *state.Tx, prefix string, addr common.Address) ([]uint64, error) {
	var raw [][]byte
	if err := tx.GetList(addressKey(prefix, addr), &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			return nil, fmt.Errorf("escrow: malformed index entry")
		}
		ids = append(ids, binary.BigEndian.Uint64(entry))
	}
	return ids, nil
}

func loadAmount(tx *state.Tx, key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := tx.Get(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func balanceOf(tx *state.Tx, addr common.Address) (*big.Int, error) {
	return loadAmount(tx, addressKey(balancePrefix, addr))
}

func credit(tx *state.Tx, addr common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	current, err := balanceOf(tx, addr)
	if err != nil {
		return err
	}
	return tx.Put(addressKey(balancePrefix, addr), new(big.Int).Add(current, amount))
}

func debit(tx *state.Tx, addr common.Address, amount *big.Int) error {
	current, err := balanceOf(tx, addr)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return tx.Put(addressKey(balancePrefix, addr), new(big.Int).Sub(current, amount))
}

func adjustVault(tx *state.Tx, delta *big.Int) error {
	locked, err := loadAmount(tx, escrowVaultKey)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(locked, delta)
	if next.Sign() < 0 {
		return fmt.Errorf("escrow: vault underflow")
	}
	return tx.Put(escrowVaultKey, next)
}

func loadArbiter(tx *state.Tx) (*arbiterRecord, error) {
	var rec arbiterRecord
	ok, err := tx.Get(escrowArbiterKey, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

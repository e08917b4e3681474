package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status represents the lifecycle states of an escrow. Transitions only move
// forward: Active to Completed or Disputed, Disputed to Resolved. Refunded is
// reachable from Active or Disputed through the owner escape hatch.
type Status uint8

const (
	StatusActive Status = iota
	StatusCompleted
	StatusDisputed
	StatusResolved
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusDisputed, StatusResolved, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusResolved || s == StatusRefunded
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusDisputed:
		return "disputed"
	case StatusResolved:
		return "resolved"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Escrow captures one job-funding record held by the ledger. Amount never
// changes after creation; Fee and Payout are populated once the escrow pays
// out.
type Escrow struct {
	ID              uint64
	Client          common.Address
	Freelancer      common.Address
	Amount          *big.Int
	Description     string
	Deadline        time.Time
	CreatedAt       time.Time
	Status          Status
	ClientApproved  bool
	DisputeRaisedBy *common.Address
	DisputeRaisedAt *time.Time
	FeeBps          uint32
	ResolvedTo      common.Address
	Fee             *big.Int
	Payout          *big.Int
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	clone.Fee = cloneBigInt(e.Fee)
	clone.Payout = cloneBigInt(e.Payout)
	if e.DisputeRaisedBy != nil {
		by := *e.DisputeRaisedBy
		clone.DisputeRaisedBy = &by
	}
	if e.DisputeRaisedAt != nil {
		at := *e.DisputeRaisedAt
		clone.DisputeRaisedAt = &at
	}
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// escrowRecord is the RLP persisted form of an Escrow. Timestamps are unix
// seconds and zero addresses stand in for unset optional fields.
type escrowRecord struct {
	ID              uint64
	Client          common.Address
	Freelancer      common.Address
	Amount          *big.Int
	Description     string
	Deadline        uint64
	CreatedAt       uint64
	Status          uint8
	ClientApproved  bool
	Disputed        bool
	DisputeRaisedBy common.Address
	DisputeRaisedAt uint64
	FeeBps          uint32
	ResolvedTo      common.Address
	Fee             *big.Int
	Payout          *big.Int
}

func newEscrowRecord(e *Escrow) *escrowRecord {
	rec := &escrowRecord{
		ID:             e.ID,
		Client:         e.Client,
		Freelancer:     e.Freelancer,
		Amount:         cloneBigInt(e.Amount),
		Description:    e.Description,
		Deadline:       unixSeconds(e.Deadline),
		CreatedAt:      unixSeconds(e.CreatedAt),
		Status:         uint8(e.Status),
		ClientApproved: e.ClientApproved,
		FeeBps:         e.FeeBps,
		ResolvedTo:     e.ResolvedTo,
		Fee:            cloneBigInt(e.Fee),
		Payout:         cloneBigInt(e.Payout),
	}
	if e.DisputeRaisedBy != nil {
		rec.Disputed = true
		rec.DisputeRaisedBy = *e.DisputeRaisedBy
	}
	if e.DisputeRaisedAt != nil {
		rec.DisputeRaisedAt = unixSeconds(*e.DisputeRaisedAt)
	}
	return rec
}

func (r *escrowRecord) escrow() *Escrow {
	esc := &Escrow{
		ID:             r.ID,
		Client:         r.Client,
		Freelancer:     r.Freelancer,
		Amount:         cloneBigInt(r.Amount),
		Description:    r.Description,
		Deadline:       time.Unix(int64(r.Deadline), 0).UTC(),
		CreatedAt:      time.Unix(int64(r.CreatedAt), 0).UTC(),
		Status:         Status(r.Status),
		ClientApproved: r.ClientApproved,
		FeeBps:         r.FeeBps,
		ResolvedTo:     r.ResolvedTo,
		Fee:            cloneBigInt(r.Fee),
		Payout:         cloneBigInt(r.Payout),
	}
	if r.Disputed {
		by := r.DisputeRaisedBy
		at := time.Unix(int64(r.DisputeRaisedAt), 0).UTC()
		esc.DisputeRaisedBy = &by
		esc.DisputeRaisedAt = &at
	}
	return esc
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

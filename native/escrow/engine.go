package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowdao/core/state"
	"escrowdao/core/types"
	nativecommon "escrowdao/native/common"
	"escrowdao/native/fees"
)

// ModuleName identifies the ledger for pause controls.
const ModuleName = "escrow"

// MaxDescriptionLength bounds the job description stored with an escrow.
const MaxDescriptionLength = 1024

var errNilState = errors.New("escrow engine: state not configured")

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine holds client funds in custody until the client approves the work,
// the registered dispute engine releases them, or the owner refunds them.
// Mutations of one escrow are serialised through a per-escrow lock and every
// operation commits as a single state transaction.
type Engine struct {
	state        *state.Manager
	locks        *nativecommon.KeyLock
	pauses       nativecommon.PauseView
	owner        common.Address
	feeRecipient common.Address
	feeBps       uint32
	nowFn        func() time.Time
}

// NewEngine creates a ledger owned by owner that routes platform fees to
// feeRecipient at the default rate.
func NewEngine(st *state.Manager, owner, feeRecipient common.Address) *Engine {
	return &Engine{
		state:        st,
		locks:        nativecommon.NewKeyLock(),
		owner:        owner,
		feeRecipient: feeRecipient,
		feeBps:       fees.DefaultEscrowFeeBps,
		nowFn:        time.Now,
	}
}

// SetFeeBps overrides the platform fee applied to new escrows.
func (e *Engine) SetFeeBps(bps uint32) error {
	if bps > fees.BasisPoints {
		return fmt.Errorf("escrow: fee bps out of range: %d", bps)
	}
	e.feeBps = bps
	return nil
}

// SetPauses configures the pause view consulted before user-facing mutations.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// Owner returns the privileged ledger owner.
func (e *Engine) Owner() common.Address { return e.owner }

// FeeRecipient returns the account credited with platform fees.
func (e *Engine) FeeRecipient() common.Address { return e.feeRecipient }

// FeeBps returns the fee rate stamped on new escrows.
func (e *Engine) FeeBps() uint32 { return e.feeBps }

// now is truncated to whole seconds, the resolution timestamps are stored at.
func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().Truncate(time.Second)
	}
	return e.nowFn().Truncate(time.Second)
}

func (e *Engine) guard() error {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return ErrPaused
	}
	return nil
}

// update serialises fn against other mutations of escrow id.
func (e *Engine) update(ctx context.Context, id uint64, fn func(ctx context.Context, tx *state.Tx) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	unlock := e.locks.Lock(LockKey(id))
	defer unlock()
	return e.state.Update(ctx, fn)
}

// CreateEscrow locks amount from the caller's balance into ledger custody and
// returns the identifier of the new escrow.
func (e *Engine) CreateEscrow(ctx context.Context, caller, freelancer common.Address, deadline time.Time, description string, amount *big.Int) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := e.guard(); err != nil {
		return 0, err
	}
	if freelancer == (common.Address{}) {
		return 0, ErrInvalidFreelancer
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrAmountNotPositive
	}
	now := e.now()
	deadline = deadline.Truncate(time.Second)
	if !deadline.After(now) {
		return 0, ErrDeadlineNotFuture
	}
	if caller == freelancer {
		return 0, ErrSameParty
	}
	if len(description) > MaxDescriptionLength {
		return 0, ErrDescriptionTooLong
	}

	var id uint64
	err := e.state.Update(ctx, func(ctx context.Context, tx *state.Tx) error {
		var err error
		id, err = nextEscrowID(tx)
		if err != nil {
			return err
		}
		esc := &Escrow{
			ID:          id,
			Client:      caller,
			Freelancer:  freelancer,
			Amount:      new(big.Int).Set(amount),
			Description: description,
			Deadline:    deadline,
			CreatedAt:   now,
			Status:      StatusActive,
			FeeBps:      e.feeBps,
		}
		if err := debit(tx, caller, esc.Amount); err != nil {
			return err
		}
		if err := adjustVault(tx, esc.Amount); err != nil {
			return err
		}
		if err := storeEscrow(tx, esc); err != nil {
			return err
		}
		if err := indexEscrow(tx, escrowClientPrefix, caller, id); err != nil {
			return err
		}
		if err := indexEscrow(tx, escrowFreelancerPrefix, freelancer, id); err != nil {
			return err
		}
		tx.Emit(escrowEvent{evt: NewCreatedEvent(esc)})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ApproveWork pays the freelancer, minus the platform fee, on behalf of the
// client.
func (e *Engine) ApproveWork(ctx context.Context, caller common.Address, id uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.update(ctx, id, func(ctx context.Context, tx *state.Tx) error {
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		if caller != esc.Client {
			return ErrOnlyClient
		}
		if esc.Status != StatusActive {
			return ErrNotActive
		}
		if err := e.payout(tx, esc, esc.Freelancer); err != nil {
			return err
		}
		esc.Status = StatusCompleted
		esc.ClientApproved = true
		if err := storeEscrow(tx, esc); err != nil {
			return err
		}
		tx.Emit(escrowEvent{evt: NewApprovedEvent(esc)})
		return nil
	})
}

// RaiseDispute freezes the escrow until the dispute engine resolves it. Only
// the first dispute on an escrow is accepted.
func (e *Engine) RaiseDispute(ctx context.Context, caller common.Address, id uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.update(ctx, id, func(ctx context.Context, tx *state.Tx) error {
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		if caller != esc.Client && caller != esc.Freelancer {
			return ErrNotParty
		}
		if esc.DisputeRaisedBy != nil {
			return ErrDisputeAlreadyRaised
		}
		if esc.Status != StatusActive {
			return ErrNotActive
		}
		raisedBy := caller
		raisedAt := e.now()
		esc.Status = StatusDisputed
		esc.DisputeRaisedBy = &raisedBy
		esc.DisputeRaisedAt = &raisedAt
		if err := storeEscrow(tx, esc); err != nil {
			return err
		}
		tx.Emit(escrowEvent{evt: NewDisputedEvent(esc)})
		return nil
	})
}

// RegisterDisputeEngine issues a fresh release capability for the engine
// identity. Registering again rotates the credential and revokes the previous
// one.
func (e *Engine) RegisterDisputeEngine(ctx context.Context, caller, engine common.Address) (Capability, error) {
	if e == nil || e.state == nil {
		return Capability{}, errNilState
	}
	if caller != e.owner {
		return Capability{}, ErrNotOwner
	}
	if engine == (common.Address{}) {
		return Capability{}, fmt.Errorf("%w: dispute engine address required", ErrValidation)
	}
	capability, err := newCapability(engine)
	if err != nil {
		return Capability{}, err
	}
	err = e.state.Update(ctx, func(_ context.Context, tx *state.Tx) error {
		return tx.Put(escrowArbiterKey, &arbiterRecord{Holder: engine, Digest: capability.digest()})
	})
	if err != nil {
		return Capability{}, err
	}
	return capability, nil
}

// DisputeEngine returns the currently registered dispute engine identity.
func (e *Engine) DisputeEngine(ctx context.Context) (common.Address, error) {
	var holder common.Address
	err := e.view(ctx, func(tx *state.Tx) error {
		rec, err := loadArbiter(tx)
		if err != nil || rec == nil {
			return err
		}
		holder = rec.Holder
		return nil
	})
	return holder, err
}

// ReleaseTo settles a disputed escrow in favour of recipient. Only the
// registered dispute engine, proven by its capability, may call it. When ctx
// carries the engine's open transaction the release commits with it.
func (e *Engine) ReleaseTo(ctx context.Context, capability Capability, id uint64, recipient common.Address) error {
	return e.update(ctx, id, func(ctx context.Context, tx *state.Tx) error {
		arbiter, err := loadArbiter(tx)
		if err != nil {
			return err
		}
		if !arbiter.verify(capability) {
			return ErrOnlyDisputeEngine
		}
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		if esc.Status != StatusDisputed {
			return ErrNotDisputed
		}
		if recipient != esc.Client && recipient != esc.Freelancer {
			return ErrInvalidRecipient
		}
		if err := e.payout(tx, esc, recipient); err != nil {
			return err
		}
		esc.Status = StatusResolved
		if err := storeEscrow(tx, esc); err != nil {
			return err
		}
		tx.Emit(escrowEvent{evt: NewReleasedEvent(esc)})
		return nil
	})
}

// EmergencyRefund returns the full amount, without fee, to the client. It is
// restricted to escrows whose funds are still held.
func (e *Engine) EmergencyRefund(ctx context.Context, caller common.Address, id uint64) error {
	if caller != e.owner {
		return ErrNotOwner
	}
	return e.update(ctx, id, func(ctx context.Context, tx *state.Tx) error {
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return err
		}
		if esc.Status != StatusActive && esc.Status != StatusDisputed {
			return fmt.Errorf("%w: status %s", ErrNotRefundable, esc.Status)
		}
		if err := adjustVault(tx, new(big.Int).Neg(esc.Amount)); err != nil {
			return err
		}
		if err := credit(tx, esc.Client, esc.Amount); err != nil {
			return err
		}
		esc.Status = StatusRefunded
		esc.ResolvedTo = esc.Client
		esc.Fee = big.NewInt(0)
		esc.Payout = new(big.Int).Set(esc.Amount)
		if err := storeEscrow(tx, esc); err != nil {
			return err
		}
		tx.Emit(escrowEvent{evt: NewRefundedEvent(esc)})
		return nil
	})
}

// Deposit credits account with funds received by the external payments
// layer. Only the owner may fund balances.
func (e *Engine) Deposit(ctx context.Context, caller, account common.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller != e.owner {
		return ErrNotOwner
	}
	if account == (common.Address{}) {
		return fmt.Errorf("%w: account required", ErrValidation)
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountNotPositive
	}
	return e.state.Update(ctx, func(_ context.Context, tx *state.Tx) error {
		if err := credit(tx, account, amount); err != nil {
			return err
		}
		tx.Emit(escrowEvent{evt: NewDepositEvent(account, amount)})
		return nil
	})
}

// payout moves the escrowed amount out of custody, splitting the platform fee
// from the recipient's share.
func (e *Engine) payout(tx *state.Tx, esc *Escrow, recipient common.Address) error {
	fee, payout, err := fees.Split(esc.Amount, esc.FeeBps)
	if err != nil {
		return err
	}
	if err := adjustVault(tx, new(big.Int).Neg(esc.Amount)); err != nil {
		return err
	}
	if err := credit(tx, recipient, payout); err != nil {
		return err
	}
	if err := credit(tx, e.feeRecipient, fee); err != nil {
		return err
	}
	esc.ResolvedTo = recipient
	esc.Fee = fee
	esc.Payout = payout
	return nil
}

func (e *Engine) view(ctx context.Context, fn func(tx *state.Tx) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.View(ctx, fn)
}

// GetEscrow returns the escrow with the supplied identifier.
func (e *Engine) GetEscrow(ctx context.Context, id uint64) (*Escrow, error) {
	var esc *Escrow
	err := e.view(ctx, func(tx *state.Tx) error {
		var err error
		esc, err = loadEscrow(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// ClientEscrows lists the escrows funded by account in creation order.
func (e *Engine) ClientEscrows(ctx context.Context, account common.Address) ([]uint64, error) {
	return e.indexed(ctx, escrowClientPrefix, account)
}

// FreelancerEscrows lists the escrows payable to account in creation order.
func (e *Engine) FreelancerEscrows(ctx context.Context, account common.Address) ([]uint64, error) {
	return e.indexed(ctx, escrowFreelancerPrefix, account)
}

func (e *Engine) indexed(ctx context.Context, prefix string, account common.Address) ([]uint64, error) {
	var ids []uint64
	err := e.view(ctx, func(tx *state.Tx) error {
		var err error
		ids, err = indexedIDs(tx, prefix, account)
		return err
	})
	return ids, err
}

// Balance returns the spendable ledger balance of account.
func (e *Engine) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := e.view(ctx, func(tx *state.Tx) error {
		var err error
		balance, err = balanceOf(tx, account)
		return err
	})
	return balance, err
}

// TotalLocked returns the sum of all amounts currently held in custody.
func (e *Engine) TotalLocked(ctx context.Context) (*big.Int, error) {
	var locked *big.Int
	err := e.view(ctx, func(tx *state.Tx) error {
		var err error
		locked, err = loadAmount(tx, escrowVaultKey)
		return err
	})
	return locked, err
}

// Escrows walks every escrow in identifier order.
func (e *Engine) Escrows(ctx context.Context, fn func(*Escrow) error) error {
	return e.view(ctx, func(tx *state.Tx) error {
		return tx.Iterate(escrowRecordPrefix, func(_, value []byte) error {
			var rec escrowRecord
			if err := decodeRecord(value, &rec); err != nil {
				return err
			}
			return fn(rec.escrow())
		})
	})
}

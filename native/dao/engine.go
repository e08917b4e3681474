package dao

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"escrowdao/core/state"
	"escrowdao/core/types"
	nativecommon "escrowdao/native/common"
	"escrowdao/native/escrow"
	"escrowdao/native/fees"
)

var errNilState = errors.New("dao engine: state not configured")

// TokenOracle reports live governance token balances. Implementations are
// queried at the moment of use and never cached by the engine.
type TokenOracle interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
}

// Ledger is the subset of the escrow ledger the dispute engine drives.
type Ledger interface {
	GetEscrow(ctx context.Context, id uint64) (*escrow.Escrow, error)
	ReleaseTo(ctx context.Context, capability escrow.Capability, id uint64, recipient common.Address) error
}

type daoEvent struct {
	evt *types.Event
}

func (d daoEvent) EventType() string {
	if d.evt == nil {
		return ""
	}
	return d.evt.Type
}

func (d daoEvent) Event() *types.Event { return d.evt }

// Engine resolves disputed escrows through token-weighted votes. Finalizing a
// vote releases the escrow in the same state transaction.
type Engine struct {
	state      *state.Manager
	ledger     Ledger
	oracle     TokenOracle
	locks      *nativecommon.KeyLock
	owner      common.Address
	capability escrow.Capability
	policy     Policy
	nowFn      func() time.Time
}

// NewEngine constructs a dispute engine administered by owner using the
// default voting policy.
func NewEngine(st *state.Manager, ledger Ledger, oracle TokenOracle, owner common.Address) *Engine {
	return &Engine{
		state:  st,
		ledger: ledger,
		oracle: oracle,
		locks:  nativecommon.NewKeyLock(),
		owner:  owner,
		policy: DefaultPolicy(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetCapability installs the release credential issued by the ledger.
func (e *Engine) SetCapability(capability escrow.Capability) { e.capability = capability }

// Address returns the identity the ledger registered for this engine.
func (e *Engine) Address() common.Address { return e.capability.Holder }

// SetPolicy replaces the voting policy after validating it.
func (e *Engine) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	policy.MinTokenBalance = cloneBig(policy.MinTokenBalance)
	e.policy = policy
	return nil
}

// Policy returns a copy of the active voting policy.
func (e *Engine) Policy() Policy {
	policy := e.policy
	policy.MinTokenBalance = cloneBig(e.policy.MinTokenBalance)
	return policy
}

// SetNowFunc overrides the time source used to stamp votes. Nil restores the
// default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// now is truncated to whole seconds so windows computed from it survive the
// round trip through storage unchanged.
func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC().Truncate(time.Second)
	}
	return e.nowFn().Truncate(time.Second)
}

func (e *Engine) update(ctx context.Context, escrowID uint64, fn func(ctx context.Context, tx *state.Tx) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	unlock := e.locks.Lock(LockKey(escrowID))
	defer unlock()
	return e.state.Update(ctx, fn)
}

func (e *Engine) balanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if e.oracle == nil {
		return nil, fmt.Errorf("%w: not configured", ErrOracleUnavailable)
	}
	balance, err := e.oracle.BalanceOf(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %w", ErrOracleUnavailable, account.Hex(), err)
	}
	if balance == nil || balance.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid balance for %s", ErrOracleUnavailable, account.Hex())
	}
	return balance, nil
}

func (e *Engine) totalSupply(ctx context.Context) (*big.Int, error) {
	if e.oracle == nil {
		return nil, fmt.Errorf("%w: not configured", ErrOracleUnavailable)
	}
	supply, err := e.oracle.TotalSupply(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: total supply: %w", ErrOracleUnavailable, err)
	}
	if supply == nil || supply.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid total supply", ErrOracleUnavailable)
	}
	return supply, nil
}

// OpenVote starts the voting window for a disputed escrow. The existence
// check and the creation of the vote commit as one unit.
func (e *Engine) OpenVote(ctx context.Context, caller common.Address, escrowID uint64) (*Vote, error) {
	if caller != e.owner {
		return nil, ErrNotOwner
	}
	var opened *Vote
	err := e.update(ctx, escrowID, func(ctx context.Context, tx *state.Tx) error {
		esc, err := e.ledger.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if _, exists, err := loadVote(tx, escrowID); err != nil {
			return err
		} else if exists {
			return ErrVoteExists
		}
		if esc.Status != escrow.StatusDisputed {
			return escrow.ErrNotDisputed
		}
		start := e.now()
		opened = &Vote{
			EscrowID:           escrowID,
			VotesForFreelancer: uint256.NewInt(0),
			VotesForClient:     uint256.NewInt(0),
			TotalVotes:         uint256.NewInt(0),
			StartTime:          start,
			EndTime:            start.Add(e.policy.VotingPeriod),
			RequiredQuorum:     big.NewInt(0),
		}
		if err := storeVote(tx, opened); err != nil {
			return err
		}
		tx.Emit(daoEvent{evt: newOpenedEvent(opened)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// CastVote records the caller's ballot weighted by their live token balance.
// Weight is read at cast time, so balances acquired after the dispute opened
// count in full.
func (e *Engine) CastVote(ctx context.Context, caller common.Address, escrowID uint64, supportFreelancer bool) (*Ballot, error) {
	var cast *Ballot
	err := e.update(ctx, escrowID, func(ctx context.Context, tx *state.Tx) error {
		vote, exists, err := loadVote(tx, escrowID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNoDispute
		}
		balance, err := e.balanceOf(ctx, caller)
		if err != nil {
			return err
		}
		if balance.Cmp(e.policy.MinTokenBalance) < 0 {
			return ErrInsufficientTokenBalance
		}
		if _, voted, err := loadBallot(tx, escrowID, caller); err != nil {
			return err
		} else if voted {
			return ErrAlreadyVoted
		}
		now := e.now()
		if vote.Finalized || !now.Before(vote.EndTime) {
			return ErrVotingEnded
		}
		esc, err := e.ledger.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if esc.Status != escrow.StatusDisputed {
			return escrow.ErrNotDisputed
		}

		weight, overflow := uint256.FromBig(balance)
		if overflow {
			return ErrWeightOverflow
		}
		var target *uint256.Int
		if supportFreelancer {
			target = vote.VotesForFreelancer
		} else {
			target = vote.VotesForClient
		}
		if _, overflow := target.AddOverflow(target, weight); overflow {
			return ErrWeightOverflow
		}
		if _, overflow := vote.TotalVotes.AddOverflow(vote.TotalVotes, weight); overflow {
			return ErrWeightOverflow
		}

		cast = &Ballot{
			EscrowID:          escrowID,
			Voter:             caller,
			SupportFreelancer: supportFreelancer,
			Weight:            weight,
			CastAt:            now,
		}
		if err := storeBallot(tx, cast); err != nil {
			return err
		}
		if err := storeVote(tx, vote); err != nil {
			return err
		}
		tx.Emit(daoEvent{evt: newCastEvent(cast, vote)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cast, nil
}

// FinalizeVote closes an elapsed vote and pays out the escrow. Below quorum
// the client wins; otherwise the freelancer needs a strict majority and ties
// go to the client. Anyone may finalize.
func (e *Engine) FinalizeVote(ctx context.Context, caller common.Address, escrowID uint64) (*Outcome, error) {
	if e.capability.IsZero() {
		return nil, errCapabilityMissing
	}
	var outcome *Outcome
	err := e.update(ctx, escrowID, func(ctx context.Context, tx *state.Tx) error {
		vote, exists, err := loadVote(tx, escrowID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNoDispute
		}
		if vote.Finalized {
			return ErrAlreadyFinalized
		}
		if e.now().Before(vote.EndTime) {
			return ErrVotingNotEnded
		}
		supply, err := e.totalSupply(ctx)
		if err != nil {
			return err
		}
		esc, err := e.ledger.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}

		required := fees.PercentOf(supply, e.policy.QuorumPercentage)
		quorumMet := vote.TotalVotes.ToBig().Cmp(required) >= 0
		winner := esc.Client
		if quorumMet && vote.VotesForFreelancer.Gt(vote.VotesForClient) {
			winner = esc.Freelancer
		}
		if err := e.ledger.ReleaseTo(ctx, e.capability, escrowID, winner); err != nil {
			return fmt.Errorf("dao: release escrow %d: %w", escrowID, err)
		}

		vote.Finalized = true
		vote.Winner = winner
		vote.QuorumMet = quorumMet
		vote.RequiredQuorum = required
		if err := storeVote(tx, vote); err != nil {
			return err
		}
		if !quorumMet {
			tx.Emit(daoEvent{evt: newQuorumNotMetEvent(vote)})
		}
		tx.Emit(daoEvent{evt: newFinalizedEvent(vote, caller)})
		outcome = &Outcome{
			EscrowID:           escrowID,
			Winner:             winner,
			QuorumMet:          quorumMet,
			RequiredQuorum:     cloneBig(required),
			VotesForFreelancer: cloneU256(vote.VotesForFreelancer),
			VotesForClient:     cloneU256(vote.VotesForClient),
			TotalVotes:         cloneU256(vote.TotalVotes),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (e *Engine) view(ctx context.Context, fn func(tx *state.Tx) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.View(ctx, fn)
}

// GetVote returns the vote tied to escrowID.
func (e *Engine) GetVote(ctx context.Context, escrowID uint64) (*Vote, error) {
	var vote *Vote
	err := e.view(ctx, func(tx *state.Tx) error {
		v, exists, err := loadVote(tx, escrowID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNoDispute
		}
		vote = v
		return nil
	})
	return vote, err
}

// IsVotingActive reports whether ballots are currently accepted for escrowID.
// A vote whose escrow left the disputed state (emergency refund) is inactive.
func (e *Engine) IsVotingActive(ctx context.Context, escrowID uint64) (bool, error) {
	vote, err := e.GetVote(ctx, escrowID)
	if errors.Is(err, ErrNoDispute) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if vote.Finalized || !e.now().Before(vote.EndTime) {
		return false, nil
	}
	esc, err := e.ledger.GetEscrow(ctx, escrowID)
	if err != nil {
		return false, err
	}
	return esc.Status == escrow.StatusDisputed, nil
}

// RequiredQuorum returns the vote weight needed for quorum at current supply.
func (e *Engine) RequiredQuorum(ctx context.Context) (*big.Int, error) {
	supply, err := e.totalSupply(ctx)
	if err != nil {
		return nil, err
	}
	return fees.PercentOf(supply, e.policy.QuorumPercentage), nil
}

// VotingPower returns the weight account would cast right now.
func (e *Engine) VotingPower(ctx context.Context, account common.Address) (*big.Int, error) {
	return e.balanceOf(ctx, account)
}

// GetBallot returns the ballot voter cast on escrowID.
func (e *Engine) GetBallot(ctx context.Context, escrowID uint64, voter common.Address) (*Ballot, error) {
	var ballot *Ballot
	err := e.view(ctx, func(tx *state.Tx) error {
		b, exists, err := loadBallot(tx, escrowID, voter)
		if err != nil {
			return err
		}
		if !exists {
			return ErrBallotNotFound
		}
		ballot = b
		return nil
	})
	return ballot, err
}

// ListBallots returns every ballot cast on escrowID ordered by voter.
func (e *Engine) ListBallots(ctx context.Context, escrowID uint64) ([]*Ballot, error) {
	var ballots []*Ballot
	err := e.view(ctx, func(tx *state.Tx) error {
		var err error
		ballots, err = listBallots(tx, escrowID)
		return err
	})
	return ballots, err
}

package dao

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// DefaultVotingPeriod is the window during which ballots are accepted.
	DefaultVotingPeriod = 72 * time.Hour
	// DefaultQuorumPercentage is the share of total token supply that must
	// participate for the majority to be honoured.
	DefaultQuorumPercentage uint32 = 10
)

// DefaultMinTokenBalance is the minimum voting weight, one whole token at 18
// decimals.
func DefaultMinTokenBalance() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}

// Policy captures the runtime knobs of the dispute vote.
type Policy struct {
	VotingPeriod     time.Duration
	QuorumPercentage uint32
	MinTokenBalance  *big.Int
}

// DefaultPolicy returns the production voting policy.
func DefaultPolicy() Policy {
	return Policy{
		VotingPeriod:     DefaultVotingPeriod,
		QuorumPercentage: DefaultQuorumPercentage,
		MinTokenBalance:  DefaultMinTokenBalance(),
	}
}

// Validate reports whether the policy values are usable.
func (p Policy) Validate() error {
	if p.VotingPeriod <= 0 {
		return fmt.Errorf("dao: voting period must be positive")
	}
	if p.QuorumPercentage > 100 {
		return fmt.Errorf("dao: quorum percentage %d exceeds 100", p.QuorumPercentage)
	}
	if p.MinTokenBalance == nil || p.MinTokenBalance.Sign() < 0 {
		return fmt.Errorf("dao: minimum token balance must be non-negative")
	}
	return nil
}

// Vote is the token-weighted tally resolving one disputed escrow. At most one
// vote ever exists per escrow.
type Vote struct {
	EscrowID           uint64
	VotesForFreelancer *uint256.Int
	VotesForClient     *uint256.Int
	TotalVotes         *uint256.Int
	StartTime          time.Time
	EndTime            time.Time
	Finalized          bool
	Winner             common.Address
	QuorumMet          bool
	RequiredQuorum     *big.Int
}

// Ballot records how a voter voted on an escrow and with which weight.
type Ballot struct {
	EscrowID          uint64
	Voter             common.Address
	SupportFreelancer bool
	Weight            *uint256.Int
	CastAt            time.Time
}

// Outcome summarises a finalized vote.
type Outcome struct {
	EscrowID           uint64
	Winner             common.Address
	QuorumMet          bool
	RequiredQuorum     *big.Int
	VotesForFreelancer *uint256.Int
	VotesForClient     *uint256.Int
	TotalVotes         *uint256.Int
}

type voteRecord struct {
	EscrowID       uint64
	ForFreelancer  *uint256.Int
	ForClient      *uint256.Int
	Total          *uint256.Int
	StartTime      uint64
	EndTime        uint64
	Finalized      bool
	Winner         common.Address
	QuorumMet      bool
	RequiredQuorum *big.Int
}

func newVoteRecord(v *Vote) *voteRecord {
	return &voteRecord{
		EscrowID:       v.EscrowID,
		ForFreelancer:  cloneU256(v.VotesForFreelancer),
		ForClient:      cloneU256(v.VotesForClient),
		Total:          cloneU256(v.TotalVotes),
		StartTime:      uint64(v.StartTime.Unix()),
		EndTime:        uint64(v.EndTime.Unix()),
		Finalized:      v.Finalized,
		Winner:         v.Winner,
		QuorumMet:      v.QuorumMet,
		RequiredQuorum: cloneBig(v.RequiredQuorum),
	}
}

func (r *voteRecord) vote() *Vote {
	return &Vote{
		EscrowID:           r.EscrowID,
		VotesForFreelancer: cloneU256(r.ForFreelancer),
		VotesForClient:     cloneU256(r.ForClient),
		TotalVotes:         cloneU256(r.Total),
		StartTime:          time.Unix(int64(r.StartTime), 0).UTC(),
		EndTime:            time.Unix(int64(r.EndTime), 0).UTC(),
		Finalized:          r.Finalized,
		Winner:             r.Winner,
		QuorumMet:          r.QuorumMet,
		RequiredQuorum:     cloneBig(r.RequiredQuorum),
	}
}

type ballotRecord struct {
	Voter             common.Address
	SupportFreelancer bool
	Weight            *uint256.Int
	CastAt            uint64
}

func (r *ballotRecord) ballot(escrowID uint64) *Ballot {
	return &Ballot{
		EscrowID:          escrowID,
		Voter:             r.Voter,
		SupportFreelancer: r.SupportFreelancer,
		Weight:            cloneU256(r.Weight),
		CastAt:            time.Unix(int64(r.CastAt), 0).UTC(),
	}
}

func cloneU256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

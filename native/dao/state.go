package dao

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowdao/core/state"
)

const (
	voteRecordFormat   = "dao/vote/%020d"
	ballotPrefixFormat = "dao/ballot/%020d/"
)

func voteKey(escrowID uint64) []byte {
	return []byte(fmt.Sprintf(voteRecordFormat, escrowID))
}

func ballotPrefix(escrowID uint64) []byte {
	return []byte(fmt.Sprintf(ballotPrefixFormat, escrowID))
}

func ballotKey(escrowID uint64, voter common.Address) []byte {
	return append(ballotPrefix(escrowID), strings.ToLower(voter.Hex()[2:])...)
}

// LockKey returns the serialisation key guarding mutations of the vote on an
// escrow.
func LockKey(escrowID uint64) string {
	return fmt.Sprintf("vote/%d", escrowID)
}

func loadVote(tx *state.Tx, escrowID uint64) (*Vote, bool, error) {
	var rec voteRecord
	ok, err := tx.Get(voteKey(escrowID), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	return rec.vote(), true, nil
}

func storeVote(tx *state.Tx, v *Vote) error {
	return tx.Put(voteKey(v.EscrowID), newVoteRecord(v))
}

func loadBallot(tx *state.Tx, escrowID uint64, voter common.Address) (*Ballot, bool, error) {
	var rec ballotRecord
	ok, err := tx.Get(ballotKey(escrowID, voter), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	return rec.ballot(escrowID), true, nil
}

func storeBallot(tx *state.Tx, b *Ballot) error {
	return tx.Put(ballotKey(b.EscrowID, b.Voter), &ballotRecord{
		Voter:             b.Voter,
		SupportFreelancer: b.SupportFreelancer,
		Weight:            cloneU256(b.Weight),
		CastAt:            uint64(b.CastAt.Unix()),
	})
}

func listBallots(tx *state.Tx, escrowID uint64) ([]*Ballot, error) {
	var ballots []*Ballot
	err := tx.Iterate(ballotPrefix(escrowID), func(_, value []byte) error {
		var rec ballotRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("dao: decode ballot: %w", err)
		}
		ballots = append(ballots, rec.ballot(escrowID))
		return nil
	})
	return ballots, err
}

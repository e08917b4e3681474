package dao

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"escrowdao/core/types"
)

const (
	EventTypeVoteOpened    = "dao.vote.opened"
	EventTypeVoteCast      = "dao.vote.cast"
	EventTypeVoteFinalized = "dao.vote.finalized"
	EventTypeQuorumNotMet  = "dao.vote.quorum_not_met"
)

func newVoteEvent(eventType string, v *Vote) *types.Event {
	attrs := make(map[string]string)
	if v == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["escrowId"] = strconv.FormatUint(v.EscrowID, 10)
	attrs["votesForFreelancer"] = cloneU256(v.VotesForFreelancer).Dec()
	attrs["votesForClient"] = cloneU256(v.VotesForClient).Dec()
	attrs["totalVotes"] = cloneU256(v.TotalVotes).Dec()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newOpenedEvent(v *Vote) *types.Event {
	evt := newVoteEvent(EventTypeVoteOpened, v)
	if v != nil {
		evt.Attributes["startTime"] = strconv.FormatInt(v.StartTime.Unix(), 10)
		evt.Attributes["endTime"] = strconv.FormatInt(v.EndTime.Unix(), 10)
	}
	return evt
}

func newCastEvent(b *Ballot, v *Vote) *types.Event {
	evt := newVoteEvent(EventTypeVoteCast, v)
	if b != nil {
		evt.Attributes["voter"] = b.Voter.Hex()
		evt.Attributes["supportFreelancer"] = strconv.FormatBool(b.SupportFreelancer)
		evt.Attributes["weight"] = cloneU256(b.Weight).Dec()
	}
	return evt
}

func newFinalizedEvent(v *Vote, caller common.Address) *types.Event {
	evt := newVoteEvent(EventTypeVoteFinalized, v)
	if v != nil {
		evt.Attributes["winner"] = v.Winner.Hex()
		evt.Attributes["quorumMet"] = strconv.FormatBool(v.QuorumMet)
		evt.Attributes["requiredQuorum"] = cloneBig(v.RequiredQuorum).String()
		evt.Attributes["finalizedBy"] = caller.Hex()
	}
	return evt
}

func newQuorumNotMetEvent(v *Vote) *types.Event {
	evt := newVoteEvent(EventTypeQuorumNotMet, v)
	if v != nil {
		evt.Attributes["requiredQuorum"] = cloneBig(v.RequiredQuorum).String()
		evt.Attributes["winner"] = v.Winner.Hex()
	}
	return evt
}

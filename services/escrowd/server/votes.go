package server

import (
	"net/http"
	"time"

	"github.com/holiman/uint256"

	"escrowdao/native/dao"
)

type voteResponse struct {
	EscrowID           uint64    `json:"escrowId"`
	VotesForFreelancer string    `json:"votesForFreelancer"`
	VotesForClient     string    `json:"votesForClient"`
	TotalVotes         string    `json:"totalVotes"`
	StartTime          time.Time `json:"startTime"`
	EndTime            time.Time `json:"endTime"`
	Finalized          bool      `json:"finalized"`
	Winner             string    `json:"winner,omitempty"`
	QuorumMet          bool      `json:"quorumMet"`
	RequiredQuorum     string    `json:"requiredQuorum"`
}

func newVoteResponse(v *dao.Vote) voteResponse {
	resp := voteResponse{
		EscrowID:           v.EscrowID,
		VotesForFreelancer: u256String(v.VotesForFreelancer),
		VotesForClient:     u256String(v.VotesForClient),
		TotalVotes:         u256String(v.TotalVotes),
		StartTime:          v.StartTime.UTC(),
		EndTime:            v.EndTime.UTC(),
		Finalized:          v.Finalized,
		QuorumMet:          v.QuorumMet,
		RequiredQuorum:     bigString(v.RequiredQuorum),
	}
	if v.Finalized {
		resp.Winner = v.Winner.Hex()
	}
	return resp
}

type ballotResponse struct {
	EscrowID          uint64    `json:"escrowId"`
	Voter             string    `json:"voter"`
	SupportFreelancer bool      `json:"supportFreelancer"`
	Weight            string    `json:"weight"`
	CastAt            time.Time `json:"castAt"`
}

func newBallotResponse(b *dao.Ballot) ballotResponse {
	return ballotResponse{
		EscrowID:          b.EscrowID,
		Voter:             b.Voter.Hex(),
		SupportFreelancer: b.SupportFreelancer,
		Weight:            u256String(b.Weight),
		CastAt:            b.CastAt.UTC(),
	}
}

type outcomeResponse struct {
	EscrowID           uint64 `json:"escrowId"`
	Winner             string `json:"winner"`
	QuorumMet          bool   `json:"quorumMet"`
	RequiredQuorum     string `json:"requiredQuorum"`
	VotesForFreelancer string `json:"votesForFreelancer"`
	VotesForClient     string `json:"votesForClient"`
	TotalVotes         string `json:"totalVotes"`
}

func u256String(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// OpenVote starts voting on a disputed escrow; owner only.
func (s *Server) OpenVote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	from, err := caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	vote, err := s.dao.OpenVote(r.Context(), from, id)
	s.observe(r.Context(), "open_vote", start, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newVoteResponse(vote))
}

type castVoteRequest struct {
	SupportFreelancer bool `json:"supportFreelancer"`
}

// CastVote records the caller's token-weighted ballot.
func (s *Server) CastVote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	from, err := caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req castVoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ballot, err := s.dao.CastVote(r.Context(), from, id, req.SupportFreelancer)
	s.observe(r.Context(), "cast_vote", start, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBallotResponse(ballot))
}

// FinalizeVote tallies an ended vote and settles the escrow.
func (s *Server) FinalizeVote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	from, err := caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	outcome, err := s.dao.FinalizeVote(r.Context(), from, id)
	s.observe(r.Context(), "finalize_vote", start, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{
		EscrowID:           outcome.EscrowID,
		Winner:             outcome.Winner.Hex(),
		QuorumMet:          outcome.QuorumMet,
		RequiredQuorum:     bigString(outcome.RequiredQuorum),
		VotesForFreelancer: u256String(outcome.VotesForFreelancer),
		VotesForClient:     u256String(outcome.VotesForClient),
		TotalVotes:         u256String(outcome.TotalVotes),
	})
}

// GetVote returns the tally of a vote.
func (s *Server) GetVote(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	vote, err := s.dao.GetVote(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newVoteResponse(vote))
}

// IsVotingActive reports whether ballots are still accepted.
func (s *Server) IsVotingActive(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	active, err := s.dao.IsVotingActive(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrowId": id, "active": active})
}

func (s *Server) ListBallots(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ballots, err := s.dao.ListBallots(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]ballotResponse, 0, len(ballots))
	for _, ballot := range ballots {
		out = append(out, newBallotResponse(ballot))
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrowId": id, "ballots": out})
}

func (s *Server) GetBallot(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	voter, err := addressParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ballot, err := s.dao.GetBallot(r.Context(), id, voter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBallotResponse(ballot))
}

// RequiredQuorum returns the quorum computed from the live total supply.
func (s *Server) RequiredQuorum(w http.ResponseWriter, r *http.Request) {
	quorum, err := s.dao.RequiredQuorum(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	policy := s.dao.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"requiredQuorum":   quorum.String(),
		"quorumPercentage": policy.QuorumPercentage,
		"votingPeriod":     policy.VotingPeriod.String(),
		"minTokenBalance":  bigString(policy.MinTokenBalance),
	})
}

// VotingPower returns the live token balance of an account.
func (s *Server) VotingPower(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	power, err := s.dao.VotingPower(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.Hex(), "power": power.String()})
}

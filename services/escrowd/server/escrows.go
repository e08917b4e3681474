package server

import (
	"context"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowdao/native/escrow"
)

type escrowResponse struct {
	ID              uint64     `json:"id"`
	Client          string     `json:"client"`
	Freelancer      string     `json:"freelancer"`
	Amount          string     `json:"amount"`
	Description     string     `json:"description"`
	Deadline        time.Time  `json:"deadline"`
	CreatedAt       time.Time  `json:"createdAt"`
	Status          string     `json:"status"`
	ClientApproved  bool       `json:"clientApproved"`
	DisputeRaisedBy string     `json:"disputeRaisedBy,omitempty"`
	DisputeRaisedAt *time.Time `json:"disputeRaisedAt,omitempty"`
	FeeBps          uint32     `json:"feeBps"`
	ResolvedTo      string     `json:"resolvedTo,omitempty"`
	Fee             string     `json:"fee,omitempty"`
	Payout          string     `json:"payout,omitempty"`
}

func newEscrowResponse(esc *escrow.Escrow) escrowResponse {
	resp := escrowResponse{
		ID:              esc.ID,
		Client:          esc.Client.Hex(),
		Freelancer:      esc.Freelancer.Hex(),
		Amount:          bigString(esc.Amount),
		Description:     esc.Description,
		Deadline:        esc.Deadline.UTC(),
		CreatedAt:       esc.CreatedAt.UTC(),
		Status:          esc.Status.String(),
		ClientApproved:  esc.ClientApproved,
		DisputeRaisedAt: esc.DisputeRaisedAt,
		FeeBps:          esc.FeeBps,
	}
	if esc.DisputeRaisedBy != nil {
		resp.DisputeRaisedBy = esc.DisputeRaisedBy.Hex()
	}
	if esc.ResolvedTo != (common.Address{}) {
		resp.ResolvedTo = esc.ResolvedTo.Hex()
	}
	if esc.Fee != nil {
		resp.Fee = esc.Fee.String()
	}
	if esc.Payout != nil {
		resp.Payout = esc.Payout.String()
	}
	return resp
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type createEscrowRequest struct {
	Freelancer  string    `json:"freelancer"`
	Amount      string    `json:"amount"`
	Deadline    time.Time `json:"deadline"`
	Description string    `json:"description"`
}

// CreateEscrow locks funds for a new job.
func (s *Server) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	from, err := caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req createEscrowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	freelancer := common.Address{}
	if strings.TrimSpace(req.Freelancer) != "" {
		if freelancer, err = parseAddress(req.Freelancer); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.ledger.CreateEscrow(r.Context(), from, freelancer, req.Deadline, req.Description, amount)
	s.observe(r.Context(), "create_escrow", start, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	esc, err := s.ledger.GetEscrow(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEscrowResponse(esc))
}

// GetEscrow returns a single escrow.
func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	esc, err := s.ledger.GetEscrow(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}

// ApproveWork releases funds to the freelancer on the client's behalf.
func (s *Server) ApproveWork(w http.ResponseWriter, r *http.Request) {
	s.mutateEscrow(w, r, "approve_work", s.ledger.ApproveWork)
}

// RaiseDispute freezes an active escrow pending a DAO vote.
func (s *Server) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	s.mutateEscrow(w, r, "raise_dispute", s.ledger.RaiseDispute)
}

// EmergencyRefund returns the full amount to the client.
func (s *Server) EmergencyRefund(w http.ResponseWriter, r *http.Request) {
	s.mutateEscrow(w, r, "emergency_refund", s.ledger.EmergencyRefund)
}

func (s *Server) mutateEscrow(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, caller common.Address, id uint64) error) {
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
	err = fn(r.Context(), from, id)
	s.observe(r.Context(), op, start, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	esc, err := s.ledger.GetEscrow(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}

// ListAccountEscrows lists escrow ids where the account is the client or the
// freelancer, selected by the role query parameter.
func (s *Server) ListAccountEscrows(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var ids []uint64
	switch role := strings.ToLower(r.URL.Query().Get("role")); role {
	case "", "client":
		ids, err = s.ledger.ClientEscrows(r.Context(), account)
	case "freelancer":
		ids, err = s.ledger.FreelancerEscrows(r.Context(), account)
	default:
		err = badRequest("role must be client or freelancer")
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account.Hex(), "escrows": ids})
}

// GetBalance returns the ledger balance of an account.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.Hex(), "balance": balance.String()})
}

type depositRequest struct {
	Amount string `json:"amount"`
}

// Deposit credits an account; restricted to the ledger owner.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	from, err := caller(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	account, err := addressParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	err = s.ledger.Deposit(r.Context(), from, account, amount)
	s.observe(r.Context(), "deposit", start, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.Hex(), "balance": balance.String()})
}

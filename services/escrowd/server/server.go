package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"escrowdao/core/events"
	"escrowdao/core/state"
	nativecommon "escrowdao/native/common"
	"escrowdao/native/dao"
	"escrowdao/native/escrow"
	"escrowdao/observability"
	escrowmw "escrowdao/services/escrowd/middleware"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger      *escrow.Engine
	DAO         *dao.Engine
	Hub         *events.Hub
	DB          *gorm.DB
	Pauses      *nativecommon.PauseSet
	Auth        *escrowmw.Authenticator
	RateLimiter *escrowmw.RateLimiter
	Logger      *slog.Logger
	LogRequests bool
}

// Server exposes the escrow ledger and the dispute engine over HTTP.
type Server struct {
	ledger  *escrow.Engine
	dao     *dao.Engine
	hub     *events.Hub
	db      *gorm.DB
	pauses  *nativecommon.PauseSet
	logger  *slog.Logger
	metrics *observability.LedgerMetrics

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		ledger:  cfg.Ledger,
		dao:     cfg.DAO,
		hub:     cfg.Hub,
		db:      cfg.DB,
		pauses:  cfg.Pauses,
		logger:  logger,
		metrics: observability.Ledger(),
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(escrowmw.NewObservability(s.logger, cfg.LogRequests).Middleware)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(cfg.RateLimiter.Middleware)

		api.Get("/escrows/{id}", s.GetEscrow)
		api.Get("/accounts/{addr}/escrows", s.ListAccountEscrows)
		api.Get("/accounts/{addr}/balance", s.GetBalance)
		api.Get("/votes/{id}", s.GetVote)
		api.Get("/votes/{id}/active", s.IsVotingActive)
		api.Get("/votes/{id}/ballots", s.ListBallots)
		api.Get("/votes/{id}/ballots/{addr}", s.GetBallot)
		api.Get("/dao/quorum", s.RequiredQuorum)
		api.Get("/dao/power/{addr}", s.VotingPower)
		api.Get("/events/stream", s.StreamEvents)

		api.Group(func(protected chi.Router) {
			protected.Use(cfg.Auth.Middleware)
			protected.Use(escrowmw.WithIdempotency(s.db, s.logger))

			protected.Post("/escrows", s.CreateEscrow)
			protected.Post("/escrows/{id}/approve", s.ApproveWork)
			protected.Post("/escrows/{id}/dispute", s.RaiseDispute)
			protected.Post("/escrows/{id}/refund", s.EmergencyRefund)
			protected.Post("/accounts/{addr}/deposit", s.Deposit)
			protected.Post("/votes/{id}", s.OpenVote)
			protected.Post("/votes/{id}/ballots", s.CastVote)
			protected.Post("/votes/{id}/finalize", s.FinalizeVote)
			protected.Get("/outbox", s.ListOutbox)
			protected.Post("/outbox/ack", s.AckOutbox)
			protected.Put("/admin/pauses/{module}", s.SetPause)
		})
	})
	return otelhttp.NewHandler(r, "escrowd")
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe records a ledger operation and refreshes the custody gauge after
// successful mutations.
func (s *Server) observe(ctx context.Context, op string, start time.Time, err error) {
	s.metrics.ObserveOperation(op, time.Since(start), err, errorKind)
	if err != nil {
		return
	}
	if locked, lockErr := s.ledger.TotalLocked(ctx); lockErr == nil {
		s.metrics.SetLocked(locked)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("route", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeError(w, status, err.Error())
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dao.ErrOracleUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrValidation), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	switch statusFor(err) {
	case http.StatusBadGateway:
		return "oracle_unavailable"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "unauthorized"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusBadRequest:
		return "validation"
	default:
		return "internal"
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }
func (e *requestError) Unwrap() error { return errBadRequest }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	return nil
}

func caller(r *http.Request) (common.Address, error) {
	addr, ok := escrowmw.CallerFromContext(r.Context())
	if !ok {
		return common.Address{}, escrow.ErrNotParty
	}
	return addr, nil
}

func idParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("invalid escrow id " + strconv.Quote(raw))
	}
	return id, nil
}

func addressParam(r *http.Request) (common.Address, error) {
	return parseAddress(chi.URLParam(r, "addr"))
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("invalid address " + strconv.Quote(raw))
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, badRequest("invalid amount " + strconv.Quote(raw))
	}
	return amount, nil
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"escrowdao/core/events"
	"escrowdao/core/state"
	nativecommon "escrowdao/native/common"
	"escrowdao/native/dao"
	"escrowdao/native/escrow"
	"escrowdao/oracle"
	"escrowdao/services/escrowd/auth"
	escrowmw "escrowdao/services/escrowd/middleware"
	"escrowdao/services/escrowd/models"
	"escrowdao/storage"
)

const testSecret = "escrowd-test-secret"

var (
	ownerAddr      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	feeAddr        = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	clientAddr     = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	freelancerAddr = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	voterA         = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	voterB         = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	engineAddr     = common.HexToAddress("0x00000000000000000000000000000000000000da")
)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type switchOracle struct {
	*oracle.Static
	down atomic.Bool
}

func (o *switchOracle) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if o.down.Load() {
		return nil, errors.New("rpc unreachable")
	}
	return o.Static.BalanceOf(ctx, account)
}

func (o *switchOracle) TotalSupply(ctx context.Context) (*big.Int, error) {
	if o.down.Load() {
		return nil, errors.New("rpc unreachable")
	}
	return o.Static.TotalSupply(ctx)
}

type harness struct {
	t      *testing.T
	srv    *Server
	db     *gorm.DB
	clock  *clock
	oracle *switchOracle
	ledger *escrow.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	manager := state.NewManager(storage.NewMemDB())
	hub := events.NewHub(64)
	manager.SetEmitter(events.MultiEmitter{hub, NewOutbox(db, nil)})

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pauses := nativecommon.NewPauseSet()
	ledger := escrow.NewEngine(manager, ownerAddr, feeAddr)
	ledger.SetNowFunc(clk.Now)
	ledger.SetPauses(pauses)

	orc := &switchOracle{Static: oracle.NewStatic(map[common.Address]*big.Int{
		voterA: tokens(3),
		voterB: tokens(1),
	})}
	ctx := context.Background()
	capability, err := ledger.RegisterDisputeEngine(ctx, ownerAddr, engineAddr)
	require.NoError(t, err)
	engine := dao.NewEngine(manager, ledger, orc, ownerAddr)
	engine.SetCapability(capability)
	engine.SetNowFunc(clk.Now)

	srv := New(Config{
		Ledger:      ledger,
		DAO:         engine,
		Hub:         hub,
		DB:          db,
		Pauses:      pauses,
		Auth:        escrowmw.NewAuthenticator(escrowmw.AuthConfig{HMACSecret: testSecret}, nil),
		RateLimiter: escrowmw.NewRateLimiter(escrowmw.RateLimit{}),
	})
	return &harness{t: t, srv: srv, db: db, clock: clk, oracle: orc, ledger: ledger}
}

func (h *harness) token(addr common.Address) string {
	h.t.Helper()
	token, err := auth.IssueToken(testSecret, addr, "", "", time.Hour)
	require.NoError(h.t, err)
	return token
}

func (h *harness) do(method, path string, as *common.Address, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(*as))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func addr(a common.Address) *common.Address { return &a }

func (h *harness) fundAndCreate(amount *big.Int) escrowResponse {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/v1/accounts/"+clientAddr.Hex()+"/deposit", addr(ownerAddr), depositRequest{Amount: amount.String()})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(http.MethodPost, "/v1/escrows", addr(clientAddr), createEscrowRequest{
		Freelancer:  freelancerAddr.Hex(),
		Amount:      amount.String(),
		Deadline:    h.clock.Now().Add(14 * 24 * time.Hour),
		Description: "logo design",
	})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[escrowResponse](h.t, rec)
}

func TestApproveFlow(t *testing.T) {
	h := newHarness(t)
	created := h.fundAndCreate(tokens(1))
	require.Equal(t, "active", created.Status)
	require.Equal(t, uint64(1), created.ID)

	rec := h.do(http.MethodPost, "/v1/escrows/1/approve", addr(clientAddr), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[escrowResponse](t, rec)
	require.Equal(t, "completed", approved.Status)
	require.True(t, approved.ClientApproved)
	require.Equal(t, "25000000000000000", approved.Fee)
	require.Equal(t, "975000000000000000", approved.Payout)

	rec = h.do(http.MethodGet, "/v1/accounts/"+freelancerAddr.Hex()+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "975000000000000000", decode[map[string]string](t, rec)["balance"])

	rec = h.do(http.MethodGet, "/v1/accounts/"+freelancerAddr.Hex()+"/escrows?role=freelancer", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Escrows []uint64 `json:"escrows"`
	}](t, rec)
	require.Equal(t, []uint64{1}, listed.Escrows)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	h.fundAndCreate(tokens(1))

	rec := h.do(http.MethodPost, "/v1/escrows/1/approve", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/v1/escrows/1/approve", addr(freelancerAddr), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "only client can approve")

	rec = h.do(http.MethodGet, "/v1/escrows/42", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/v1/escrows/abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/escrows", addr(clientAddr), createEscrowRequest{
		Freelancer: freelancerAddr.Hex(),
		Amount:     "0",
		Deadline:   h.clock.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "amount must be positive")

	rec = h.do(http.MethodPost, "/v1/escrows/1/dispute", addr(freelancerAddr), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodPost, "/v1/escrows/1/dispute", addr(clientAddr), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "dispute already raised")

	rec = h.do(http.MethodPost, "/v1/votes/1", addr(ownerAddr), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	h.oracle.down.Store(true)
	rec = h.do(http.MethodPost, "/v1/votes/1/ballots", addr(voterA), castVoteRequest{SupportFreelancer: true})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	rec = h.do(http.MethodGet, "/v1/dao/quorum", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDisputeVoteFlow(t *testing.T) {
	h := newHarness(t)
	h.fundAndCreate(tokens(1))

	rec := h.do(http.MethodPost, "/v1/escrows/1/dispute", addr(clientAddr), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "disputed", decode[escrowResponse](t, rec).Status)

	rec = h.do(http.MethodPost, "/v1/votes/1", addr(clientAddr), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodPost, "/v1/votes/1", addr(ownerAddr), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/votes/1/ballots", addr(voterA), castVoteRequest{SupportFreelancer: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, tokens(3).String(), decode[ballotResponse](t, rec).Weight)
	rec = h.do(http.MethodPost, "/v1/votes/1/ballots", addr(voterB), castVoteRequest{SupportFreelancer: false})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = h.do(http.MethodPost, "/v1/votes/1/ballots", addr(voterB), castVoteRequest{SupportFreelancer: true})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodGet, "/v1/votes/1/active", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode[map[string]any](t, rec)["active"])

	rec = h.do(http.MethodPost, "/v1/votes/1/finalize", addr(voterB), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "voting period not ended")

	h.clock.Advance(72 * time.Hour)
	rec = h.do(http.MethodPost, "/v1/votes/1/finalize", addr(voterB), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outcome := decode[outcomeResponse](t, rec)
	require.Equal(t, freelancerAddr.Hex(), outcome.Winner)
	require.True(t, outcome.QuorumMet)

	rec = h.do(http.MethodGet, "/v1/escrows/1", nil, nil)
	resolved := decode[escrowResponse](t, rec)
	require.Equal(t, "resolved", resolved.Status)
	require.Equal(t, freelancerAddr.Hex(), resolved.ResolvedTo)

	rec = h.do(http.MethodGet, "/v1/votes/1/ballots", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ballots := decode[struct {
		Ballots []ballotResponse `json:"ballots"`
	}](t, rec)
	require.Len(t, ballots.Ballots, 2)

	rec = h.do(http.MethodGet, "/v1/votes/1/ballots/"+voterA.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[ballotResponse](t, rec).SupportFreelancer)
}

func TestIdempotentDeposit(t *testing.T) {
	h := newHarness(t)
	path := "/v1/accounts/" + clientAddr.Hex() + "/deposit"
	first := h.do(http.MethodPost, path, addr(ownerAddr), depositRequest{Amount: "500"}, escrowmw.IdempotencyHeader, "dep-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := h.do(http.MethodPost, path, addr(ownerAddr), depositRequest{Amount: "500"}, escrowmw.IdempotencyHeader, "dep-1")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	balance, err := h.ledger.Balance(context.Background(), clientAddr)
	require.NoError(t, err)
	require.Equal(t, "500", balance.String())
}

func TestOutboxAndPause(t *testing.T) {
	h := newHarness(t)
	h.fundAndCreate(tokens(1))

	rec := h.do(http.MethodGet, "/v1/outbox", addr(clientAddr), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodGet, "/v1/outbox", addr(ownerAddr), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	listed := decode[struct {
		Events []outboxEntry `json:"events"`
	}](t, rec)
	require.Len(t, listed.Events, 2)
	byType := make(map[string]outboxEntry, len(listed.Events))
	for _, entry := range listed.Events {
		byType[entry.Type] = entry
	}
	require.Contains(t, byType, escrow.EventTypeEscrowDeposit)
	require.Equal(t, "1", byType[escrow.EventTypeEscrowCreated].EscrowID)
	require.Equal(t, clientAddr.Hex(), byType[escrow.EventTypeEscrowCreated].Attributes["client"])

	ids := []string{listed.Events[0].ID, listed.Events[1].ID}
	rec = h.do(http.MethodPost, "/v1/outbox/ack", addr(ownerAddr), ackRequest{IDs: ids})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pending, err := models.PendingEvents(h.db, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	rec = h.do(http.MethodPut, "/v1/admin/pauses/escrow", addr(ownerAddr), pauseRequest{Paused: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(http.MethodPost, "/v1/escrows/1/dispute", addr(clientAddr), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/v1/escrows/1/refund", addr(ownerAddr), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "refunded", decode[escrowResponse](t, rec).Status)
}

func TestEventStreamReplaysBacklog(t *testing.T) {
	h := newHarness(t)
	h.fundAndCreate(tokens(1))

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream?cursor=1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test complete")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var update events.Update
	require.NoError(t, json.Unmarshal(data, &update))
	require.Equal(t, uint64(2), update.Sequence)
	require.Equal(t, escrow.EventTypeEscrowCreated, update.Event.Type)

	rec := h.do(http.MethodPost, "/v1/escrows/1/approve", addr(clientAddr), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &update))
	require.Equal(t, escrow.EventTypeEscrowApproved, update.Event.Type)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h.do(http.MethodGet, "/v1/escrows/7", nil, nil)
	rec = h.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "escrowdao_http_requests_total")
}

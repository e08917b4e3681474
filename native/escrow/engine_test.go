package escrow

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowdao/core/events"
	"escrowdao/core/state"
	nativecommon "escrowdao/native/common"
	"escrowdao/storage"
)

type capturingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func (c *capturingEmitter) last() *escrowEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	evt, ok := c.events[len(c.events)-1].(escrowEvent)
	if !ok {
		return nil
	}
	return &evt
}

func newTestAddress(fill byte) common.Address {
	return common.BytesToAddress(bytes.Repeat([]byte{fill}, common.AddressLength))
}

var (
	testOwner      = newTestAddress(0x01)
	testTreasury   = newTestAddress(0x02)
	testClient     = newTestAddress(0x0C)
	testFreelancer = newTestAddress(0x0F)
	testStranger   = newTestAddress(0x55)
	testArbiter    = newTestAddress(0xDA)
	testNow        = time.Unix(1_700_000_000, 0).UTC()
)

func oneToken() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}

type testHarness struct {
	engine  *Engine
	manager *state.Manager
	emitter *capturingEmitter
	ctx     context.Context
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { _ = db.Close() })
	mgr := state.NewManager(db)
	emitter := &capturingEmitter{}
	mgr.SetEmitter(emitter)
	engine := NewEngine(mgr, testOwner, testTreasury)
	engine.SetNowFunc(func() time.Time { return testNow })
	h := &testHarness{engine: engine, manager: mgr, emitter: emitter, ctx: context.Background()}
	if err := engine.Deposit(h.ctx, testOwner, testClient, new(big.Int).Mul(oneToken(), big.NewInt(100))); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return h
}

func (h *testHarness) create(t *testing.T, amount *big.Int) uint64 {
	t.Helper()
	id, err := h.engine.CreateEscrow(h.ctx, testClient, testFreelancer, testNow.Add(7*24*time.Hour), "logo design", amount)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return id
}

func (h *testHarness) balance(t *testing.T, addr common.Address) *big.Int {
	t.Helper()
	bal, err := h.engine.Balance(h.ctx, addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (h *testHarness) get(t *testing.T, id uint64) *Escrow {
	t.Helper()
	esc, err := h.engine.GetEscrow(h.ctx, id)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	return esc
}

func TestCreateEscrowValidation(t *testing.T) {
	h := newHarness(t)
	future := testNow.Add(time.Hour)
	cases := []struct {
		name       string
		freelancer common.Address
		deadline   time.Time
		desc       string
		amount     *big.Int
		want       error
	}{
		{name: "zero freelancer", freelancer: common.Address{}, deadline: future, amount: big.NewInt(1), want: ErrInvalidFreelancer},
		{name: "zero amount", freelancer: testFreelancer, deadline: future, amount: big.NewInt(0), want: ErrAmountNotPositive},
		{name: "nil amount", freelancer: testFreelancer, deadline: future, want: ErrAmountNotPositive},
		{name: "deadline now", freelancer: testFreelancer, deadline: testNow, amount: big.NewInt(1), want: ErrDeadlineNotFuture},
		{name: "self dealing", freelancer: testClient, deadline: future, amount: big.NewInt(1), want: ErrSameParty},
		{name: "long description", freelancer: testFreelancer, deadline: future, desc: string(make([]byte, MaxDescriptionLength+1)), amount: big.NewInt(1), want: ErrDescriptionTooLong},
		{name: "insufficient balance", freelancer: testFreelancer, deadline: future, amount: new(big.Int).Mul(oneToken(), big.NewInt(1000)), want: ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.CreateEscrow(h.ctx, testClient, tc.freelancer, tc.deadline, tc.desc, tc.amount)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation kind, got %v", err)
			}
		})
	}
	locked, err := h.engine.TotalLocked(h.ctx)
	if err != nil {
		t.Fatalf("total locked: %v", err)
	}
	if locked.Sign() != 0 {
		t.Fatalf("rejected creations must not lock funds, got %s", locked)
	}
}

func TestCreateEscrowLocksFundsAndIndexes(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, oneToken())
	second := h.create(t, big.NewInt(5))
	if first != 1 || second != 2 {
		t.Fatalf("expected sequential ids, got %d and %d", first, second)
	}
	esc := h.get(t, first)
	if esc.Status != StatusActive || esc.Client != testClient || esc.Freelancer != testFreelancer {
		t.Fatalf("unexpected escrow %+v", esc)
	}
	if esc.FeeBps != 250 || esc.Description != "logo design" || !esc.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected escrow metadata %+v", esc)
	}
	locked, _ := h.engine.TotalLocked(h.ctx)
	if want := new(big.Int).Add(oneToken(), big.NewInt(5)); locked.Cmp(want) != 0 {
		t.Fatalf("locked %s, want %s", locked, want)
	}
	clientIDs, _ := h.engine.ClientEscrows(h.ctx, testClient)
	freelancerIDs, _ := h.engine.FreelancerEscrows(h.ctx, testFreelancer)
	if len(clientIDs) != 2 || len(freelancerIDs) != 2 || clientIDs[1] != 2 {
		t.Fatalf("unexpected indexes client=%v freelancer=%v", clientIDs, freelancerIDs)
	}
	if ids, _ := h.engine.ClientEscrows(h.ctx, testStranger); len(ids) != 0 {
		t.Fatalf("expected no escrows for stranger, got %v", ids)
	}
	if last := h.emitter.last(); last == nil || last.EventType() != EventTypeEscrowCreated || last.Event().Attributes["id"] != "2" {
		t.Fatalf("expected created event for escrow 2")
	}
}

func TestApproveWorkPaysFreelancerAndFee(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, oneToken())

	if err := h.engine.ApproveWork(h.ctx, testFreelancer, id); !errors.Is(err, ErrOnlyClient) {
		t.Fatalf("expected only client error, got %v", err)
	}
	if err := h.engine.ApproveWork(h.ctx, testClient, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	wantPayout, _ := new(big.Int).SetString("975000000000000000", 10)
	wantFee, _ := new(big.Int).SetString("25000000000000000", 10)
	if got := h.balance(t, testFreelancer); got.Cmp(wantPayout) != 0 {
		t.Fatalf("freelancer got %s, want %s", got, wantPayout)
	}
	if got := h.balance(t, testTreasury); got.Cmp(wantFee) != 0 {
		t.Fatalf("treasury got %s, want %s", got, wantFee)
	}
	esc := h.get(t, id)
	if esc.Status != StatusCompleted || !esc.ClientApproved {
		t.Fatalf("unexpected escrow after approval %+v", esc)
	}
	if sum := new(big.Int).Add(esc.Fee, esc.Payout); sum.Cmp(esc.Amount) != 0 {
		t.Fatalf("fee+payout=%s, want %s", sum, esc.Amount)
	}
	if locked, _ := h.engine.TotalLocked(h.ctx); locked.Sign() != 0 {
		t.Fatalf("expected empty vault, got %s", locked)
	}
	if err := h.engine.ApproveWork(h.ctx, testClient, id); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected not active on second approval, got %v", err)
	}
	if got := h.balance(t, testFreelancer); got.Cmp(wantPayout) != 0 {
		t.Fatalf("second approval paid again: %s", got)
	}
}

func TestStatusOnlyMovesForward(t *testing.T) {
	h := newHarness(t)
	completed := h.create(t, big.NewInt(1_000))
	if err := h.engine.ApproveWork(h.ctx, testClient, completed); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := h.engine.RaiseDispute(h.ctx, testClient, completed); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected completed escrow to reject dispute, got %v", err)
	}

	disputed := h.create(t, big.NewInt(1_000))
	if err := h.engine.RaiseDispute(h.ctx, testFreelancer, disputed); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := h.engine.ApproveWork(h.ctx, testClient, disputed); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected disputed escrow to reject approval, got %v", err)
	}
	if status := h.get(t, disputed).Status; status != StatusDisputed {
		t.Fatalf("unexpected status %s", status)
	}
	if !StatusCompleted.Terminal() || !StatusResolved.Terminal() || StatusDisputed.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestRaiseDispute(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, big.NewInt(1_000))

	if err := h.engine.RaiseDispute(h.ctx, testStranger, id); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err := h.engine.RaiseDispute(h.ctx, testClient, id); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	esc := h.get(t, id)
	if esc.DisputeRaisedBy == nil || *esc.DisputeRaisedBy != testClient {
		t.Fatalf("expected dispute raised by client, got %+v", esc.DisputeRaisedBy)
	}
	if esc.DisputeRaisedAt == nil || !esc.DisputeRaisedAt.Equal(testNow) {
		t.Fatalf("unexpected dispute time %+v", esc.DisputeRaisedAt)
	}
	if err := h.engine.RaiseDispute(h.ctx, testFreelancer, id); !errors.Is(err, ErrDisputeAlreadyRaised) {
		t.Fatalf("expected dispute already raised, got %v", err)
	}
	if err := h.engine.RaiseDispute(h.ctx, testClient, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTimestampsStoredAtSecondResolution(t *testing.T) {
	h := newHarness(t)
	h.engine.SetNowFunc(func() time.Time { return testNow.Add(700 * time.Millisecond) })
	id, err := h.engine.CreateEscrow(h.ctx, testClient, testFreelancer, testNow.Add(time.Hour+500*time.Millisecond), "logo design", big.NewInt(1_000))
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if err := h.engine.RaiseDispute(h.ctx, testFreelancer, id); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	esc := h.get(t, id)
	if !esc.CreatedAt.Equal(testNow) || !esc.Deadline.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("unexpected timestamps created=%s deadline=%s", esc.CreatedAt, esc.Deadline)
	}
	if esc.DisputeRaisedAt == nil || !esc.DisputeRaisedAt.Equal(testNow) {
		t.Fatalf("unexpected dispute time %+v", esc.DisputeRaisedAt)
	}
}

func TestReleaseToRequiresCapability(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, oneToken())
	if err := h.engine.RaiseDispute(h.ctx, testFreelancer, id); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	if _, err := h.engine.RegisterDisputeEngine(h.ctx, testStranger, testArbiter); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	forged := Capability{Holder: testArbiter}
	if err := h.engine.ReleaseTo(h.ctx, forged, id, testFreelancer); !errors.Is(err, ErrOnlyDisputeEngine) {
		t.Fatalf("expected unregistered engine rejection, got %v", err)
	}
	capability, err := h.engine.RegisterDisputeEngine(h.ctx, testOwner, testArbiter)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if holder, _ := h.engine.DisputeEngine(h.ctx); holder != testArbiter {
		t.Fatalf("unexpected dispute engine %s", holder.Hex())
	}
	forged.Secret = capability.Secret
	forged.Secret[0] ^= 0xFF
	if err := h.engine.ReleaseTo(h.ctx, forged, id, testFreelancer); !errors.Is(err, ErrOnlyDisputeEngine) {
		t.Fatalf("expected forged capability rejection, got %v", err)
	}
	if err := h.engine.ReleaseTo(h.ctx, capability, id, testStranger); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected recipient validation, got %v", err)
	}
	if err := h.engine.ReleaseTo(h.ctx, capability, id, testFreelancer); err != nil {
		t.Fatalf("release: %v", err)
	}
	esc := h.get(t, id)
	if esc.Status != StatusResolved || esc.ResolvedTo != testFreelancer {
		t.Fatalf("unexpected escrow after release %+v", esc)
	}
	if sum := new(big.Int).Add(h.balance(t, testFreelancer), h.balance(t, testTreasury)); sum.Cmp(oneToken()) != 0 {
		t.Fatalf("payout+fee=%s, want %s", sum, oneToken())
	}
	if err := h.engine.ReleaseTo(h.ctx, capability, id, testFreelancer); !errors.Is(err, ErrNotDisputed) {
		t.Fatalf("expected second release to fail, got %v", err)
	}

	rotated, err := h.engine.RegisterDisputeEngine(h.ctx, testOwner, testArbiter)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	other := h.create(t, big.NewInt(10))
	if err := h.engine.RaiseDispute(h.ctx, testClient, other); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := h.engine.ReleaseTo(h.ctx, capability, other, testClient); !errors.Is(err, ErrOnlyDisputeEngine) {
		t.Fatalf("expected revoked capability rejection, got %v", err)
	}
	if err := h.engine.ReleaseTo(h.ctx, rotated, other, testClient); err != nil {
		t.Fatalf("release with rotated capability: %v", err)
	}
}

func TestReleaseToRejectsActiveEscrow(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, big.NewInt(10))
	capability, err := h.engine.RegisterDisputeEngine(h.ctx, testOwner, testArbiter)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.engine.ReleaseTo(h.ctx, capability, id, testFreelancer); !errors.Is(err, ErrNotDisputed) {
		t.Fatalf("expected escrow not disputed, got %v", err)
	}
}

func TestEmergencyRefund(t *testing.T) {
	h := newHarness(t)
	before := h.balance(t, testClient)
	id := h.create(t, oneToken())

	if err := h.engine.EmergencyRefund(h.ctx, testClient, id); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := h.engine.EmergencyRefund(h.ctx, testOwner, id); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := h.balance(t, testClient); got.Cmp(before) != 0 {
		t.Fatalf("client balance %s, want full refund to %s", got, before)
	}
	if fee := h.balance(t, testTreasury); fee.Sign() != 0 {
		t.Fatalf("refund must not charge a fee, treasury has %s", fee)
	}
	esc := h.get(t, id)
	if esc.Status != StatusRefunded || esc.Fee.Sign() != 0 || esc.Payout.Cmp(oneToken()) != 0 {
		t.Fatalf("unexpected escrow after refund %+v", esc)
	}
	if err := h.engine.EmergencyRefund(h.ctx, testOwner, id); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected second refund to be refused, got %v", err)
	}
}

// An unguarded refund would pay the client a second time after completion.
func TestEmergencyRefundRefusedAfterCompletion(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, oneToken())
	if err := h.engine.ApproveWork(h.ctx, testClient, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	before := h.balance(t, testClient)
	err := h.engine.EmergencyRefund(h.ctx, testOwner, id)
	if !errors.Is(err, ErrNotRefundable) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected refund of completed escrow to be refused, got %v", err)
	}
	if got := h.balance(t, testClient); got.Cmp(before) != 0 {
		t.Fatalf("client balance changed to %s", got)
	}
}

func TestEmergencyRefundDisputedEscrow(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, big.NewInt(400))
	if err := h.engine.RaiseDispute(h.ctx, testFreelancer, id); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := h.engine.EmergencyRefund(h.ctx, testOwner, id); err != nil {
		t.Fatalf("refund disputed escrow: %v", err)
	}
	if status := h.get(t, id).Status; status != StatusRefunded {
		t.Fatalf("unexpected status %s", status)
	}
}

func TestPausedLedgerRejectsUserMutations(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, big.NewInt(10))
	pauses := nativecommon.NewPauseSet(ModuleName)
	h.engine.SetPauses(pauses)

	if _, err := h.engine.CreateEscrow(h.ctx, testClient, testFreelancer, testNow.Add(time.Hour), "", big.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected paused create, got %v", err)
	}
	if err := h.engine.ApproveWork(h.ctx, testClient, id); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected paused approve, got %v", err)
	}
	if err := h.engine.EmergencyRefund(h.ctx, testOwner, id); err != nil {
		t.Fatalf("refund must stay available while paused: %v", err)
	}
}

func TestConcurrentCreatesAssignUniqueIDs(t *testing.T) {
	h := newHarness(t)
	h.manager.SetMaxRetries(1000)
	const workers = 20
	ids := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.engine.CreateEscrow(h.ctx, testClient, testFreelancer, testNow.Add(time.Hour), "", big.NewInt(1))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate escrow id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d escrows, got %d", workers, len(seen))
	}
	if locked, _ := h.engine.TotalLocked(h.ctx); locked.Cmp(big.NewInt(workers)) != 0 {
		t.Fatalf("locked %s, want %d", locked, workers)
	}
}

func TestEscrowsIteratesInIDOrder(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 12; i++ {
		h.create(t, big.NewInt(int64(i+1)))
	}
	var got []uint64
	err := h.engine.Escrows(h.ctx, func(esc *Escrow) error {
		got = append(got, esc.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	for i, id := range got {
		if id != uint64(i+1) {
			t.Fatalf("unexpected order %v", got)
		}
	}
	if len(got) != 12 {
		t.Fatalf("expected 12 escrows, got %d", len(got))
	}
}

func TestEventsEmittedOnlyOnSuccess(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, big.NewInt(100))
	_ = h.engine.ApproveWork(h.ctx, testStranger, id)
	if err := h.engine.RaiseDispute(h.ctx, testClient, id); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	got := h.emitter.types()
	want := []string{EventTypeEscrowDeposit, EventTypeEscrowCreated, EventTypeEscrowDisputed}
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected events %v", got)
		}
	}
	last := h.emitter.last()
	if last.Event().Attributes["raisedBy"] != testClient.Hex() {
		t.Fatalf("unexpected dispute attributes %v", last.Event().Attributes)
	}
}

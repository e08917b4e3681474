package escrow

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"escrowdao/core/types"
)

const (
	EventTypeEscrowCreated  = "escrow.created"
	EventTypeEscrowApproved = "escrow.approved"
	EventTypeEscrowDisputed = "escrow.disputed"
	EventTypeEscrowReleased = "escrow.released"
	EventTypeEscrowRefunded = "escrow.refunded"
	EventTypeEscrowDeposit  = "escrow.deposit"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCreated, e)
	if e != nil {
		evt.Attributes["deadline"] = strconv.FormatInt(e.Deadline.Unix(), 10)
		evt.Attributes["feeBps"] = strconv.FormatUint(uint64(e.FeeBps), 10)
	}
	return evt
}

// NewApprovedEvent returns the payload emitted when the client approves the
// work and the freelancer is paid.
func NewApprovedEvent(e *Escrow) *types.Event {
	return withSettlement(newEscrowEvent(EventTypeEscrowApproved, e), e)
}

// NewDisputedEvent returns the canonical event payload emitted when an escrow is
// marked as disputed.
func NewDisputedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e)
	if e != nil && e.DisputeRaisedBy != nil {
		evt.Attributes["raisedBy"] = e.DisputeRaisedBy.Hex()
	}
	if e != nil && e.DisputeRaisedAt != nil {
		evt.Attributes["raisedAt"] = strconv.FormatInt(e.DisputeRaisedAt.Unix(), 10)
	}
	return evt
}

// NewReleasedEvent returns the payload emitted when the dispute engine settles
// an escrow.
func NewReleasedEvent(e *Escrow) *types.Event {
	return withSettlement(newEscrowEvent(EventTypeEscrowReleased, e), e)
}

// NewRefundedEvent returns the canonical event payload for an escrow refund to
// the client.
func NewRefundedEvent(e *Escrow) *types.Event {
	return withSettlement(newEscrowEvent(EventTypeEscrowRefunded, e), e)
}

// NewDepositEvent returns the payload emitted when an account is funded.
func NewDepositEvent(account common.Address, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeEscrowDeposit,
		Attributes: map[string]string{
			"account": account.Hex(),
			"amount":  cloneBigInt(amount).String(),
		},
	}
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["client"] = e.Client.Hex()
	attrs["freelancer"] = e.Freelancer.Hex()
	attrs["amount"] = cloneBigInt(e.Amount).String()
	attrs["status"] = e.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func withSettlement(evt *types.Event, e *Escrow) *types.Event {
	if e == nil {
		return evt
	}
	evt.Attributes["recipient"] = e.ResolvedTo.Hex()
	evt.Attributes["fee"] = cloneBigInt(e.Fee).String()
	evt.Attributes["payout"] = cloneBigInt(e.Payout).String()
	return evt
}

package escrow

import (
	"errors"
	"fmt"
)

// Error kinds shared by the ledger and the dispute engine. Every concrete
// failure wraps exactly one kind so callers can classify it with errors.Is.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
)

var (
	ErrInvalidFreelancer   = fmt.Errorf("%w: invalid freelancer", ErrValidation)
	ErrAmountNotPositive   = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrDeadlineNotFuture   = fmt.Errorf("%w: deadline must be in the future", ErrValidation)
	ErrSameParty           = fmt.Errorf("%w: client and freelancer cannot be the same", ErrValidation)
	ErrDescriptionTooLong  = fmt.Errorf("%w: description too long", ErrValidation)
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrValidation)
	ErrInvalidRecipient    = fmt.Errorf("%w: recipient must be client or freelancer", ErrValidation)

	ErrOnlyClient        = fmt.Errorf("%w: only client can approve", ErrUnauthorized)
	ErrNotParty          = fmt.Errorf("%w: not authorized", ErrUnauthorized)
	ErrOnlyDisputeEngine = fmt.Errorf("%w: only DAO can call this", ErrUnauthorized)
	ErrNotOwner          = fmt.Errorf("%w: not owner", ErrUnauthorized)

	ErrNotActive            = fmt.Errorf("%w: escrow not active", ErrInvalidState)
	ErrNotDisputed          = fmt.Errorf("%w: escrow not disputed", ErrInvalidState)
	ErrDisputeAlreadyRaised = fmt.Errorf("%w: dispute already raised", ErrInvalidState)
	ErrNotRefundable        = fmt.Errorf("%w: escrow not refundable", ErrInvalidState)
	ErrPaused               = fmt.Errorf("%w: escrow module paused", ErrInvalidState)

	ErrEscrowNotFound = fmt.Errorf("%w: escrow not found", ErrNotFound)
)

package dao

import (
	"errors"
	"fmt"

	"escrowdao/native/escrow"
)

// ErrOracleUnavailable marks failures of the token balance oracle. Operations
// failing with it leave state untouched.
var ErrOracleUnavailable = errors.New("token oracle unavailable")

var (
	ErrNotOwner                 = fmt.Errorf("%w: not owner", escrow.ErrUnauthorized)
	ErrVoteExists               = fmt.Errorf("%w: vote already exists for this escrow", escrow.ErrInvalidState)
	ErrNoDispute                = fmt.Errorf("%w: no dispute for this escrow", escrow.ErrNotFound)
	ErrInsufficientTokenBalance = fmt.Errorf("%w: insufficient token balance", escrow.ErrValidation)
	ErrAlreadyVoted             = fmt.Errorf("%w: already voted", escrow.ErrInvalidState)
	ErrVotingEnded              = fmt.Errorf("%w: voting period ended", escrow.ErrInvalidState)
	ErrVotingNotEnded           = fmt.Errorf("%w: voting period not ended", escrow.ErrInvalidState)
	ErrAlreadyFinalized         = fmt.Errorf("%w: vote already finalized", escrow.ErrInvalidState)
	ErrBallotNotFound           = fmt.Errorf("%w: ballot not found", escrow.ErrNotFound)
	ErrWeightOverflow           = fmt.Errorf("%w: voting weight overflow", escrow.ErrValidation)
)

var errCapabilityMissing = errors.New("dao: release capability not configured")

package listing

import (
	"errors"

	"github.com/clearlot/unitbook/pkg/engine/custody"
)

// Error taxonomy of the operation surface. All are synchronous, recoverable
// failures returned with no state mutation, except ErrInternal which marks
// a detected custody invariant violation and aborts the whole call.
var (
	ErrUnauthorized     = errors.New("listing: unauthorized")
	ErrInvalidParameter = errors.New("listing: invalid parameter")
	ErrClassPaused      = errors.New("listing: class paused")
	ErrOrderNotFound    = errors.New("listing: order not found")
	ErrNotOrderOwner    = errors.New("listing: not order owner")
	ErrExpired          = errors.New("listing: order expired")

	// Funding and unit shortfalls surface straight from the custody ledger.
	ErrInsufficientBalance = custody.ErrInsufficientBalance
	ErrInsufficientUnits   = custody.ErrInsufficientUnits

	// ErrInternal indicates a logic defect, not a user-input problem.
	ErrInternal = custody.ErrInvariant
)

// Package classes defines the unit classes that trade on the engine: the
// per-class parameters, issuance counters, and trading status. A class
// groups fungible ownership units under one order book, the way a market
// symbol groups trading in an exchange.
package classes

import (
	"fmt"

	"github.com/clearlot/unitbook/pkg/fixedpoint"
)

// ID identifies a unit class.
type ID uint64

// Status defines the trading status of a class.
type Status int8

const (
	Active Status = iota // placement and matching enabled
	Paused               // all placement and matching fail fast
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// Class defines all parameters for one tradable unit class.
type Class struct {
	ID     ID
	Symbol string
	Status Status

	// Issuance bounds, in paid-amount units. Issued grows when an initial
	// offer is placed and shrinks when one is withdrawn or expires.
	Authorized fixedpoint.Amount
	Issued     fixedpoint.Amount

	// UnitStep is the minimum tradable multiple. Every order amount must be
	// a whole multiple of it, which is what keeps rounding remainders out of
	// the consideration arithmetic.
	UnitStep fixedpoint.Amount

	// Weight defaults copied onto orders at placement time, so later class
	// changes cannot retroactively alter a resting order's economics.
	VotingWeight       int64
	DistributionWeight int64

	// Expiry window for new orders, in hours.
	DefaultExpiryHours int
	MaxExpiryHours     int
}

// Params carries the tunable parameters for a new class.
type Params struct {
	Authorized         fixedpoint.Amount
	UnitStep           fixedpoint.Amount
	VotingWeight       int64
	DistributionWeight int64
	DefaultExpiryHours int
	MaxExpiryHours     int
}

// DefaultParams returns conservative defaults: whole-unit steps, single
// voting and distribution weight, one-week expiry window.
func DefaultParams(authorized fixedpoint.Amount) Params {
	return Params{
		Authorized:         authorized,
		UnitStep:           fixedpoint.Amount(10_000), // 1 unit
		VotingWeight:       1,
		DistributionWeight: 1,
		DefaultExpiryHours: 24,
		MaxExpiryHours:     7 * 24,
	}
}

// New creates a class with validation.
func New(id ID, symbol string, p Params) (*Class, error) {
	c := &Class{
		ID:                 id,
		Symbol:             symbol,
		Status:             Active,
		Authorized:         p.Authorized,
		UnitStep:           p.UnitStep,
		VotingWeight:       p.VotingWeight,
		DistributionWeight: p.DistributionWeight,
		DefaultExpiryHours: p.DefaultExpiryHours,
		MaxExpiryHours:     p.MaxExpiryHours,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid class params: %w", err)
	}
	return c, nil
}

// Validate checks class parameter sanity.
func (c *Class) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if c.Authorized <= 0 {
		return fmt.Errorf("authorized amount must be positive")
	}
	if c.UnitStep <= 0 {
		return fmt.Errorf("unit step must be positive")
	}
	if !c.Authorized.MultipleOf(c.UnitStep) {
		return fmt.Errorf("authorized amount must be a multiple of the unit step")
	}
	if c.VotingWeight < 0 || c.DistributionWeight < 0 {
		return fmt.Errorf("weights cannot be negative")
	}
	if c.DefaultExpiryHours <= 0 {
		return fmt.Errorf("default expiry must be positive")
	}
	if c.MaxExpiryHours < c.DefaultExpiryHours {
		return fmt.Errorf("max expiry cannot be below default expiry")
	}
	return nil
}

// ValidateAmount checks an order quantity against the class step rule.
func (c *Class) ValidateAmount(paid fixedpoint.Amount) error {
	if paid <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if !paid.MultipleOf(c.UnitStep) {
		return fmt.Errorf("amount %s is not a multiple of unit step %s", paid, c.UnitStep)
	}
	return nil
}

// ValidateExpiry checks a requested expiry horizon in hours.
// Zero selects the class default.
func (c *Class) ValidateExpiry(hours int) (int, error) {
	if hours == 0 {
		return c.DefaultExpiryHours, nil
	}
	if hours < 0 {
		return 0, fmt.Errorf("expiry cannot be in the past")
	}
	if hours > c.MaxExpiryHours {
		return 0, fmt.Errorf("expiry %dh exceeds class maximum %dh", hours, c.MaxExpiryHours)
	}
	return hours, nil
}

// Issue increases the issued counter for a new initial offer.
func (c *Class) Issue(paid fixedpoint.Amount) error {
	issued, err := c.Issued.Add(paid)
	if err != nil {
		return err
	}
	if issued > c.Authorized {
		return fmt.Errorf("issue of %s exceeds authorized %s (issued %s)", paid, c.Authorized, c.Issued)
	}
	c.Issued = issued
	return nil
}

// Retire reverses an Issue when an initial offer is withdrawn or expires.
func (c *Class) Retire(paid fixedpoint.Amount) error {
	issued, err := c.Issued.Sub(paid)
	if err != nil {
		return fmt.Errorf("retire of %s exceeds issued %s", paid, c.Issued)
	}
	c.Issued = issued
	return nil
}

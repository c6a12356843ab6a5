// Package oracle is the read-only pricing/FX collaborator: it supplies a
// reference exchange rate when a caller wants consideration quoted in a
// different denomination than the escrow currency. The engine never
// mutates this input and never uses it for settlement.
package oracle

import (
	"sync"

	"github.com/clearlot/unitbook/pkg/fixedpoint"
)

// RateSource supplies the 4-decimal exchange rate from the escrow currency
// into the named quote denomination.
type RateSource interface {
	Rate(quote string) (fixedpoint.Amount, bool)
}

// StaticRates is a fixed in-memory rate table.
type StaticRates struct {
	mu    sync.RWMutex
	rates map[string]fixedpoint.Amount
}

// NewStaticRates creates an empty rate table.
func NewStaticRates() *StaticRates {
	return &StaticRates{rates: make(map[string]fixedpoint.Amount)}
}

// Set installs or replaces the rate for a quote denomination.
func (s *StaticRates) Set(quote string, rate fixedpoint.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[quote] = rate
}

func (s *StaticRates) Rate(quote string) (fixedpoint.Amount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[quote]
	return r, ok
}

var _ RateSource = (*StaticRates)(nil)

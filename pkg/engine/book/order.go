// Package book implements the per-class, per-side resting order collections
// with price-time priority. Orders live in a slice-backed arena addressed by
// slot index with explicit prev/next links, which keeps removal O(1) and
// traversal ordered without a pointer graph.
package book

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/units"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
)

// OrderID is a monotonically increasing counter per (class, side).
type OrderID uint64

// Side of the book an order rests on.
type Side int8

const (
	Offer Side = 1
	Bid   Side = -1
)

func (s Side) String() string {
	switch s {
	case Offer:
		return "offer"
	case Bid:
		return "bid"
	default:
		return "unknown"
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side { return -s }

// Kind distinguishes the five placement operations.
type Kind int8

const (
	InitialOffer Kind = iota
	SecondaryOffer
	LimitBid
	MarketBid
	MarketOffer
)

func (k Kind) String() string {
	switch k {
	case InitialOffer:
		return "initial_offer"
	case SecondaryOffer:
		return "secondary_offer"
	case LimitBid:
		return "limit_bid"
	case MarketBid:
		return "market_bid"
	case MarketOffer:
		return "market_offer"
	default:
		return "unknown"
	}
}

// Side returns which book side the kind belongs to.
func (k Kind) Side() Side {
	if k == LimitBid || k == MarketBid {
		return Bid
	}
	return Offer
}

// IsMarket reports whether the kind carries no limit price. Market orders
// never rest in the book: an unfilled remainder is refunded to the caller.
func (k Kind) IsMarket() bool {
	return k == MarketBid || k == MarketOffer
}

// Status is the lifecycle state of an order.
type Status int8

const (
	Open Status = iota
	Closed
	Withdrawn
	Expired
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Withdrawn:
		return "withdrawn"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is the central entity of the engine.
type Order struct {
	ID   OrderID
	Side Side
	Kind Kind

	Class classes.ID
	// Principal is the issuer of an offer or the buyer of a bid.
	Principal common.Address
	// GroupRep is the optional co-principal for pooled buys.
	GroupRep common.Address

	// SourceLot is populated only for secondary and market offers.
	SourceLot units.LotID

	// RemainingPaid decreases monotonically to zero as fills consume it.
	RemainingPaid fixedpoint.Amount
	// LimitPrice of zero denotes a market order.
	LimitPrice fixedpoint.Amount

	// Weights copied from the class at placement time.
	VotingWeight       int64
	DistributionWeight int64

	// EscrowedConsideration is the custody still held for an open bid.
	EscrowedConsideration fixedpoint.Consideration

	// ExpireAt is the unix-millisecond timestamp after which the order is
	// unmatchable and eligible for pruning.
	ExpireAt int64
	PlacedAt int64

	Status Status

	// Arena links, managed exclusively by Book.
	prev, next int32
}

// IsMarket reports whether the order carries no limit price.
func (o *Order) IsMarket() bool { return o.Kind.IsMarket() }

// ExpiredAt reports whether the order is past its expiry at the given time.
func (o *Order) ExpiredAt(nowMillis int64) bool {
	return o.ExpireAt > 0 && nowMillis > o.ExpireAt
}

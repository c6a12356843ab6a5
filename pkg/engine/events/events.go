// Package events is the observable log of the engine: every state
// transition an external observer needs to reconstruct balance deltas is
// appended here and optionally fanned out to a live sink (the websocket
// hub in the API layer).
package events

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/engine/book"
	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/units"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
)

// Type enumerates the observable event kinds.
type Type string

const (
	OrderPlaced    Type = "OrderPlaced"
	OrderWithdrawn Type = "OrderWithdrawn"
	OrderExpired   Type = "OrderExpired"
	DealClosed     Type = "DealClosed"
	Paused         Type = "Paused"
	Unpaused       Type = "Unpaused"
)

// Event carries enough fields for an observer to reconstruct the resulting
// balance deltas. Unused fields stay zero and are omitted on the wire.
type Event struct {
	Seq  uint64 `json:"seq"`
	At   int64  `json:"at"`
	Type Type   `json:"type"`

	Class classes.ID   `json:"class"`
	Side  book.Side    `json:"side,omitempty"`
	Kind  string       `json:"kind,omitempty"`
	Order book.OrderID `json:"order,omitempty"`

	Principal common.Address `json:"principal,omitempty"`
	// Counterparty is the maker principal on DealClosed events.
	Counterparty common.Address `json:"counterparty,omitempty"`

	// DealClosed: one event per fill.
	MakerOrder    book.OrderID             `json:"makerOrder,omitempty"`
	MatchedPaid   fixedpoint.Amount        `json:"matchedPaid,omitempty"`
	Price         fixedpoint.Amount        `json:"price,omitempty"`
	Consideration fixedpoint.Consideration `json:"consideration,omitempty"`
	// Refund is escrow released back to the buyer as price improvement.
	Refund fixedpoint.Consideration `json:"refund,omitempty"`
	Lot    units.LotID              `json:"lot,omitempty"`

	// Withdrawn/Expired: resources handed back.
	RemainingPaid  fixedpoint.Amount        `json:"remainingPaid,omitempty"`
	EscrowReleased fixedpoint.Consideration `json:"escrowReleased,omitempty"`
	UnitsUnlocked  fixedpoint.Amount        `json:"unitsUnlocked,omitempty"`
	IssueRetired   fixedpoint.Amount        `json:"issueRetired,omitempty"`
}

// Sink receives every recorded event, in order, on the recording goroutine.
type Sink func(Event)

// Log is an append-only, in-memory event log.
type Log struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
	sink   Sink
}

// NewLog creates an empty event log.
func NewLog() *Log {
	return &Log{events: make([]Event, 0, 1024)}
}

// SeedSeq advances the sequence counter past numbers already handed out,
// so a restarted node never reuses a persisted sequence number.
func (l *Log) SeedSeq(after uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if after > l.seq {
		l.seq = after
	}
}

// SetSink installs a live fan-out sink. The sink must not block.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// Record appends an event, assigning its sequence number.
func (l *Log) Record(e Event) Event {
	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	l.events = append(l.events, e)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink(e)
	}
	return e
}

// Events returns a copy of the full log.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns a copy of all events with Seq > after.
func (l *Log) Since(after uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range l.events {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

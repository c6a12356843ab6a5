package api

import "github.com/clearlot/unitbook/pkg/engine/events"

// ==============================
// REST Response Types
// ==============================

// ClassInfo is a class's configuration and issuance state.
type ClassInfo struct {
	ID                 uint64 `json:"id"`
	Symbol             string `json:"symbol"`
	Status             string `json:"status"` // "Active", "Paused"
	Authorized         string `json:"authorized"`
	Issued             string `json:"issued"`
	UnitStep           string `json:"unitStep"`
	VotingWeight       int64  `json:"votingWeight"`
	DistributionWeight int64  `json:"distributionWeight"`
	DefaultExpiryHours int    `json:"defaultExpiryHours"`
	MaxExpiryHours     int    `json:"maxExpiryHours"`
}

// BookSnapshot is the current resting state of one class's book pair.
type BookSnapshot struct {
	Class     uint64       `json:"class"`
	Offers    []OrderEntry `json:"offers"` // best (lowest price) first
	Bids      []OrderEntry `json:"bids"`   // best (highest price) first
	Timestamp int64        `json:"timestamp"`
}

// OrderEntry is one resting or archived order.
type OrderEntry struct {
	ID            uint64 `json:"id"`
	Side          string `json:"side"`
	Kind          string `json:"kind"`
	Principal     string `json:"principal"`
	RemainingPaid string `json:"remainingPaid"`
	Price         string `json:"price,omitempty"`
	Status        string `json:"status"`
	ExpireAt      int64  `json:"expireAt,omitempty"`
	PlacedAt      int64  `json:"placedAt"`
}

// BestPriceInfo is the best matchable price on one side, optionally
// restated in a quote denomination via the reference rate.
type BestPriceInfo struct {
	Class uint64 `json:"class"`
	Side  string `json:"side"`
	Price string `json:"price"`
	// Quoted fields are present only when a quote parameter was given.
	Quote       string `json:"quote,omitempty"`
	QuotedPrice string `json:"quotedPrice,omitempty"`
}

// AccountInfo is an account's custody balances.
type AccountInfo struct {
	Address  string `json:"address"`
	Free     string `json:"free"`
	Escrowed string `json:"escrowed"`
}

// LotInfo is one ownership lot.
type LotInfo struct {
	ID        uint64 `json:"id"`
	Class     uint64 `json:"class"`
	Owner     string `json:"owner"`
	Paid      string `json:"paid"`
	Par       string `json:"par"`
	CleanPaid string `json:"cleanPaid"`
	Price     string `json:"price"`
}

// FillInfo is one settled matching step.
type FillInfo struct {
	TakerOrder    uint64 `json:"takerOrder"`
	MakerOrder    uint64 `json:"makerOrder"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	MatchedPaid   string `json:"matchedPaid"`
	Price         string `json:"price"`
	Consideration string `json:"consideration"`
	Refund        string `json:"refund,omitempty"`
	Lot           uint64 `json:"lot"`
}

// SubmitResponse is the synchronous result of a signed request.
type SubmitResponse struct {
	Status  string     `json:"status"` // "ok", "rejected"
	Order   uint64     `json:"order,omitempty"`
	Fills   []FillInfo `json:"fills,omitempty"`
	Swept   int        `json:"swept,omitempty"`
	Message string     `json:"message,omitempty"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// SignedRequest is the envelope for POST /api/v1/requests: a canonical
// request plus the 65-byte hex signature over its digest. The caller
// address is recovered from the signature, never trusted from the body.
type SignedRequest struct {
	Request   RequestBody `json:"request"`
	Signature string      `json:"signature"`
}

// RequestBody mirrors the canonical signed form field-for-field.
type RequestBody struct {
	Action      string `json:"action"`
	Class       uint64 `json:"class"`
	Lot         uint64 `json:"lot,omitempty"`
	Paid        string `json:"paid,omitempty"`
	Price       string `json:"price,omitempty"`
	ExpireHours int    `json:"expireHours,omitempty"`
	GroupRep    string `json:"groupRep,omitempty"`
	Side        string `json:"side,omitempty"`
	Order       uint64 `json:"order,omitempty"`
	Nonce       uint64 `json:"nonce"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by a client to manage channel subscriptions.
// Channels: "events" for everything, "events:<classID>" for one class.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// EventUpdate wraps an engine event for the stream.
type EventUpdate struct {
	Type  string       `json:"type"` // always "event"
	Event events.Event `json:"event"`
}

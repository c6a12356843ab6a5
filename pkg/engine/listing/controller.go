// Package listing is the public operation surface of the engine: it
// validates caller authority and order parameters, escrows or locks the
// backing resources, and drives the matching engine. Every external call
// runs to completion under one lock, standing in for the host ledger's
// exclusive transaction turn: two in-flight matching sequences can never
// interleave against the same class's book.
package listing

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/clearlot/unitbook/pkg/engine/book"
	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/custody"
	"github.com/clearlot/unitbook/pkg/engine/events"
	"github.com/clearlot/unitbook/pkg/engine/match"
	"github.com/clearlot/unitbook/pkg/engine/units"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
	"github.com/clearlot/unitbook/pkg/identity"
	"github.com/clearlot/unitbook/pkg/util"
)

// ProofVerifier checks a bid's funding proof. A nil verifier trusts
// in-process callers; the API layer performs the wire-level signature
// check before the controller is reached.
type ProofVerifier func(caller common.Address, proof []byte) bool

// Controller drives all placement, withdrawal, and maintenance operations.
type Controller struct {
	mu sync.Mutex

	classes  *classes.Registry
	books    map[classes.ID]*book.Pair
	custody  *custody.Ledger
	units    units.Registry
	engine   *match.Engine
	events   *events.Log
	identity identity.Accreditation
	clock    util.Clock
	log      *zap.SugaredLogger

	verifyProof ProofVerifier

	officers  map[classes.ID]map[common.Address]bool
	enforcers map[common.Address]bool
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Classes  *classes.Registry
	Custody  *custody.Ledger
	Units    units.Registry
	Events   *events.Log
	Identity identity.Accreditation
	Store    match.OrderStore // may be nil
	Clock    util.Clock
	Logger   *zap.SugaredLogger // may be nil
	Verify   ProofVerifier      // may be nil
}

// NewController wires a controller and its matching engine.
func NewController(d Deps) *Controller {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	return &Controller{
		classes:     d.Classes,
		books:       make(map[classes.ID]*book.Pair),
		custody:     d.Custody,
		units:       d.Units,
		engine:      match.New(d.Custody, d.Units, d.Events, d.Store, d.Clock, d.Logger),
		events:      d.Events,
		identity:    d.Identity,
		clock:       d.Clock,
		log:         d.Logger,
		verifyProof: d.Verify,
		officers:    make(map[classes.ID]map[common.Address]bool),
		enforcers:   make(map[common.Address]bool),
	}
}

// RegisterClass adds a class and creates its empty book pair.
func (c *Controller) RegisterClass(cls *classes.Class) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.classes.Register(cls); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	c.books[cls.ID] = book.NewPair()
	return nil
}

// RestoreOrder reinserts a mirrored resting order during boot replay, so
// the rebuilt book accounts for every encumbrance the replayed balances
// and lots still carry. The id sequence advances past every restored id.
func (c *Controller) RestoreOrder(o book.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, pair, err := c.classState(o.Class)
	if err != nil {
		return err
	}
	b := pair.Side(o.Side)
	if _, err := b.Insert(o); err != nil {
		return fmt.Errorf("%w: restore order %d: %v", ErrInternal, o.ID, err)
	}
	b.SeedID(o.ID)
	return nil
}

// SeedOrderIDs advances both of the class's id sequences past an id already
// handed out, so orders placed after a restart never collide with archived
// ones.
func (c *Controller) SeedOrderIDs(class classes.ID, id book.OrderID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pair, ok := c.books[class]
	if !ok {
		return fmt.Errorf("%w: unknown class %d", ErrInvalidParameter, class)
	}
	pair.Offers.SeedID(id)
	pair.Bids.SeedID(id)
	return nil
}

// GrantListingOfficer grants the listing-officer capability for a class.
func (c *Controller) GrantListingOfficer(class classes.ID, addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.officers[class]
	if !ok {
		m = make(map[common.Address]bool)
		c.officers[class] = m
	}
	m[addr] = true
}

// GrantEnforcement grants the pause/unpause capability.
func (c *Controller) GrantEnforcement(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enforcers[addr] = true
}

// Custody exposes the custody ledger for funding and API reads.
func (c *Controller) Custody() *custody.Ledger { return c.custody }

// Events exposes the observable event log.
func (c *Controller) Events() *events.Log { return c.events }

// Classes exposes the class registry for API reads.
func (c *Controller) Classes() *classes.Registry { return c.classes }

// classState resolves a class and its book pair.
func (c *Controller) classState(id classes.ID) (*classes.Class, *book.Pair, error) {
	cls, ok := c.classes.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown class %d", ErrInvalidParameter, id)
	}
	pair, ok := c.books[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: class %d has no book", ErrInternal, id)
	}
	return cls, pair, nil
}

func (c *Controller) requireActive(cls *classes.Class) error {
	if cls.Status == classes.Paused {
		return fmt.Errorf("%w: class %d", ErrClassPaused, cls.ID)
	}
	return nil
}

func (c *Controller) requireOfficer(caller common.Address, class classes.ID) error {
	if !c.officers[class][caller] {
		return fmt.Errorf("%w: %s lacks listing-officer capability for class %d", ErrUnauthorized, caller.Hex(), class)
	}
	return nil
}

func (c *Controller) requireEnforcer(caller common.Address) error {
	if !c.enforcers[caller] {
		return fmt.Errorf("%w: %s lacks enforcement capability", ErrUnauthorized, caller.Hex())
	}
	return nil
}

func (c *Controller) requireApproved(caller common.Address, class classes.ID, proof []byte) error {
	if !c.identity.ApprovedParticipant(caller, class) {
		return fmt.Errorf("%w: %s is not an approved participant for class %d", ErrUnauthorized, caller.Hex(), class)
	}
	if c.verifyProof != nil && !c.verifyProof(caller, proof) {
		return fmt.Errorf("%w: funding proof rejected for %s", ErrUnauthorized, caller.Hex())
	}
	return nil
}

// validatePlacement checks amount, price and expiry against the class.
// A zero price is only legal for market kinds.
func (c *Controller) validatePlacement(cls *classes.Class, kind book.Kind, paid, price fixedpoint.Amount, expireHours int) (int64, error) {
	if err := cls.ValidateAmount(paid); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if kind.IsMarket() {
		if price != 0 {
			return 0, fmt.Errorf("%w: market order carries no limit price", ErrInvalidParameter)
		}
		return 0, nil
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: limit price must be positive", ErrInvalidParameter)
	}
	hours, err := cls.ValidateExpiry(expireHours)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return c.clock.Now().UnixMilli() + int64(hours)*3_600_000, nil
}

// newOrder builds an order with class weights copied at placement time.
func (c *Controller) newOrder(cls *classes.Class, pair *book.Pair, kind book.Kind, principal, groupRep common.Address, paid, price fixedpoint.Amount, expireAt int64) *book.Order {
	side := kind.Side()
	return &book.Order{
		ID:                 pair.Side(side).NextID(),
		Side:               side,
		Kind:               kind,
		Class:              cls.ID,
		Principal:          principal,
		GroupRep:           groupRep,
		RemainingPaid:      paid,
		LimitPrice:         price,
		VotingWeight:       cls.VotingWeight,
		DistributionWeight: cls.DistributionWeight,
		ExpireAt:           expireAt,
		PlacedAt:           c.clock.Now().UnixMilli(),
		Status:             book.Open,
	}
}

func (c *Controller) recordPlaced(o *book.Order) {
	c.events.Record(events.Event{
		At:            o.PlacedAt,
		Type:          events.OrderPlaced,
		Class:         o.Class,
		Side:          o.Side,
		Kind:          o.Kind.String(),
		Order:         o.ID,
		Principal:     o.Principal,
		RemainingPaid: o.RemainingPaid,
		Price:         o.LimitPrice,
	})
}

// submit drives the matching engine and audits every account the call
// touched. Engine errors are internal invariant failures and fatal.
func (c *Controller) submit(cls *classes.Class, pair *book.Pair, taker *book.Order) ([]match.Fill, error) {
	fills, err := c.engine.Submit(cls, pair, taker)
	if err != nil {
		c.log.Errorw("matching_aborted", "class", cls.ID, "order", taker.ID, "err", err)
		return fills, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	touched := []common.Address{taker.Principal}
	for _, f := range fills {
		touched = append(touched, f.Buyer, f.Seller)
	}
	if err := c.auditAccounts(touched); err != nil {
		return fills, err
	}
	c.log.Infow("order_processed",
		"class", cls.ID, "order", taker.ID, "kind", taker.Kind.String(),
		"fills", len(fills), "remaining", taker.RemainingPaid.String())
	return fills, nil
}

// PlaceInitialOffer lists freshly authorized units for sale. Requires the
// listing-officer capability and grows the class issued counter.
func (c *Controller) PlaceInitialOffer(caller common.Address, class classes.ID, paid, price fixedpoint.Amount, expireHours int) (book.OrderID, []match.Fill, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cls, pair, err := c.classState(class)
	if err != nil {
		return 0, nil, err
	}
	if err := c.requireActive(cls); err != nil {
		return 0, nil, err
	}
	if err := c.requireOfficer(caller, class); err != nil {
		return 0, nil, err
	}
	expireAt, err := c.validatePlacement(cls, book.InitialOffer, paid, price, expireHours)
	if err != nil {
		return 0, nil, err
	}
	if err := cls.Issue(paid); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	o := c.newOrder(cls, pair, book.InitialOffer, caller, common.Address{}, paid, price, expireAt)
	c.recordPlaced(o)
	fills, err := c.submit(cls, pair, o)
	return o.ID, fills, err
}

// PlaceSecondaryOffer lists units held in an existing lot. The caller must
// own the lot with enough clean units; the offered amount is locked until
// matched, withdrawn, or expired.
func (c *Controller) PlaceSecondaryOffer(caller common.Address, class classes.ID, lotID units.LotID, paid, price fixedpoint.Amount, expireHours int) (book.OrderID, []match.Fill, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cls, pair, err := c.classState(class)
	if err != nil {
		return 0, nil, err
	}
	if err := c.requireActive(cls); err != nil {
		return 0, nil, err
	}
	lot, err := c.sellableLot(caller, class, lotID)
	if err != nil {
		return 0, nil, err
	}
	expireAt, err := c.validatePlacement(cls, book.SecondaryOffer, paid, price, expireHours)
	if err != nil {
		return 0, nil, err
	}
	if err := c.custody.LockUnits(lot, paid); err != nil {
		return 0, nil, err
	}

	o := c.newOrder(cls, pair, book.SecondaryOffer, caller, common.Address{}, paid, price, expireAt)
	o.SourceLot = lotID
	c.recordPlaced(o)
	fills, err := c.submit(cls, pair, o)
	return o.ID, fills, err
}

// PlaceLimitBid escrows paid×price out of the buyer's free balance and
// submits the bid. groupRep optionally names a co-principal for pooled buys.
func (c *Controller) PlaceLimitBid(caller common.Address, class classes.ID, paid, price fixedpoint.Amount, expireHours int, groupRep common.Address, fundingProof []byte) (book.OrderID, []match.Fill, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cls, pair, err := c.classState(class)
	if err != nil {
		return 0, nil, err
	}
	if err := c.requireActive(cls); err != nil {
		return 0, nil, err
	}
	if err := c.requireApproved(caller, class, fundingProof); err != nil {
		return 0, nil, err
	}
	expireAt, err := c.validatePlacement(cls, book.LimitBid, paid, price, expireHours)
	if err != nil {
		return 0, nil, err
	}
	escrow, err := paid.Mul(price)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if err := c.custody.Escrow(caller, escrow); err != nil {
		return 0, nil, err
	}

	o := c.newOrder(cls, pair, book.LimitBid, caller, groupRep, paid, price, expireAt)
	o.EscrowedConsideration = escrow
	c.recordPlaced(o)
	fills, err := c.submit(cls, pair, o)
	return o.ID, fills, err
}

// PlaceMarketBid submits a bid with no limit price. Consideration is
// debited from the buyer's free balance per fill; an unfillable or
// underfunded remainder is refused, never rested.
func (c *Controller) PlaceMarketBid(caller common.Address, class classes.ID, paid fixedpoint.Amount, groupRep common.Address, fundingProof []byte) (book.OrderID, []match.Fill, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cls, pair, err := c.classState(class)
	if err != nil {
		return 0, nil, err
	}
	if err := c.requireActive(cls); err != nil {
		return 0, nil, err
	}
	if err := c.requireApproved(caller, class, fundingProof); err != nil {
		return 0, nil, err
	}
	if _, err := c.validatePlacement(cls, book.MarketBid, paid, 0, 0); err != nil {
		return 0, nil, err
	}

	o := c.newOrder(cls, pair, book.MarketBid, caller, groupRep, paid, 0, 0)
	c.recordPlaced(o)
	fills, err := c.submit(cls, pair, o)
	return o.ID, fills, err
}

// PlaceMarketOffer sells lot units at whatever the bid book pays. The
// offered amount is locked upfront; the unmatched remainder is unlocked
// before the call returns.
func (c *Controller) PlaceMarketOffer(caller common.Address, class classes.ID, lotID units.LotID, paid fixedpoint.Amount) (book.OrderID, []match.Fill, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cls, pair, err := c.classState(class)
	if err != nil {
		return 0, nil, err
	}
	if err := c.requireActive(cls); err != nil {
		return 0, nil, err
	}
	lot, err := c.sellableLot(caller, class, lotID)
	if err != nil {
		return 0, nil, err
	}
	if _, err := c.validatePlacement(cls, book.MarketOffer, paid, 0, 0); err != nil {
		return 0, nil, err
	}
	if err := c.custody.LockUnits(lot, paid); err != nil {
		return 0, nil, err
	}

	o := c.newOrder(cls, pair, book.MarketOffer, caller, common.Address{}, paid, 0, 0)
	o.SourceLot = lotID
	c.recordPlaced(o)
	fills, err := c.submit(cls, pair, o)
	return o.ID, fills, err
}

func (c *Controller) sellableLot(caller common.Address, class classes.ID, lotID units.LotID) (*units.Lot, error) {
	lot, ok := c.units.Lot(lotID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown lot %d", ErrInvalidParameter, lotID)
	}
	if lot.Class != class {
		return nil, fmt.Errorf("%w: lot %d belongs to class %d", ErrInvalidParameter, lotID, lot.Class)
	}
	if lot.Owner != caller {
		return nil, fmt.Errorf("%w: lot %d is not owned by %s", ErrUnauthorized, lotID, caller.Hex())
	}
	return lot, nil
}

// Withdraw removes the caller's resting order and releases exactly the
// resources it still held.
func (c *Controller) Withdraw(caller common.Address, class classes.ID, side book.Side, orderID book.OrderID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cls, pair, err := c.classState(class)
	if err != nil {
		return err
	}
	b := pair.Side(side)
	o := b.Get(orderID)
	if o == nil {
		return fmt.Errorf("%w: %s order %d in class %d", ErrOrderNotFound, side, orderID, class)
	}
	if o.Principal != caller {
		return fmt.Errorf("%w: order %d belongs to %s", ErrNotOrderOwner, orderID, o.Principal.Hex())
	}
	if o.ExpiredAt(c.clock.Now().UnixMilli()) {
		// expiry already owns this order's resources; the sweep releases them
		return fmt.Errorf("%w: order %d is past expiry", ErrExpired, orderID)
	}

	withdrawn, _ := b.Remove(orderID)
	escrow, unlocked, retired, err := c.engine.ReleaseResources(cls, &withdrawn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	withdrawn.Status = book.Withdrawn
	if err := c.engine.Archive(&withdrawn); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	c.events.Record(events.Event{
		At:             c.clock.Now().UnixMilli(),
		Type:           events.OrderWithdrawn,
		Class:          class,
		Side:           side,
		Kind:           withdrawn.Kind.String(),
		Order:          orderID,
		Principal:      caller,
		RemainingPaid:  withdrawn.RemainingPaid,
		EscrowReleased: escrow,
		UnitsUnlocked:  unlocked,
		IssueRetired:   retired,
	})
	if err := c.auditAccounts([]common.Address{caller}); err != nil {
		return err
	}
	c.log.Infow("order_withdrawn", "class", class, "order", orderID, "escrow_released", escrow.String())
	return nil
}

// Pause halts all placement and matching for the class. Requires the
// enforcement capability. Pausing a paused class is a no-op.
func (c *Controller) Pause(caller common.Address, class classes.ID) error {
	return c.setStatus(caller, class, classes.Paused, events.Paused)
}

// Unpause resumes trading for the class.
func (c *Controller) Unpause(caller common.Address, class classes.ID) error {
	return c.setStatus(caller, class, classes.Active, events.Unpaused)
}

func (c *Controller) setStatus(caller common.Address, class classes.ID, status classes.Status, evt events.Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cls, _, err := c.classState(class)
	if err != nil {
		return err
	}
	if err := c.requireEnforcer(caller); err != nil {
		return err
	}
	if cls.Status == status {
		return nil
	}
	cls.Status = status
	c.events.Record(events.Event{
		At:        c.clock.Now().UnixMilli(),
		Type:      evt,
		Class:     class,
		Principal: caller,
	})
	c.log.Infow("class_status_changed", "class", class, "status", status.String())
	return nil
}

// SweepExpired prunes every resting order of the class past its expiry,
// releasing its resources and emitting one Expired event per order.
// Running it twice with no new expirations produces no events the second
// time.
func (c *Controller) SweepExpired(class classes.ID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cls, pair, err := c.classState(class)
	if err != nil {
		return 0, err
	}
	now := c.clock.Now().UnixMilli()

	swept := 0
	for _, b := range []*book.Book{pair.Offers, pair.Bids} {
		var expired []book.OrderID
		for o := b.Best(); o != nil; o = b.After(o) {
			if o.ExpiredAt(now) {
				expired = append(expired, o.ID)
			}
		}
		for _, id := range expired {
			if err := c.engine.Expire(cls, b, id); err != nil {
				return swept, fmt.Errorf("%w: %v", ErrInternal, err)
			}
			swept++
		}
	}
	if swept > 0 {
		c.log.Infow("expired_orders_swept", "class", class, "count", swept)
	}
	return swept, nil
}

// BestPrice returns the best matchable price on one side of the class's
// book, skipping orders past expiry that have not been swept yet.
func (c *Controller) BestPrice(class classes.ID, side book.Side) (fixedpoint.Amount, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, pair, err := c.classState(class)
	if err != nil {
		return 0, false, err
	}
	now := c.clock.Now().UnixMilli()
	b := pair.Side(side)
	for o := b.Best(); o != nil; o = b.After(o) {
		if !o.ExpiredAt(now) {
			return o.LimitPrice, true, nil
		}
	}
	return 0, false, nil
}

// OrderByID returns a copy of one resting order.
func (c *Controller) OrderByID(class classes.ID, side book.Side, id book.OrderID) (book.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, pair, err := c.classState(class)
	if err != nil {
		return book.Order{}, err
	}
	o := pair.Side(side).Get(id)
	if o == nil {
		return book.Order{}, fmt.Errorf("%w: %s order %d in class %d", ErrOrderNotFound, side, id, class)
	}
	return *o, nil
}

// OpenOrders returns copies of all resting orders on one side, best first.
func (c *Controller) OpenOrders(class classes.ID, side book.Side) ([]book.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, pair, err := c.classState(class)
	if err != nil {
		return nil, err
	}
	return pair.Side(side).Orders(), nil
}

// auditAccounts verifies the custody invariant for each touched account:
// escrowed custody must equal the escrow across its open bids, over all
// classes. A mismatch aborts the call as an unrecoverable internal error.
func (c *Controller) auditAccounts(addrs []common.Address) error {
	seen := make(map[common.Address]bool, len(addrs))
	for _, addr := range addrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true

		var open fixedpoint.Consideration
		for _, pair := range c.books {
			for o := pair.Bids.Best(); o != nil; o = pair.Bids.After(o) {
				if o.Principal != addr {
					continue
				}
				sum, err := open.Add(o.EscrowedConsideration)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrInternal, err)
				}
				open = sum
			}
		}
		if err := c.custody.Audit(addr, open); err != nil {
			c.log.Errorw("custody_invariant_violated", "account", addr.Hex(), "err", err)
			return err
		}
	}
	return nil
}

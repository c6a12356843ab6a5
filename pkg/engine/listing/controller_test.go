package listing

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/engine/book"
	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/custody"
	"github.com/clearlot/unitbook/pkg/engine/events"
	"github.com/clearlot/unitbook/pkg/engine/units"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
	"github.com/clearlot/unitbook/pkg/identity"
	"github.com/clearlot/unitbook/pkg/util"
)

var (
	officer  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	enforcer = common.HexToAddress("0x2222222222222222222222222222222222222222")
	alice    = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob      = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	mallory  = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
)

const classA classes.ID = 1

func amt(t *testing.T, s string) fixedpoint.Amount {
	t.Helper()
	a, err := fixedpoint.ParseAmount(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func cons(t *testing.T, s string) fixedpoint.Consideration {
	t.Helper()
	c, err := fixedpoint.ParseConsideration(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return c
}

type harness struct {
	*Controller
	clock *util.ManualClock
	units *units.LedgerRegistry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	reg := units.NewLedgerRegistry()
	ident := identity.NewStaticRegistry()
	ident.Approve(alice)
	ident.Approve(bob)

	c := NewController(Deps{
		Classes:  classes.NewRegistry(),
		Custody:  custody.NewLedger(),
		Units:    reg,
		Events:   events.NewLog(),
		Identity: ident,
		Clock:    clock,
	})

	cls, err := classes.New(classA, "UNIT-A", classes.DefaultParams(amt(t, "100000")))
	if err != nil {
		t.Fatalf("new class: %v", err)
	}
	if err := c.RegisterClass(cls); err != nil {
		t.Fatalf("register class: %v", err)
	}
	c.GrantListingOfficer(classA, officer)
	c.GrantEnforcement(enforcer)
	return &harness{Controller: c, clock: clock, units: reg}
}

func (h *harness) deposit(t *testing.T, addr common.Address, c fixedpoint.Consideration) {
	t.Helper()
	if err := h.Custody().Deposit(addr, c); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestPlaceInitialOfferRequiresOfficer(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.PlaceInitialOffer(mallory, classA, amt(t, "100"), amt(t, "3.6"), 0)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "100"), amt(t, "3.6"), 0); err != nil {
		t.Fatalf("officer placement: %v", err)
	}
}

func TestPlaceInitialOfferBoundedByAuthorized(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "100000"), amt(t, "3.6"), 0); err != nil {
		t.Fatalf("full issuance: %v", err)
	}
	_, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "1"), amt(t, "3.6"), 0)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("over-issue err = %v, want ErrInvalidParameter", err)
	}
}

func TestLimitBidLifecycle(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "100"), amt(t, "3.6"), 0); err != nil {
		t.Fatalf("offer: %v", err)
	}
	h.deposit(t, alice, cons(t, "296"))

	_, fills, err := h.PlaceLimitBid(alice, classA, amt(t, "80"), amt(t, "3.7"), 0, common.Address{}, nil)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if len(fills) != 1 || fills[0].Consideration != cons(t, "288") || fills[0].Refund != cons(t, "8") {
		t.Fatalf("fills = %+v, want one 288 fill with 8 refund", fills)
	}
	b := h.Custody().Balance(alice)
	if b.Free != cons(t, "8") || b.Escrowed != 0 {
		t.Errorf("alice balance = %+v, want free 8", b)
	}
	lots := h.units.LotsOf(alice)
	if len(lots) != 1 || lots[0].Paid != amt(t, "80") {
		t.Fatalf("alice lots = %+v, want one 80-unit lot", lots)
	}
}

func TestLimitBidInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, cons(t, "10"))
	_, _, err := h.PlaceLimitBid(alice, classA, amt(t, "80"), amt(t, "3.7"), 0, common.Address{}, nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	b := h.Custody().Balance(alice)
	if b.Free != cons(t, "10") || b.Escrowed != 0 {
		t.Errorf("failed bid mutated balance: %+v", b)
	}
}

func TestBidRequiresApprovedParticipant(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, mallory, cons(t, "1000"))
	_, _, err := h.PlaceLimitBid(mallory, classA, amt(t, "80"), amt(t, "3.7"), 0, common.Address{}, nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized for unapproved buyer", err)
	}
}

func TestSecondaryOfferOwnershipChecks(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "600"), amt(t, "3.0"), 0); err != nil {
		t.Fatalf("offer: %v", err)
	}
	h.deposit(t, bob, cons(t, "1800"))
	if _, _, err := h.PlaceLimitBid(bob, classA, amt(t, "600"), amt(t, "3.0"), 0, common.Address{}, nil); err != nil {
		t.Fatalf("bid: %v", err)
	}
	lots := h.units.LotsOf(bob)
	if len(lots) != 1 {
		t.Fatalf("bob lots = %d, want 1", len(lots))
	}
	lotID := lots[0].ID

	// Not the owner.
	_, _, err := h.PlaceSecondaryOffer(alice, classA, lotID, amt(t, "10"), amt(t, "3.2"), 0)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign lot err = %v, want ErrUnauthorized", err)
	}
	// More than the lot holds.
	_, _, err = h.PlaceSecondaryOffer(bob, classA, lotID, amt(t, "700"), amt(t, "3.2"), 0)
	if !errors.Is(err, ErrInsufficientUnits) {
		t.Fatalf("oversize err = %v, want ErrInsufficientUnits", err)
	}

	if _, _, err := h.PlaceSecondaryOffer(bob, classA, lotID, amt(t, "10"), amt(t, "3.2"), 0); err != nil {
		t.Fatalf("secondary offer: %v", err)
	}
	lot, _ := h.units.Lot(lotID)
	if lot.CleanPaid != amt(t, "590") {
		t.Errorf("cleanPaid = %s, want 590 while 10 rest on the book", lot.CleanPaid)
	}
}

func TestWithdrawRestoresResources(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, cons(t, "296"))
	id, fills, err := h.PlaceLimitBid(alice, classA, amt(t, "80"), amt(t, "3.7"), 0, common.Address{}, nil)
	if err != nil || len(fills) != 0 {
		t.Fatalf("bid = (%v, %d fills), want resting", err, len(fills))
	}
	if h.Custody().Balance(alice).Escrowed != cons(t, "296") {
		t.Fatal("escrow not taken")
	}

	if err := h.Withdraw(bob, classA, book.Bid, id); !errors.Is(err, ErrNotOrderOwner) {
		t.Fatalf("foreign withdraw err = %v, want ErrNotOrderOwner", err)
	}
	if err := h.Withdraw(alice, classA, book.Bid, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	b := h.Custody().Balance(alice)
	if b.Free != cons(t, "296") || b.Escrowed != 0 {
		t.Errorf("balance after withdraw = %+v, want all free", b)
	}
	if err := h.Withdraw(alice, classA, book.Bid, id); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("double withdraw err = %v, want ErrOrderNotFound", err)
	}
}

func TestWithdrawInitialOfferRetiresIssue(t *testing.T) {
	h := newHarness(t)
	id, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "100"), amt(t, "3.6"), 0)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	cls, _ := h.Classes().Get(classA)
	if cls.Issued != amt(t, "100") {
		t.Fatalf("issued = %s, want 100", cls.Issued)
	}
	if err := h.Withdraw(officer, classA, book.Offer, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if cls.Issued != 0 {
		t.Errorf("issued after withdraw = %s, want 0", cls.Issued)
	}
}

func TestWithdrawPastExpiryRefused(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, cons(t, "296"))
	id, _, err := h.PlaceLimitBid(alice, classA, amt(t, "80"), amt(t, "3.7"), 24, common.Address{}, nil)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	h.clock.Advance(25 * time.Hour)
	if err := h.Withdraw(alice, classA, book.Bid, id); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	// The sweep, not the withdraw, releases the escrow.
	n, err := h.SweepExpired(classA)
	if err != nil || n != 1 {
		t.Fatalf("sweep = (%d, %v), want 1", n, err)
	}
	b := h.Custody().Balance(alice)
	if b.Free != cons(t, "296") || b.Escrowed != 0 {
		t.Errorf("balance after sweep = %+v, want all free", b)
	}
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "100"), amt(t, "3.6"), 24); err != nil {
		t.Fatalf("offer: %v", err)
	}
	h.deposit(t, alice, cons(t, "100"))
	if _, _, err := h.PlaceLimitBid(alice, classA, amt(t, "50"), amt(t, "2.0"), 48, common.Address{}, nil); err != nil {
		t.Fatalf("bid: %v", err)
	}

	h.clock.Advance(25 * time.Hour)
	n, err := h.SweepExpired(classA)
	if err != nil || n != 1 {
		t.Fatalf("first sweep = (%d, %v), want only the offer", n, err)
	}
	before := h.Events().Len()
	n, err = h.SweepExpired(classA)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = (%d, %v), want 0", n, err)
	}
	if h.Events().Len() != before {
		t.Error("idempotent sweep emitted events")
	}
}

func TestPauseBlocksPlacementAndMatching(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "100"), amt(t, "3.6"), 0); err != nil {
		t.Fatalf("offer: %v", err)
	}

	if err := h.Pause(mallory, classA); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pause by stranger = %v, want ErrUnauthorized", err)
	}
	if err := h.Pause(enforcer, classA); err != nil {
		t.Fatalf("pause: %v", err)
	}

	h.deposit(t, alice, cons(t, "296"))
	if _, _, err := h.PlaceLimitBid(alice, classA, amt(t, "80"), amt(t, "3.7"), 0, common.Address{}, nil); !errors.Is(err, ErrClassPaused) {
		t.Fatalf("bid while paused = %v, want ErrClassPaused", err)
	}
	// Withdraw stays available while paused.
	orders, err := h.OpenOrders(classA, book.Offer)
	if err != nil || len(orders) != 1 {
		t.Fatalf("open orders = (%d, %v)", len(orders), err)
	}
	if err := h.Withdraw(officer, classA, book.Offer, orders[0].ID); err != nil {
		t.Fatalf("withdraw while paused: %v", err)
	}

	// Repeated pause is a no-op; unpause re-enables placement.
	before := h.Events().Len()
	if err := h.Pause(enforcer, classA); err != nil {
		t.Fatalf("re-pause: %v", err)
	}
	if h.Events().Len() != before {
		t.Error("no-op pause emitted an event")
	}
	if err := h.Unpause(enforcer, classA); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "10"), amt(t, "3.6"), 0); err != nil {
		t.Fatalf("placement after unpause: %v", err)
	}
}

func TestBestPriceSkipsExpired(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "100"), amt(t, "3.6"), 24); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "100"), amt(t, "3.8"), 168); err != nil {
		t.Fatalf("offer: %v", err)
	}

	p, ok, err := h.BestPrice(classA, book.Offer)
	if err != nil || !ok || p != amt(t, "3.6") {
		t.Fatalf("best = (%s, %v, %v), want 3.6", p, ok, err)
	}
	h.clock.Advance(25 * time.Hour)
	p, ok, err = h.BestPrice(classA, book.Offer)
	if err != nil || !ok || p != amt(t, "3.8") {
		t.Fatalf("best after expiry = (%s, %v, %v), want 3.8", p, ok, err)
	}
	_, ok, err = h.BestPrice(classA, book.Bid)
	if err != nil || ok {
		t.Fatalf("empty bid side = (%v, %v), want no price", ok, err)
	}
}

func TestMarketBidNeverRests(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, cons(t, "1000"))
	id, fills, err := h.PlaceMarketBid(alice, classA, amt(t, "50"), common.Address{}, nil)
	if err != nil {
		t.Fatalf("market bid on empty book: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("fills = %d, want 0", len(fills))
	}
	if _, err := h.OrderByID(classA, book.Bid, id); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("market bid rested: %v", err)
	}
	b := h.Custody().Balance(alice)
	if b.Free != cons(t, "1000") || b.Escrowed != 0 {
		t.Errorf("balance = %+v, want untouched", b)
	}
}

func TestMarketOfferRejectsPrice(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.PlaceInitialOffer(officer, classA, amt(t, "100"), amt(t, "3.0"), 0); err != nil {
		t.Fatalf("offer: %v", err)
	}
	h.deposit(t, bob, cons(t, "300"))
	if _, _, err := h.PlaceLimitBid(bob, classA, amt(t, "100"), amt(t, "3.0"), 0, common.Address{}, nil); err != nil {
		t.Fatalf("bid: %v", err)
	}
	lotID := h.units.LotsOf(bob)[0].ID

	h.deposit(t, alice, cons(t, "50"))
	if _, _, err := h.PlaceLimitBid(alice, classA, amt(t, "10"), amt(t, "2.5"), 0, common.Address{}, nil); err != nil {
		t.Fatalf("resting bid: %v", err)
	}

	_, fills, err := h.PlaceMarketOffer(bob, classA, lotID, amt(t, "30"))
	if err != nil {
		t.Fatalf("market offer: %v", err)
	}
	if len(fills) != 1 || fills[0].Price != amt(t, "2.5") || fills[0].MatchedPaid != amt(t, "10") {
		t.Fatalf("fills = %+v, want 10 at the bid's 2.5", fills)
	}
	lot, _ := h.units.Lot(lotID)
	if lot.Paid != amt(t, "90") || lot.CleanPaid != amt(t, "90") {
		t.Errorf("lot = %+v, want remainder unlocked to 90 clean", lot)
	}
}

package match

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/engine/book"
	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/custody"
	"github.com/clearlot/unitbook/pkg/engine/events"
	"github.com/clearlot/unitbook/pkg/engine/units"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
	"github.com/clearlot/unitbook/pkg/util"
)

var (
	issuer = common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob    = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func amt(t *testing.T, s string) fixedpoint.Amount {
	t.Helper()
	a, err := fixedpoint.ParseAmount(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return a
}

func cons(t *testing.T, s string) fixedpoint.Consideration {
	t.Helper()
	c, err := fixedpoint.ParseConsideration(s)
	if err != nil {
		t.Fatalf("parse consideration %q: %v", s, err)
	}
	return c
}

type fixture struct {
	cls     *classes.Class
	pair    *book.Pair
	custody *custody.Ledger
	units   *units.LedgerRegistry
	events  *events.Log
	clock   *util.ManualClock
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cls, err := classes.New(1, "UNIT-A", classes.DefaultParams(amt(t, "1000000")))
	if err != nil {
		t.Fatalf("new class: %v", err)
	}
	f := &fixture{
		cls:     cls,
		pair:    book.NewPair(),
		custody: custody.NewLedger(),
		units:   units.NewLedgerRegistry(),
		events:  events.NewLog(),
		clock:   util.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	f.engine = New(f.custody, f.units, f.events, nil, f.clock, nil)
	return f
}

// restInitialOffer issues and rests an initial offer at the given price.
func (f *fixture) restInitialOffer(t *testing.T, paid, price fixedpoint.Amount) *book.Order {
	t.Helper()
	if err := f.cls.Issue(paid); err != nil {
		t.Fatalf("issue: %v", err)
	}
	o := &book.Order{
		ID:            f.pair.Offers.NextID(),
		Side:          book.Offer,
		Kind:          book.InitialOffer,
		Class:         f.cls.ID,
		Principal:     issuer,
		RemainingPaid: paid,
		LimitPrice:    price,
		ExpireAt:      f.clock.Now().Add(24 * time.Hour).UnixMilli(),
		PlacedAt:      f.clock.Now().UnixMilli(),
	}
	fills, err := f.engine.Submit(f.cls, f.pair, o)
	if err != nil {
		t.Fatalf("rest offer: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("offer at %s filled against empty bids: %d fills", price, len(fills))
	}
	return o
}

// fundedBid deposits and escrows for a limit bid, then submits it.
func (f *fixture) fundedBid(t *testing.T, buyer common.Address, paid, price fixedpoint.Amount) (*book.Order, []Fill) {
	t.Helper()
	escrow, err := paid.Mul(price)
	if err != nil {
		t.Fatalf("escrow size: %v", err)
	}
	if err := f.custody.Deposit(buyer, escrow); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.custody.Escrow(buyer, escrow); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	o := &book.Order{
		ID:                    f.pair.Bids.NextID(),
		Side:                  book.Bid,
		Kind:                  book.LimitBid,
		Class:                 f.cls.ID,
		Principal:             buyer,
		RemainingPaid:         paid,
		LimitPrice:            price,
		EscrowedConsideration: escrow,
		ExpireAt:              f.clock.Now().Add(24 * time.Hour).UnixMilli(),
		PlacedAt:              f.clock.Now().UnixMilli(),
	}
	fills, err := f.engine.Submit(f.cls, f.pair, o)
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	return o, fills
}

func TestLimitBidFillsAtMakerPriceWithRefund(t *testing.T) {
	f := newFixture(t)
	f.restInitialOffer(t, amt(t, "100"), amt(t, "3.6"))
	f.restInitialOffer(t, amt(t, "100"), amt(t, "3.8"))
	f.restInitialOffer(t, amt(t, "100"), amt(t, "4.0"))

	bid, fills := f.fundedBid(t, alice, amt(t, "80"), amt(t, "3.7"))

	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	fill := fills[0]
	if fill.Price != amt(t, "3.6") {
		t.Errorf("fill price = %s, want maker price 3.6", fill.Price)
	}
	if fill.MatchedPaid != amt(t, "80") {
		t.Errorf("matched = %s, want 80", fill.MatchedPaid)
	}
	if fill.Consideration != cons(t, "288") {
		t.Errorf("consideration = %s, want 288", fill.Consideration)
	}
	if fill.Refund != cons(t, "8") {
		t.Errorf("refund = %s, want 8 price improvement", fill.Refund)
	}
	if bid.RemainingPaid != 0 {
		t.Errorf("bid remainder = %s, want 0", bid.RemainingPaid)
	}
	if bid.EscrowedConsideration != 0 {
		t.Errorf("bid escrow left = %s, want 0", bid.EscrowedConsideration)
	}

	// Escrow was 296: 288 moved to the seller, 8 came back free.
	ab := f.custody.Balance(alice)
	if ab.Escrowed != 0 || ab.Free != cons(t, "8") {
		t.Errorf("alice balance = %+v, want free 8, escrowed 0", ab)
	}
	ib := f.custody.Balance(issuer)
	if ib.Free != cons(t, "288") {
		t.Errorf("issuer free = %s, want 288", ib.Free)
	}

	// Best offer moves to the next price level; 3.6 is exhausted to 20.
	best := f.pair.Offers.Best()
	if best == nil || best.LimitPrice != amt(t, "3.6") || best.RemainingPaid != amt(t, "20") {
		t.Fatalf("best offer after fill = %+v, want 20 left at 3.6", best)
	}

	lots := f.units.LotsOf(alice)
	if len(lots) != 1 {
		t.Fatalf("alice lots = %d, want 1", len(lots))
	}
	if lots[0].Paid != amt(t, "80") || lots[0].Price != amt(t, "3.6") {
		t.Errorf("minted lot = %+v, want 80 paid at 3.6", lots[0])
	}
}

func TestBidSweepsMultiplePriceLevels(t *testing.T) {
	f := newFixture(t)
	f.restInitialOffer(t, amt(t, "100"), amt(t, "3.6"))
	f.restInitialOffer(t, amt(t, "100"), amt(t, "3.8"))

	bid, fills := f.fundedBid(t, alice, amt(t, "150"), amt(t, "3.8"))

	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].Price != amt(t, "3.6") || fills[0].MatchedPaid != amt(t, "100") {
		t.Errorf("first fill = %+v, want 100 at 3.6", fills[0])
	}
	if fills[1].Price != amt(t, "3.8") || fills[1].MatchedPaid != amt(t, "50") {
		t.Errorf("second fill = %+v, want 50 at 3.8", fills[1])
	}
	if bid.RemainingPaid != 0 {
		t.Errorf("bid remainder = %s, want 0", bid.RemainingPaid)
	}
	// 100 at 3.6 fills against escrow sliced at 3.8: 20 refunded.
	if fills[0].Refund != cons(t, "20") {
		t.Errorf("first fill refund = %s, want 20", fills[0].Refund)
	}
	if fills[1].Refund != 0 {
		t.Errorf("second fill refund = %s, want 0", fills[1].Refund)
	}
	// The 3.6 offer is exhausted and removed.
	best := f.pair.Offers.Best()
	if best == nil || best.LimitPrice != amt(t, "3.8") {
		t.Fatalf("best offer = %+v, want 50 left at 3.8", best)
	}
}

func TestUnmatchedBidRestsWithEscrowIntact(t *testing.T) {
	f := newFixture(t)
	f.restInitialOffer(t, amt(t, "100"), amt(t, "4.0"))

	bid, fills := f.fundedBid(t, alice, amt(t, "80"), amt(t, "3.5"))

	if len(fills) != 0 {
		t.Fatalf("fills = %d, want 0 for non-crossing bid", len(fills))
	}
	rested := f.pair.Bids.Get(bid.ID)
	if rested == nil {
		t.Fatal("bid did not rest")
	}
	if rested.EscrowedConsideration != cons(t, "280") {
		t.Errorf("resting escrow = %s, want 280", rested.EscrowedConsideration)
	}
	b := f.custody.Balance(alice)
	if b.Escrowed != cons(t, "280") {
		t.Errorf("alice escrowed = %s, want 280", b.Escrowed)
	}
}

func TestMarketBidStopsWhenUnderfunded(t *testing.T) {
	f := newFixture(t)
	f.restInitialOffer(t, amt(t, "100"), amt(t, "3.6"))
	f.restInitialOffer(t, amt(t, "100"), amt(t, "3.8"))

	// Enough for the first level plus half of the second.
	if err := f.custody.Deposit(alice, cons(t, "550")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	o := &book.Order{
		ID:            f.pair.Bids.NextID(),
		Side:          book.Bid,
		Kind:          book.MarketBid,
		Class:         f.cls.ID,
		Principal:     alice,
		RemainingPaid: amt(t, "200"),
	}
	fills, err := f.engine.Submit(f.cls, f.pair, o)
	if err != nil {
		t.Fatalf("submit market bid: %v", err)
	}

	// 100 at 3.6 costs 360; the second level needs another 380 and only
	// 190 remains, so the second fill is refused outright.
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1 (second fill unfundable)", len(fills))
	}
	if fills[0].Consideration != cons(t, "360") {
		t.Errorf("consideration = %s, want 360", fills[0].Consideration)
	}
	b := f.custody.Balance(alice)
	if b.Free != cons(t, "190") || b.Escrowed != 0 {
		t.Errorf("alice balance = %+v, want free 190", b)
	}
	if f.pair.Bids.Get(o.ID) != nil {
		t.Error("market bid remainder rested in the book")
	}
	// Maker at 3.8 is untouched.
	var second *book.Order
	for m := f.pair.Offers.Best(); m != nil; m = f.pair.Offers.After(m) {
		if m.LimitPrice == amt(t, "3.8") {
			second = m
		}
	}
	if second == nil || second.RemainingPaid != amt(t, "100") {
		t.Fatalf("second maker = %+v, want untouched 100", second)
	}
}

func TestExpiredMakerPrunedDuringMatch(t *testing.T) {
	f := newFixture(t)
	stale := f.restInitialOffer(t, amt(t, "100"), amt(t, "3.5"))
	f.restInitialOffer(t, amt(t, "100"), amt(t, "3.6"))

	f.clock.Advance(25 * time.Hour)
	// Re-arm the second maker so only the first is past expiry.
	fresh := f.pair.Offers.Get(stale.ID + 1)
	if fresh == nil {
		t.Fatal("missing second maker")
	}
	fresh.ExpireAt = f.clock.Now().Add(time.Hour).UnixMilli()

	issuedBefore := f.cls.Issued
	_, fills := f.fundedBid(t, alice, amt(t, "50"), amt(t, "3.6"))

	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].MakerOrder != fresh.ID || fills[0].Price != amt(t, "3.6") {
		t.Errorf("fill = %+v, want against the fresh maker at 3.6", fills[0])
	}
	if f.pair.Offers.Get(stale.ID) != nil {
		t.Error("expired maker still resting")
	}
	// Expiring the initial offer retires its unsold issuance.
	if got, want := f.cls.Issued, issuedBefore-amt(t, "100"); got != want {
		t.Errorf("issued after prune = %s, want %s", got, want)
	}
	var sawExpired bool
	for _, e := range f.events.Events() {
		if e.Type == events.OrderExpired && e.Order == stale.ID {
			sawExpired = true
			if e.IssueRetired != amt(t, "100") {
				t.Errorf("expired event retired = %s, want 100", e.IssueRetired)
			}
		}
	}
	if !sawExpired {
		t.Error("no OrderExpired event for the pruned maker")
	}
}

func TestSecondaryOfferTransfersLotRemainder(t *testing.T) {
	f := newFixture(t)

	// Bob holds a lot bought earlier at 3.0.
	if err := f.cls.Issue(amt(t, "600")); err != nil {
		t.Fatalf("issue: %v", err)
	}
	lotID, err := f.units.MintLot(f.cls.ID, bob, amt(t, "600"), amt(t, "3.0"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	lot, _ := f.units.Lot(lotID)
	if err := f.custody.LockUnits(lot, amt(t, "10")); err != nil {
		t.Fatalf("lock: %v", err)
	}

	offer := &book.Order{
		ID:            f.pair.Offers.NextID(),
		Side:          book.Offer,
		Kind:          book.SecondaryOffer,
		Class:         f.cls.ID,
		Principal:     bob,
		SourceLot:     lotID,
		RemainingPaid: amt(t, "10"),
		LimitPrice:    amt(t, "3.2"),
		ExpireAt:      f.clock.Now().Add(24 * time.Hour).UnixMilli(),
	}
	if _, err := f.engine.Submit(f.cls, f.pair, offer); err != nil {
		t.Fatalf("rest secondary offer: %v", err)
	}

	_, fills := f.fundedBid(t, alice, amt(t, "10"), amt(t, "3.2"))
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}

	// Bob's lot shrinks by the sold amount and unlocks alongside.
	lot, _ = f.units.Lot(lotID)
	if lot.Paid != amt(t, "590") || lot.CleanPaid != amt(t, "590") {
		t.Errorf("source lot = %+v, want 590 paid all clean", lot)
	}
	// Alice's new lot carries the source lot's price basis.
	got, ok := f.units.Lot(fills[0].Lot)
	if !ok {
		t.Fatal("buyer lot missing")
	}
	if got.Owner != alice || got.Paid != amt(t, "10") || got.Price != amt(t, "3.0") {
		t.Errorf("buyer lot = %+v, want 10 at basis 3.0", got)
	}
	if f.custody.Balance(bob).Free != cons(t, "32") {
		t.Errorf("bob free = %s, want 32", f.custody.Balance(bob).Free)
	}
}

func TestMarketOfferRemainderUnlocked(t *testing.T) {
	f := newFixture(t)

	if err := f.cls.Issue(amt(t, "100")); err != nil {
		t.Fatalf("issue: %v", err)
	}
	lotID, err := f.units.MintLot(f.cls.ID, bob, amt(t, "100"), amt(t, "3.0"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	lot, _ := f.units.Lot(lotID)
	if err := f.custody.LockUnits(lot, amt(t, "80")); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// One bid for 30 at 3.1; the remaining 50 has no counterparty.
	bid, _ := f.fundedBid(t, alice, amt(t, "30"), amt(t, "3.1"))
	if f.pair.Bids.Get(bid.ID) == nil {
		t.Fatal("bid should rest against empty offers")
	}

	o := &book.Order{
		ID:            f.pair.Offers.NextID(),
		Side:          book.Offer,
		Kind:          book.MarketOffer,
		Class:         f.cls.ID,
		Principal:     bob,
		SourceLot:     lotID,
		RemainingPaid: amt(t, "80"),
	}
	fills, err := f.engine.Submit(f.cls, f.pair, o)
	if err != nil {
		t.Fatalf("submit market offer: %v", err)
	}
	if len(fills) != 1 || fills[0].MatchedPaid != amt(t, "30") || fills[0].Price != amt(t, "3.1") {
		t.Fatalf("fills = %+v, want one 30 at the bid's 3.1", fills)
	}
	if f.pair.Offers.Get(o.ID) != nil {
		t.Error("market offer remainder rested in the book")
	}
	lot, _ = f.units.Lot(lotID)
	// 30 sold, 50 unlocked back: 70 left and fully clean.
	if lot.Paid != amt(t, "70") || lot.CleanPaid != amt(t, "70") {
		t.Errorf("lot after market offer = %+v, want 70 all clean", lot)
	}
}

func TestPriceTimePriorityAtEqualPrice(t *testing.T) {
	f := newFixture(t)
	first := f.restInitialOffer(t, amt(t, "40"), amt(t, "3.6"))
	second := f.restInitialOffer(t, amt(t, "40"), amt(t, "3.6"))

	_, fills := f.fundedBid(t, alice, amt(t, "60"), amt(t, "3.6"))
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].MakerOrder != first.ID || fills[0].MatchedPaid != amt(t, "40") {
		t.Errorf("first fill hit order %d for %s, want full %d", fills[0].MakerOrder, fills[0].MatchedPaid, first.ID)
	}
	if fills[1].MakerOrder != second.ID || fills[1].MatchedPaid != amt(t, "20") {
		t.Errorf("second fill hit order %d for %s, want partial %d", fills[1].MakerOrder, fills[1].MatchedPaid, second.ID)
	}
}

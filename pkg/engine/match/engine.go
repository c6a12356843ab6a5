// Package match implements the matching algorithm: an incoming order walks
// the opposite book in price-time priority, producing fills at the maker's
// price, settling funds and units per fill, and leaving any non-market
// remainder resting in its own book.
package match

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/clearlot/unitbook/pkg/engine/book"
	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/custody"
	"github.com/clearlot/unitbook/pkg/engine/events"
	"github.com/clearlot/unitbook/pkg/engine/units"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
	"github.com/clearlot/unitbook/pkg/util"
)

// Fill records one matching step. It exists only during the processing of
// one incoming order and is fully settled before Submit returns.
type Fill struct {
	Class      classes.ID
	TakerOrder book.OrderID
	MakerOrder book.OrderID
	TakerSide  book.Side

	Buyer  common.Address
	Seller common.Address

	MatchedPaid   fixedpoint.Amount
	Price         fixedpoint.Amount
	Consideration fixedpoint.Consideration
	// Refund is the price-improvement escrow released back to the buyer.
	Refund fixedpoint.Consideration
	// Lot realized to the buyer for this fill.
	Lot units.LotID
}

// OrderStore persists order lifecycle state: resting orders are mirrored
// so a restarted node can rebuild its books alongside the balances and
// lots they encumber, and terminal orders are archived for audit. A nil
// store keeps everything in memory.
type OrderStore interface {
	SaveOpen(o *book.Order) error
	DeleteOpen(class classes.ID, side book.Side, id book.OrderID) error
	Archive(o *book.Order) error
}

// Engine drives matching and per-fill settlement. It mutates books, the
// custody ledger, and the unit registry; all calls are serialized by the
// listing controller.
type Engine struct {
	custody *custody.Ledger
	units   units.Registry
	events  *events.Log
	store   OrderStore
	clock   util.Clock
	log     *zap.SugaredLogger
}

// New creates a matching engine. store may be nil.
func New(cl *custody.Ledger, reg units.Registry, log *events.Log, store OrderStore, clock util.Clock, zl *zap.SugaredLogger) *Engine {
	if zl == nil {
		zl = zap.NewNop().Sugar()
	}
	return &Engine{custody: cl, units: reg, events: log, store: store, clock: clock, log: zl}
}

// Submit matches taker against the opposite book of pair. The taker's
// escrow or unit locks must already be in place. On return every emitted
// fill is fully settled; a non-market remainder rests in the book, a
// market remainder has had its resources handed back.
//
// The returned error is only non-nil for internal accounting violations;
// those are fatal per the custody contract and the call must be abandoned.
func (e *Engine) Submit(cls *classes.Class, pair *book.Pair, taker *book.Order) ([]Fill, error) {
	now := e.clock.Now().UnixMilli()
	opp := pair.Opposite(taker.Side)

	var fills []Fill
	for taker.RemainingPaid > 0 {
		maker := opp.Best()
		if maker == nil {
			break
		}
		if maker.ExpiredAt(now) {
			// Resting orders past expiry are unmatchable; prune in passing.
			if err := e.Expire(cls, opp, maker.ID); err != nil {
				return fills, err
			}
			continue
		}
		if !crosses(taker, maker) {
			break
		}

		matched := taker.RemainingPaid
		if maker.RemainingPaid < matched {
			matched = maker.RemainingPaid
		}
		price := maker.LimitPrice // maker-price rule
		consideration, err := matched.Mul(price)
		if err != nil {
			return fills, fmt.Errorf("match: consideration for %s at %s: %w", matched, price, err)
		}

		bid, offer := taker, maker
		if taker.Side == book.Offer {
			bid, offer = maker, taker
		}

		// A market bid pays per fill from its free balance. If the next
		// fill can no longer be funded, stop before touching any state:
		// completed fills stand, the remainder is refused.
		if bid.Kind == book.MarketBid && !e.custody.CanPay(bid.Principal, consideration) {
			e.log.Infow("market_bid_underfunded",
				"class", cls.ID, "order", bid.ID, "needed", consideration.String())
			break
		}

		fill, err := e.settleFill(cls, bid, offer, matched, price, consideration)
		if err != nil {
			return fills, err
		}
		fill.TakerOrder = taker.ID
		fill.MakerOrder = maker.ID
		fill.TakerSide = taker.Side
		fills = append(fills, fill)

		taker.RemainingPaid -= matched
		maker.RemainingPaid -= matched

		e.events.Record(events.Event{
			At:            now,
			Type:          events.DealClosed,
			Class:         cls.ID,
			Side:          taker.Side,
			Kind:          taker.Kind.String(),
			Order:         taker.ID,
			MakerOrder:    maker.ID,
			Principal:     fill.Buyer,
			Counterparty:  fill.Seller,
			MatchedPaid:   matched,
			Price:         price,
			Consideration: consideration,
			Refund:        fill.Refund,
			Lot:           fill.Lot,
		})

		if maker.RemainingPaid == 0 {
			closed, _ := opp.Remove(maker.ID)
			closed.Status = book.Closed
			if err := e.archiveTerminal(&closed); err != nil {
				return fills, err
			}
		} else if err := e.saveOpen(maker); err != nil {
			return fills, err
		}
	}

	return fills, e.placeRemainder(cls, pair, taker)
}

// placeRemainder disposes of whatever is left of the taker after matching.
func (e *Engine) placeRemainder(cls *classes.Class, pair *book.Pair, taker *book.Order) error {
	if taker.RemainingPaid == 0 {
		taker.Status = book.Closed
		return e.archiveTerminal(taker)
	}
	if !taker.IsMarket() {
		rested, err := pair.Side(taker.Side).Insert(*taker)
		if err != nil {
			return err
		}
		return e.saveOpen(rested)
	}

	// Market remainder never rests: hand locked units back and archive.
	if taker.Kind == book.MarketOffer {
		lot, ok := e.units.Lot(taker.SourceLot)
		if !ok {
			return fmt.Errorf("%w: market offer %d source lot %d missing", custody.ErrInvariant, taker.ID, taker.SourceLot)
		}
		if err := e.custody.UnlockUnits(lot, taker.RemainingPaid); err != nil {
			return err
		}
	}
	taker.Status = book.Closed
	return e.archiveTerminal(taker)
}

// settleFill applies the full settlement set for one fill: consideration
// out of the buyer's escrow (or free balance for market bids), price
// improvement back to the buyer, units realized through the registry.
func (e *Engine) settleFill(cls *classes.Class, bid, offer *book.Order, matched, price fixedpoint.Amount, consideration fixedpoint.Consideration) (Fill, error) {
	var refund fixedpoint.Consideration

	if bid.Kind == book.MarketBid {
		if err := e.custody.Pay(bid.Principal, offer.Principal, consideration); err != nil {
			return Fill{}, err
		}
	} else {
		// Escrow was sized at the bid's own limit, never at the eventual
		// execution price; the slice not consumed by the fill goes back.
		slice, err := matched.Mul(bid.LimitPrice)
		if err != nil {
			return Fill{}, err
		}
		refund, err = slice.Sub(consideration)
		if err != nil {
			return Fill{}, fmt.Errorf("%w: fill consideration %s above escrow slice %s", custody.ErrInvariant, consideration, slice)
		}
		if err := e.custody.Transfer(bid.Principal, offer.Principal, consideration); err != nil {
			return Fill{}, err
		}
		if refund > 0 {
			if err := e.custody.Release(bid.Principal, refund); err != nil {
				return Fill{}, err
			}
		}
		remaining, err := bid.EscrowedConsideration.Sub(slice)
		if err != nil {
			return Fill{}, fmt.Errorf("%w: bid %d escrow %s below slice %s", custody.ErrInvariant, bid.ID, bid.EscrowedConsideration, slice)
		}
		bid.EscrowedConsideration = remaining
	}

	var lotID units.LotID
	var err error
	switch offer.Kind {
	case book.InitialOffer:
		lotID, err = e.units.MintLot(cls.ID, bid.Principal, matched, price)
	default: // SecondaryOffer, MarketOffer
		lotID, err = e.units.TransferLotRemainder(offer.SourceLot, bid.Principal, matched)
	}
	if err != nil {
		return Fill{}, fmt.Errorf("match: realize units for offer %d: %w", offer.ID, err)
	}

	return Fill{
		Class:         cls.ID,
		Buyer:         bid.Principal,
		Seller:        offer.Principal,
		MatchedPaid:   matched,
		Price:         price,
		Consideration: consideration,
		Refund:        refund,
		Lot:           lotID,
	}, nil
}

// ReleaseResources hands back everything a no-longer-matchable order still
// holds: bid escrow, locked units, or issued-but-unsold quantity. The order
// must already be off the book.
func (e *Engine) ReleaseResources(cls *classes.Class, o *book.Order) (escrow fixedpoint.Consideration, unlocked, retired fixedpoint.Amount, err error) {
	switch o.Kind {
	case book.LimitBid:
		escrow = o.EscrowedConsideration
		if escrow > 0 {
			if err = e.custody.Release(o.Principal, escrow); err != nil {
				return 0, 0, 0, err
			}
			o.EscrowedConsideration = 0
		}
	case book.MarketBid:
		// market bids never escrow and never rest
	case book.InitialOffer:
		retired = o.RemainingPaid
		if err = cls.Retire(retired); err != nil {
			return 0, 0, 0, fmt.Errorf("%w: %v", custody.ErrInvariant, err)
		}
	case book.SecondaryOffer, book.MarketOffer:
		lot, ok := e.units.Lot(o.SourceLot)
		if !ok {
			return 0, 0, 0, fmt.Errorf("%w: order %d source lot %d missing", custody.ErrInvariant, o.ID, o.SourceLot)
		}
		unlocked = o.RemainingPaid
		if err = e.custody.UnlockUnits(lot, unlocked); err != nil {
			return 0, 0, 0, err
		}
	}
	return escrow, unlocked, retired, nil
}

// Expire removes one resting order past its expiry, releases its resources,
// and records the OrderExpired event.
func (e *Engine) Expire(cls *classes.Class, b *book.Book, id book.OrderID) error {
	expired, ok := b.Remove(id)
	if !ok {
		return fmt.Errorf("match: expire of unknown order %d", id)
	}
	escrow, unlocked, retired, err := e.ReleaseResources(cls, &expired)
	if err != nil {
		return err
	}
	expired.Status = book.Expired
	if err := e.archiveTerminal(&expired); err != nil {
		return err
	}
	e.events.Record(events.Event{
		At:             e.clock.Now().UnixMilli(),
		Type:           events.OrderExpired,
		Class:          cls.ID,
		Side:           expired.Side,
		Kind:           expired.Kind.String(),
		Order:          expired.ID,
		Principal:      expired.Principal,
		RemainingPaid:  expired.RemainingPaid,
		EscrowReleased: escrow,
		UnitsUnlocked:  unlocked,
		IssueRetired:   retired,
	})
	return nil
}

// Archive records a terminal order removed from the book outside of
// matching (a withdrawal), dropping its resting mirror. The caller sets
// the terminal status first.
func (e *Engine) Archive(o *book.Order) error {
	return e.archiveTerminal(o)
}

func (e *Engine) saveOpen(o *book.Order) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveOpen(o); err != nil {
		return fmt.Errorf("match: mirror order %d: %w", o.ID, err)
	}
	return nil
}

func (e *Engine) archiveTerminal(o *book.Order) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.DeleteOpen(o.Class, o.Side, o.ID); err != nil {
		return fmt.Errorf("match: drop order mirror %d: %w", o.ID, err)
	}
	if err := e.store.Archive(o); err != nil {
		return fmt.Errorf("match: archive order %d: %w", o.ID, err)
	}
	return nil
}

// crosses reports whether the taker's price is acceptable against the
// maker's. Market takers always cross.
func crosses(taker, maker *book.Order) bool {
	if taker.IsMarket() {
		return true
	}
	if taker.Side == book.Bid {
		return maker.LimitPrice <= taker.LimitPrice
	}
	return maker.LimitPrice >= taker.LimitPrice
}

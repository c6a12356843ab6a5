// Package storage mirrors engine state into a pebble database: custody
// balances, ownership lots, class snapshots, terminal orders, and the
// event log. The in-memory engine stays authoritative; the store exists
// so a restarted node can rebuild balances, lots, and classes, and so the
// API can serve terminal-order and event history.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/engine/book"
	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/custody"
	"github.com/clearlot/unitbook/pkg/engine/events"
	"github.com/clearlot/unitbook/pkg/engine/units"
)

type Store struct {
	db *pebble.DB
}

func NewStore(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) set(key []byte, v any, opts *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, opts); err != nil {
		return fmt.Errorf("storage: set %s: %w", key, err)
	}
	return nil
}

// SaveBalance mirrors one account's custody balance.
func (s *Store) SaveBalance(addr common.Address, b custody.Balance) error {
	return s.set(balanceKey(addr), balanceRecord{Address: addr, Balance: b}, pebble.Sync)
}

type balanceRecord struct {
	Address common.Address  `json:"address"`
	Balance custody.Balance `json:"balance"`
}

// LoadBalances replays every stored balance into the ledger.
func (s *Store) LoadBalances(l *custody.Ledger) error {
	return s.scan([]byte(prefixBalance), func(val []byte) error {
		var rec balanceRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		return l.Restore(rec.Address, rec.Balance)
	})
}

// SaveLot mirrors one ownership lot. A lot reduced to zero is removed.
func (s *Store) SaveLot(l *units.Lot) error {
	if l.Paid == 0 {
		if err := s.db.Delete(lotKey(l.ID), pebble.Sync); err != nil {
			return fmt.Errorf("storage: delete lot %d: %w", l.ID, err)
		}
		return nil
	}
	return s.set(lotKey(l.ID), l, pebble.Sync)
}

// LoadLots replays every stored lot into the registry.
func (s *Store) LoadLots(r *units.LedgerRegistry) error {
	return s.scan([]byte(prefixLot), func(val []byte) error {
		var lot units.Lot
		if err := json.Unmarshal(val, &lot); err != nil {
			return err
		}
		return r.Restore(&lot)
	})
}

// SaveClass snapshots a class, including its issued counter and status.
func (s *Store) SaveClass(c *classes.Class) error {
	return s.set(classKey(c.ID), c, pebble.Sync)
}

// LoadClasses returns every stored class snapshot, ascending by id.
func (s *Store) LoadClasses() ([]*classes.Class, error) {
	var out []*classes.Class
	err := s.scan([]byte(prefixClass), func(val []byte) error {
		var c classes.Class
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

// SaveOpen mirrors a resting order. The mirror tracks the book exactly:
// every insert, per-fill decrement, and removal is written through.
func (s *Store) SaveOpen(o *book.Order) error {
	return s.set(openOrderKey(o.Class, o.Side, o.ID), o, pebble.Sync)
}

// DeleteOpen drops a resting order's mirror once it leaves the book.
// Deleting an order that never rested is a no-op.
func (s *Store) DeleteOpen(class classes.ID, side book.Side, id book.OrderID) error {
	if err := s.db.Delete(openOrderKey(class, side, id), pebble.Sync); err != nil {
		return fmt.Errorf("storage: delete open order %d: %w", id, err)
	}
	return nil
}

// LoadOpenOrders replays every mirrored resting order, grouped by class
// and side, ascending by id within each group.
func (s *Store) LoadOpenOrders(fn func(book.Order) error) error {
	return s.scan([]byte(prefixOpen), func(val []byte) error {
		var o book.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		return fn(o)
	})
}

// Archive stores a terminal order. Satisfies the matching engine's
// order-store contract.
func (s *Store) Archive(o *book.Order) error {
	return s.set(archiveKey(o.Class, o.Side, o.ID), o, pebble.Sync)
}

// ArchivedOrders returns up to limit of the class's most recently archived
// orders, newest first.
func (s *Store) ArchivedOrders(class classes.ID, limit int) ([]book.Order, error) {
	prefix := archivePrefix(class)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []book.Order
	for valid := iter.Last(); valid && len(out) < limit; valid = iter.Prev() {
		var o book.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// MaxArchivedOrderID returns the highest order id archived for the class,
// across both sides. Zero means nothing was archived.
func (s *Store) MaxArchivedOrderID(class classes.ID) (book.OrderID, error) {
	var max book.OrderID
	err := s.scan(archivePrefix(class), func(val []byte) error {
		var o book.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		if o.ID > max {
			max = o.ID
		}
		return nil
	})
	return max, err
}

// SaveEvent journals an observable event. Events are an append-only
// history; NoSync keeps the hot path off the WAL fsync.
func (s *Store) SaveEvent(e events.Event) error {
	return s.set(eventKey(e.Seq), e, pebble.NoSync)
}

// EventsSince returns up to limit stored events with Seq > after.
func (s *Store) EventsSince(after uint64, limit int) ([]events.Event, error) {
	lower := eventKey(after + 1)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []events.Event
	for valid := iter.First(); valid && len(out) < limit; valid = iter.Next() {
		var e events.Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// MaxEventSeq returns the highest persisted event sequence number.
func (s *Store) MaxEventSeq() (uint64, error) {
	prefix := []byte(prefixEvent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil
	}
	var e events.Event
	if err := json.Unmarshal(iter.Value(), &e); err != nil {
		return 0, fmt.Errorf("storage: decode event %s: %w", iter.Key(), err)
	}
	return e.Seq, nil
}

func (s *Store) scan(prefix []byte, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("storage: scan %s: %w", prefix, err)
		}
	}
	return nil
}

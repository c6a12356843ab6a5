// Package units models the ownership lots traded by the engine and the
// UnitRegistry collaborator that realizes fills. The engine only consumes
// the Registry interface; LedgerRegistry is the reference implementation
// used by the node wiring and the test harness.
package units

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
)

// LotID identifies an ownership lot within its class.
type LotID uint64

// Lot is a discrete record of owned units.
// Invariant: CleanPaid <= Paid; the difference is locked by outstanding
// sell exposure and cannot be offered again until released.
type Lot struct {
	ID    LotID
	Class classes.ID
	Owner common.Address

	Paid fixedpoint.Amount
	Par  fixedpoint.Amount
	// CleanPaid is the unencumbered, sellable portion of Paid.
	CleanPaid fixedpoint.Amount
	// Price is the acquisition price per unit, recorded at mint time.
	Price fixedpoint.Amount
}

// Validate checks the lot invariant.
func (l *Lot) Validate() error {
	if l.Paid < 0 || l.Par < 0 || l.CleanPaid < 0 {
		return fmt.Errorf("lot %d: negative amount", l.ID)
	}
	if l.CleanPaid > l.Paid {
		return fmt.Errorf("lot %d: cleanPaid %s exceeds paid %s", l.ID, l.CleanPaid, l.Paid)
	}
	return nil
}

// Locked returns the encumbered portion of the lot.
func (l *Lot) Locked() fixedpoint.Amount {
	return l.Paid - l.CleanPaid
}

// ErrLotNotFound is returned when a lot id does not resolve.
var ErrLotNotFound = fmt.Errorf("units: lot not found")

// Registry is the UnitRegistry collaborator consumed by the matching
// engine: one call per fill realizes the traded units.
type Registry interface {
	// MintLot creates a new fully-paid lot for owner.
	MintLot(class classes.ID, owner common.Address, paid, price fixedpoint.Amount) (LotID, error)
	// ReduceLot consumes amount out of the lot's encumbered portion.
	ReduceLot(id LotID, amount fixedpoint.Amount) error
	// TransferLotRemainder moves amount of the lot's encumbered units to
	// newOwner as a freshly minted lot and returns the new lot's id.
	TransferLotRemainder(id LotID, newOwner common.Address, amount fixedpoint.Amount) (LotID, error)
	// Lot resolves a lot by id.
	Lot(id LotID) (*Lot, bool)
}

// PersistFunc is an optional hook invoked after every lot mutation, used by
// the node wiring to mirror lots into the pebble store.
type PersistFunc func(*Lot) error

// LedgerRegistry is an in-process Registry backed by a map, with an
// optional persistence hook.
type LedgerRegistry struct {
	mu      sync.RWMutex
	lots    map[LotID]*Lot
	nextID  LotID
	persist PersistFunc
}

// NewLedgerRegistry creates an empty registry.
func NewLedgerRegistry() *LedgerRegistry {
	return &LedgerRegistry{lots: make(map[LotID]*Lot), nextID: 1}
}

// SetPersist installs the persistence hook.
func (r *LedgerRegistry) SetPersist(fn PersistFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persist = fn
}

// Restore loads a lot snapshot, keeping the id sequence ahead of it.
func (r *LedgerRegistry) Restore(l *Lot) error {
	if err := l.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *l
	r.lots[l.ID] = &cp
	if l.ID >= r.nextID {
		r.nextID = l.ID + 1
	}
	return nil
}

// MintLot creates a new lot with Par equal to Paid and the full amount clean.
func (r *LedgerRegistry) MintLot(class classes.ID, owner common.Address, paid, price fixedpoint.Amount) (LotID, error) {
	if paid <= 0 {
		return 0, fmt.Errorf("units: mint amount must be positive")
	}
	if price < 0 {
		return 0, fmt.Errorf("units: mint price cannot be negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l := &Lot{
		ID:        r.nextID,
		Class:     class,
		Owner:     owner,
		Paid:      paid,
		Par:       paid,
		CleanPaid: paid,
		Price:     price,
	}
	r.nextID++
	r.lots[l.ID] = l
	return l.ID, r.persistLocked(l)
}

// ReduceLot consumes amount from the lot's encumbered portion. Lots carry
// Par equal to Paid in this registry, so both shrink together; a lot
// reduced to zero is deleted.
func (r *LedgerRegistry) ReduceLot(id LotID, amount fixedpoint.Amount) error {
	if amount <= 0 {
		return fmt.Errorf("units: reduce amount must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lots[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrLotNotFound, id)
	}
	if l.Locked() < amount {
		return fmt.Errorf("units: lot %d locked %s below reduction %s", id, l.Locked(), amount)
	}

	l.Paid -= amount
	l.Par -= amount
	if err := l.Validate(); err != nil {
		return err
	}
	if l.Paid == 0 {
		delete(r.lots, id)
	}
	return r.persistLocked(l)
}

// TransferLotRemainder reduces the source lot and mints the moved units to
// newOwner, clean and priced at the source lot's price.
func (r *LedgerRegistry) TransferLotRemainder(id LotID, newOwner common.Address, amount fixedpoint.Amount) (LotID, error) {
	r.mu.RLock()
	src, ok := r.lots[id]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrLotNotFound, id)
	}
	class, price := src.Class, src.Price

	if err := r.ReduceLot(id, amount); err != nil {
		return 0, err
	}
	return r.MintLot(class, newOwner, amount, price)
}

// Lot returns the lot with the given id. The pointer stays owned by the
// registry; the custody ledger mutates CleanPaid through it when locking
// and unlocking units.
func (r *LedgerRegistry) Lot(id LotID) (*Lot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lots[id]
	return l, ok
}

// LotsOf returns copies of all lots owned by addr, ordered by id.
func (r *LedgerRegistry) LotsOf(addr common.Address) []Lot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Lot, 0)
	for _, l := range r.lots {
		if l.Owner == addr {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *LedgerRegistry) persistLocked(l *Lot) error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist(l); err != nil {
		return fmt.Errorf("units: persist lot %d: %w", l.ID, err)
	}
	return nil
}

var _ Registry = (*LedgerRegistry)(nil)

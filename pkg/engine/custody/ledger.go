// Package custody tracks the consideration held by the engine on behalf of
// participants, and the locked portion of sellable units. Funds move
// between a free balance and an escrowed balance; both are checked int64
// fixed-point values that can never go negative.
package custody

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/engine/units"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
)

var (
	// ErrInsufficientBalance means the account cannot fund the requested
	// escrow or payment.
	ErrInsufficientBalance = fmt.Errorf("custody: insufficient balance")
	// ErrInsufficientUnits means a lot's clean portion is too small for the
	// requested lock.
	ErrInsufficientUnits = fmt.Errorf("custody: insufficient clean units")
	// ErrInvariant marks a detected custody accounting mismatch. It is a
	// logic defect, never a user-input problem, and must abort the whole
	// call rather than be silently corrected.
	ErrInvariant = fmt.Errorf("custody: ledger invariant violated")
)

// Balance is one participant's custody position.
type Balance struct {
	Free     fixedpoint.Consideration
	Escrowed fixedpoint.Consideration
}

// PersistFunc is an optional hook invoked after every balance mutation.
type PersistFunc func(common.Address, Balance) error

// Ledger holds all custody balances. The listing controller serializes
// calls; the internal mutex only protects direct API readers.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]*Balance
	persist  PersistFunc
}

// NewLedger creates an empty custody ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]*Balance)}
}

// SetPersist installs the persistence hook.
func (l *Ledger) SetPersist(fn PersistFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persist = fn
}

// Restore loads a balance snapshot.
func (l *Ledger) Restore(addr common.Address, b Balance) error {
	if b.Free < 0 || b.Escrowed < 0 {
		return fmt.Errorf("%w: negative snapshot for %s", ErrInvariant, addr.Hex())
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := b
	l.balances[addr] = &cp
	return nil
}

// Balance returns a copy of the account's custody position.
func (l *Ledger) Balance(addr common.Address) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[addr]; ok {
		return *b
	}
	return Balance{}
}

// Accounts returns all addresses with a non-zero position, sorted.
func (l *Ledger) Accounts() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]common.Address, 0, len(l.balances))
	for addr, b := range l.balances {
		if b.Free != 0 || b.Escrowed != 0 {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

func (l *Ledger) get(addr common.Address) *Balance {
	b, ok := l.balances[addr]
	if !ok {
		b = &Balance{}
		l.balances[addr] = b
	}
	return b
}

// Deposit credits the account's free balance from external funding.
func (l *Ledger) Deposit(addr common.Address, amount fixedpoint.Consideration) error {
	if amount <= 0 {
		return fmt.Errorf("custody: deposit amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(addr)
	free, err := b.Free.Add(amount)
	if err != nil {
		return err
	}
	b.Free = free
	return l.persistLocked(addr, b)
}

// WithdrawFunds debits the account's free balance back to external custody.
func (l *Ledger) WithdrawFunds(addr common.Address, amount fixedpoint.Consideration) error {
	if amount <= 0 {
		return fmt.Errorf("custody: withdrawal amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(addr)
	free, err := b.Free.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: free %s below withdrawal %s", ErrInsufficientBalance, b.Free, amount)
	}
	b.Free = free
	return l.persistLocked(addr, b)
}

// Escrow moves amount from the account's free balance into escrow.
func (l *Ledger) Escrow(addr common.Address, amount fixedpoint.Consideration) error {
	if amount < 0 {
		return fmt.Errorf("custody: escrow amount cannot be negative")
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(addr)
	free, err := b.Free.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: free %s below escrow %s", ErrInsufficientBalance, b.Free, amount)
	}
	escrowed, err := b.Escrowed.Add(amount)
	if err != nil {
		return err
	}
	b.Free, b.Escrowed = free, escrowed
	return l.persistLocked(addr, b)
}

// Release moves amount from escrow back to the account's free balance.
// Releasing more than is escrowed is an invariant violation.
func (l *Ledger) Release(addr common.Address, amount fixedpoint.Consideration) error {
	if amount < 0 {
		return fmt.Errorf("custody: release amount cannot be negative")
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(addr)
	escrowed, err := b.Escrowed.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: release %s exceeds escrow %s for %s", ErrInvariant, amount, b.Escrowed, addr.Hex())
	}
	free, err := b.Free.Add(amount)
	if err != nil {
		return err
	}
	b.Free, b.Escrowed = free, escrowed
	return l.persistLocked(addr, b)
}

// Transfer settles amount out of from's escrow into to's free balance.
// Used once per fill; over-draining escrow is an invariant violation.
func (l *Ledger) Transfer(from, to common.Address, amount fixedpoint.Consideration) error {
	if amount < 0 {
		return fmt.Errorf("custody: transfer amount cannot be negative")
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.get(from)
	escrowed, err := src.Escrowed.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: transfer %s exceeds escrow %s for %s", ErrInvariant, amount, src.Escrowed, from.Hex())
	}
	dst := l.get(to)
	free, err := dst.Free.Add(amount)
	if err != nil {
		return err
	}
	src.Escrowed = escrowed
	dst.Free = free
	if err := l.persistLocked(from, src); err != nil {
		return err
	}
	return l.persistLocked(to, dst)
}

// Pay settles amount directly from from's free balance into to's free
// balance. This is the market-bid path: consideration is debited per fill
// instead of being escrowed upfront.
func (l *Ledger) Pay(from, to common.Address, amount fixedpoint.Consideration) error {
	if amount < 0 {
		return fmt.Errorf("custody: payment amount cannot be negative")
	}
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.get(from)
	debited, err := src.Free.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: free %s below payment %s", ErrInsufficientBalance, src.Free, amount)
	}
	dst := l.get(to)
	credited, err := dst.Free.Add(amount)
	if err != nil {
		return err
	}
	src.Free = debited
	dst.Free = credited
	if err := l.persistLocked(from, src); err != nil {
		return err
	}
	return l.persistLocked(to, dst)
}

// CanPay reports whether the account's free balance covers amount.
func (l *Ledger) CanPay(addr common.Address, amount fixedpoint.Consideration) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.balances[addr]
	return ok && b.Free >= amount
}

// LockUnits encumbers amount of the lot's clean portion for an open offer.
func (l *Ledger) LockUnits(lot *units.Lot, amount fixedpoint.Amount) error {
	if amount <= 0 {
		return fmt.Errorf("custody: lock amount must be positive")
	}
	clean, err := lot.CleanPaid.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: lot %d clean %s below lock %s", ErrInsufficientUnits, lot.ID, lot.CleanPaid, amount)
	}
	lot.CleanPaid = clean
	return nil
}

// UnlockUnits releases amount of the lot's encumbered portion back to clean.
// Unlocking beyond the paid amount is an invariant violation.
func (l *Ledger) UnlockUnits(lot *units.Lot, amount fixedpoint.Amount) error {
	if amount <= 0 {
		return fmt.Errorf("custody: unlock amount must be positive")
	}
	clean, err := lot.CleanPaid.Add(amount)
	if err != nil {
		return err
	}
	if clean > lot.Paid {
		return fmt.Errorf("%w: unlock %s would push lot %d clean %s past paid %s",
			ErrInvariant, amount, lot.ID, lot.CleanPaid, lot.Paid)
	}
	lot.CleanPaid = clean
	return nil
}

// Audit verifies that the account's escrowed custody equals the sum of
// escrowed consideration across its open bids. A mismatch is fatal.
func (l *Ledger) Audit(addr common.Address, openBidEscrow fixedpoint.Consideration) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var held fixedpoint.Consideration
	if b, ok := l.balances[addr]; ok {
		held = b.Escrowed
	}
	if held != openBidEscrow {
		return fmt.Errorf("%w: account %s holds %s escrowed, open bids account for %s",
			ErrInvariant, addr.Hex(), held, openBidEscrow)
	}
	return nil
}

func (l *Ledger) persistLocked(addr common.Address, b *Balance) error {
	if l.persist == nil {
		return nil
	}
	if err := l.persist(addr, *b); err != nil {
		return fmt.Errorf("custody: persist %s: %w", addr.Hex(), err)
	}
	return nil
}

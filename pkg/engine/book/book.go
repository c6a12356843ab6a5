package book

import (
	"fmt"
)

const nilSlot = int32(-1)

// Book holds the resting orders of one side of one class, ordered by
// price-time priority: offers ascending by limit price, bids descending,
// ties broken by ascending id so earlier orders win.
//
// Orders are stored in an arena slice and linked through slot indices.
// Pointers returned by Best/Get/After stay valid until the next Insert.
type Book struct {
	side  Side
	arena []Order
	free  []int32
	index map[OrderID]int32
	head  int32 // best priority
	tail  int32 // worst priority
	seq   OrderID
}

// New creates an empty book for one side.
func New(side Side) *Book {
	return &Book{
		side:  side,
		index: make(map[OrderID]int32),
		head:  nilSlot,
		tail:  nilSlot,
	}
}

// Side returns the side this book holds.
func (b *Book) Side() Side { return b.side }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// NextID allocates the next order id for this (class, side) sequence.
func (b *Book) NextID() OrderID {
	b.seq++
	return b.seq
}

// SeedID advances the id sequence past ids already handed out, so a
// restarted book never reuses an archived order id.
func (b *Book) SeedID(id OrderID) {
	if id > b.seq {
		b.seq = id
	}
}

// better reports whether a has strictly higher priority than c.
func (b *Book) better(a, c *Order) bool {
	if a.LimitPrice != c.LimitPrice {
		if b.side == Offer {
			return a.LimitPrice < c.LimitPrice
		}
		return a.LimitPrice > c.LimitPrice
	}
	return a.ID < c.ID
}

// Insert places an order into the book at its priority position and returns
// the arena-resident copy. Market orders must never be inserted.
func (b *Book) Insert(o Order) (*Order, error) {
	if o.Side != b.side {
		return nil, fmt.Errorf("book: side mismatch: order %s on %s book", o.Side, b.side)
	}
	if o.IsMarket() {
		return nil, fmt.Errorf("book: market order %d cannot rest", o.ID)
	}
	if _, exists := b.index[o.ID]; exists {
		return nil, fmt.Errorf("book: duplicate order id %d", o.ID)
	}

	slot := b.alloc(o)
	ord := &b.arena[slot]

	// Walk from the tail toward the head: new orders usually land at the
	// back, and ids are monotonic so equal prices keep time priority.
	at := b.tail
	for at != nilSlot && b.better(ord, &b.arena[at]) {
		at = b.arena[at].prev
	}
	if at == nilSlot {
		// new head
		ord.prev = nilSlot
		ord.next = b.head
		if b.head != nilSlot {
			b.arena[b.head].prev = slot
		}
		b.head = slot
		if b.tail == nilSlot {
			b.tail = slot
		}
	} else {
		ord.prev = at
		ord.next = b.arena[at].next
		if ord.next != nilSlot {
			b.arena[ord.next].prev = slot
		} else {
			b.tail = slot
		}
		b.arena[at].next = slot
	}

	b.index[o.ID] = slot
	return ord, nil
}

// Remove unlinks an order and returns a copy of it.
func (b *Book) Remove(id OrderID) (Order, bool) {
	slot, ok := b.index[id]
	if !ok {
		return Order{}, false
	}
	ord := b.arena[slot]

	if ord.prev != nilSlot {
		b.arena[ord.prev].next = ord.next
	} else {
		b.head = ord.next
	}
	if ord.next != nilSlot {
		b.arena[ord.next].prev = ord.prev
	} else {
		b.tail = ord.prev
	}

	delete(b.index, id)
	b.arena[slot] = Order{prev: nilSlot, next: nilSlot}
	b.free = append(b.free, slot)

	ord.prev, ord.next = nilSlot, nilSlot
	return ord, true
}

// Best returns the highest-priority resting order, or nil if empty.
func (b *Book) Best() *Order {
	if b.head == nilSlot {
		return nil
	}
	return &b.arena[b.head]
}

// Get returns the resting order with the given id, or nil.
func (b *Book) Get(id OrderID) *Order {
	slot, ok := b.index[id]
	if !ok {
		return nil
	}
	return &b.arena[slot]
}

// After returns the next order in priority after o, or nil at the end.
func (b *Book) After(o *Order) *Order {
	if o == nil || o.next == nilSlot {
		return nil
	}
	return &b.arena[o.next]
}

// Orders returns copies of all resting orders in priority order.
func (b *Book) Orders() []Order {
	out := make([]Order, 0, len(b.index))
	for at := b.head; at != nilSlot; at = b.arena[at].next {
		out = append(out, b.arena[at])
	}
	return out
}

func (b *Book) alloc(o Order) int32 {
	if n := len(b.free); n > 0 {
		slot := b.free[n-1]
		b.free = b.free[:n-1]
		b.arena[slot] = o
		return slot
	}
	b.arena = append(b.arena, o)
	return int32(len(b.arena) - 1)
}

// Pair bundles the two sides of one class's book.
type Pair struct {
	Offers *Book
	Bids   *Book
}

// NewPair creates the two empty books for a class.
func NewPair() *Pair {
	return &Pair{Offers: New(Offer), Bids: New(Bid)}
}

// Side returns the book holding the given side.
func (p *Pair) Side(s Side) *Book {
	if s == Offer {
		return p.Offers
	}
	return p.Bids
}

// Opposite returns the book the given side matches against.
func (p *Pair) Opposite(s Side) *Book { return p.Side(s.Opposite()) }

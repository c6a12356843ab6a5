package units

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/fixedpoint"
)

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	buyer = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func amt(t *testing.T, s string) fixedpoint.Amount {
	t.Helper()
	a, err := fixedpoint.ParseAmount(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestMintLot(t *testing.T) {
	r := NewLedgerRegistry()
	id, err := r.MintLot(1, owner, amt(t, "600"), amt(t, "3.0"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	l, ok := r.Lot(id)
	if !ok {
		t.Fatal("minted lot not found")
	}
	if l.Paid != amt(t, "600") || l.Par != amt(t, "600") || l.CleanPaid != amt(t, "600") {
		t.Errorf("lot = %+v, want fully clean 600", l)
	}
	if l.Locked() != 0 {
		t.Errorf("locked = %s, want 0", l.Locked())
	}

	if _, err := r.MintLot(1, owner, 0, amt(t, "3.0")); err == nil {
		t.Error("mint of zero amount succeeded")
	}
}

func TestReduceLotConsumesLockedOnly(t *testing.T) {
	r := NewLedgerRegistry()
	id, _ := r.MintLot(1, owner, amt(t, "600"), amt(t, "3.0"))
	l, _ := r.Lot(id)

	// Nothing locked yet: reduction must refuse.
	if err := r.ReduceLot(id, amt(t, "1")); err == nil {
		t.Fatal("reduced an unencumbered lot")
	}

	l.CleanPaid = amt(t, "590") // 10 locked
	if err := r.ReduceLot(id, amt(t, "10")); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	l, _ = r.Lot(id)
	if l.Paid != amt(t, "590") || l.Par != amt(t, "590") || l.CleanPaid != amt(t, "590") {
		t.Errorf("lot after reduce = %+v, want 590 all clean", l)
	}
}

func TestReduceLotToZeroDeletes(t *testing.T) {
	r := NewLedgerRegistry()
	id, _ := r.MintLot(1, owner, amt(t, "50"), amt(t, "2.0"))
	l, _ := r.Lot(id)
	l.CleanPaid = 0

	if err := r.ReduceLot(id, amt(t, "50")); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if _, ok := r.Lot(id); ok {
		t.Error("zero lot still resolvable")
	}
	if err := r.ReduceLot(id, amt(t, "1")); !errors.Is(err, ErrLotNotFound) {
		t.Errorf("reduce of deleted lot = %v, want ErrLotNotFound", err)
	}
}

func TestTransferLotRemainderKeepsPriceBasis(t *testing.T) {
	r := NewLedgerRegistry()
	id, _ := r.MintLot(7, owner, amt(t, "100"), amt(t, "3.0"))
	l, _ := r.Lot(id)
	l.CleanPaid = amt(t, "70") // 30 locked

	newID, err := r.TransferLotRemainder(id, buyer, amt(t, "30"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	src, _ := r.Lot(id)
	if src.Paid != amt(t, "70") || src.Locked() != 0 {
		t.Errorf("source = %+v, want 70 unencumbered", src)
	}
	dst, _ := r.Lot(newID)
	if dst.Owner != buyer || dst.Paid != amt(t, "30") || dst.CleanPaid != amt(t, "30") {
		t.Errorf("dest = %+v, want clean 30 owned by buyer", dst)
	}
	if dst.Price != amt(t, "3.0") || dst.Class != 7 {
		t.Errorf("dest basis = price %s class %d, want source's 3.0 / 7", dst.Price, dst.Class)
	}
}

func TestRestoreKeepsIDSequenceAhead(t *testing.T) {
	r := NewLedgerRegistry()
	if err := r.Restore(&Lot{ID: 41, Class: 1, Owner: owner, Paid: amt(t, "5"), Par: amt(t, "5"), CleanPaid: amt(t, "5")}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	id, err := r.MintLot(1, owner, amt(t, "5"), amt(t, "1.0"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if id != 42 {
		t.Errorf("next id = %d, want 42", id)
	}

	bad := &Lot{ID: 50, Paid: amt(t, "5"), Par: amt(t, "5"), CleanPaid: amt(t, "6")}
	if err := r.Restore(bad); err == nil {
		t.Error("restore accepted cleanPaid above paid")
	}
}

func TestLotsOfOrdering(t *testing.T) {
	r := NewLedgerRegistry()
	r.MintLot(1, owner, amt(t, "1"), amt(t, "1.0"))
	r.MintLot(1, buyer, amt(t, "2"), amt(t, "1.0"))
	r.MintLot(1, owner, amt(t, "3"), amt(t, "1.0"))

	lots := r.LotsOf(owner)
	if len(lots) != 2 || lots[0].ID >= lots[1].ID {
		t.Fatalf("lots = %+v, want owner's two lots ascending", lots)
	}
}

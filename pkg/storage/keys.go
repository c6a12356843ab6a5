package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/engine/book"
	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/units"
)

// Pebble key schema. Numeric components are zero-padded to 20 digits so
// prefix scans come back in id order:
//
//	bal:<address>                     → custody balance
//	lot:<lotID>                       → ownership lot
//	cls:<classID>                     → class snapshot
//	ord:<classID>:<side>:<orderID>    → resting order mirror
//	arch:<classID>:<side>:<orderID>   → terminal order
//	evt:<seq>                         → observable event
const (
	prefixBalance = "bal:"
	prefixLot     = "lot:"
	prefixClass   = "cls:"
	prefixOpen    = "ord:"
	prefixArchive = "arch:"
	prefixEvent   = "evt:"
)

func balanceKey(addr common.Address) []byte {
	return []byte(prefixBalance + addr.Hex())
}

func lotKey(id units.LotID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixLot, id))
}

func classKey(id classes.ID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixClass, id))
}

func openOrderKey(class classes.ID, side book.Side, id book.OrderID) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s:%020d", prefixOpen, class, side, id))
}

func archiveKey(class classes.ID, side book.Side, id book.OrderID) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s:%020d", prefixArchive, class, side, id))
}

// archivePrefix scopes a scan to one class's terminal orders.
func archivePrefix(class classes.ID) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixArchive, class))
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

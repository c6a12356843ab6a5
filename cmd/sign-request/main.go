// sign-request builds and signs an engine request for manual testing:
// it generates (or loads) a key, signs the canonical digest, and prints
// the JSON envelope ready for POST /api/v1/requests.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/clearlot/unitbook/pkg/crypto"
)

func main() {
	var (
		keyHex = flag.String("key", "", "private key hex; generates a fresh key when empty")
		action = flag.String("action", "limit_bid", "initial_offer | secondary_offer | limit_bid | market_bid | market_offer | withdraw | pause | unpause | sweep")
		class  = flag.Uint64("class", 1, "class id")
		lot    = flag.Uint64("lot", 0, "source lot id (secondary/market offers)")
		paid   = flag.String("paid", "", "paid amount, e.g. 80")
		price  = flag.String("price", "", "limit price, e.g. 3.7 (omit for market orders)")
		hours  = flag.Int("expire", 0, "expiry horizon in hours, 0 selects class default")
		side   = flag.String("side", "", "withdraw side: offer | bid")
		order  = flag.Uint64("order", 0, "withdraw order id")
		nonce  = flag.Uint64("nonce", 1, "strictly increasing per signer")
	)
	flag.Parse()

	var (
		signer *crypto.Signer
		err    error
	)
	if *keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	} else {
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "key: %v\n", err)
		os.Exit(1)
	}

	req := &crypto.Request{
		Action:      *action,
		Class:       *class,
		Lot:         *lot,
		Paid:        *paid,
		Price:       *price,
		ExpireHours: *hours,
		Side:        *side,
		Order:       *order,
		Nonce:       *nonce,
	}
	sig, err := crypto.SignRequest(signer, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}

	envelope := map[string]any{
		"request":   req,
		"signature": fmt.Sprintf("0x%x", sig),
	}
	out, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address:     %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Printf("Private Key: %s (keep secret)\n", signer.PrivateKeyHex())
	}
	fmt.Println("\nPOST http://localhost:8080/api/v1/requests")
	fmt.Println(string(out))
}

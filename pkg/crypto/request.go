package crypto

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// requestDomain separates request digests from any other signed payload a
// key might produce. Bump the version on any change to the digest layout.
const requestDomain = "unitbook:request:v1"

// Request is the canonical form of a signed engine operation. Amount
// fields travel as decimal strings so client and server hash byte-equal
// encodings regardless of their numeric types.
type Request struct {
	Action string `json:"action"`
	Class  uint64 `json:"class"`

	Lot         uint64 `json:"lot,omitempty"`
	Paid        string `json:"paid,omitempty"`
	Price       string `json:"price,omitempty"`
	ExpireHours int    `json:"expireHours,omitempty"`
	GroupRep    string `json:"groupRep,omitempty"`

	// Withdraw targeting.
	Side  string `json:"side,omitempty"`
	Order uint64 `json:"order,omitempty"`

	// Nonce must be strictly increasing per signer for replay protection.
	Nonce uint64 `json:"nonce"`
}

// Digest computes the 32-byte keccak digest of the canonical encoding.
func (r *Request) Digest() []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s\n%s\n%d\n%d\n%s\n%s\n%d\n%s\n%s\n%d\n%d",
		requestDomain, r.Action, r.Class, r.Lot, r.Paid, r.Price,
		r.ExpireHours, r.GroupRep, r.Side, r.Order, r.Nonce)
	return h.Sum(nil)
}

// SignRequest produces the 65-byte signature for a request.
func SignRequest(s *Signer, r *Request) ([]byte, error) {
	return s.Sign(r.Digest())
}

// RecoverRequestSigner recovers the caller address from a signed request.
func RecoverRequestSigner(r *Request, sig []byte) (common.Address, error) {
	return RecoverAddress(r.Digest(), sig)
}

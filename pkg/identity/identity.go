// Package identity is the accreditation collaborator consumed by the
// listing controller. Granting accreditation is out of scope; the engine
// only asks whether an account may bid on a class.
package identity

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/pkg/engine/classes"
)

// Accreditation answers whether an account is an approved participant for
// a class. Checked before any bid placement.
type Accreditation interface {
	ApprovedParticipant(account common.Address, class classes.ID) bool
}

// OpenAccreditation approves everyone. Used in development wiring.
type OpenAccreditation struct{}

func (OpenAccreditation) ApprovedParticipant(common.Address, classes.ID) bool { return true }

// StaticRegistry approves explicitly listed accounts, either globally or
// per class.
type StaticRegistry struct {
	mu       sync.RWMutex
	global   map[common.Address]bool
	perClass map[classes.ID]map[common.Address]bool
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		global:   make(map[common.Address]bool),
		perClass: make(map[classes.ID]map[common.Address]bool),
	}
}

// Approve grants global accreditation.
func (r *StaticRegistry) Approve(account common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global[account] = true
}

// ApproveFor grants accreditation for one class only.
func (r *StaticRegistry) ApproveFor(account common.Address, class classes.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.perClass[class]
	if !ok {
		m = make(map[common.Address]bool)
		r.perClass[class] = m
	}
	m[account] = true
}

// Revoke removes all accreditation for an account.
func (r *StaticRegistry) Revoke(account common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.global, account)
	for _, m := range r.perClass {
		delete(m, account)
	}
}

func (r *StaticRegistry) ApprovedParticipant(account common.Address, class classes.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.global[account] {
		return true
	}
	return r.perClass[class][account]
}

var (
	_ Accreditation = OpenAccreditation{}
	_ Accreditation = (*StaticRegistry)(nil)
)

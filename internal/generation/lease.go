package generation

import (
	"context"
	"fmt"
	"sync"
)

// lease is the exclusivity token for one in-flight generation. Holding the lease
// is what makes status=in_progress trustworthy: at most one writer per block id.
type lease struct {
	blockID string
	cancel  context.CancelFunc
}

// leaseRegistry enforces at-most-one in-flight generation per block id across
// every caller (chain sweeps and manual regenerates share it).
type leaseRegistry struct {
	mu     sync.Mutex
	leases map[string]*lease
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{leases: make(map[string]*lease)}
}

// acquire takes the lease for blockID or fails with ErrLeaseConflict.
func (r *leaseRegistry) acquire(blockID string, cancel context.CancelFunc) (*lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.leases[blockID]; held {
		return nil, fmt.Errorf("%w: %s", ErrLeaseConflict, blockID)
	}
	l := &lease{blockID: blockID, cancel: cancel}
	r.leases[blockID] = l
	return l, nil
}

// release frees the lease. Safe to call once per acquired lease.
func (r *leaseRegistry) release(l *lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.leases[l.blockID]; ok && cur == l {
		delete(r.leases, l.blockID)
	}
}

// cancel signals the in-flight generation for blockID, if any. Returns false
// when no lease is held.
func (r *leaseRegistry) cancelLease(blockID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[blockID]
	if !ok {
		return false
	}
	l.cancel()
	return true
}

// active returns the number of currently held leases.
func (r *leaseRegistry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

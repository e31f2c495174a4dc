// ABOUTME: Issues single-use connection credentials and redeems them on socket accept.
// ABOUTME: Pending credentials are kept in insertion order for TTL sweeps and cap eviction.

package credential

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownCredential is returned when a credential is missing, expired, or
// already redeemed.
var ErrUnknownCredential = errors.New("unknown or already redeemed credential")

// Credential authorizes exactly one socket connection.
type Credential struct {
	ID          string    `json:"credential"`
	IssuedAt    time.Time `json:"issued_at"`
	PrincipalID string    `json:"principal_id,omitempty"`
}

type pendingEntry struct {
	cred    Credential
	element *list.Element
}

// Issuer tracks pending credentials.
//
// A zero ttl disables expiry; a zero maxPending disables the cap. When the
// cap is hit the oldest pending credential is evicted.
type Issuer struct {
	mu         sync.Mutex
	pending    map[string]*pendingEntry
	order      *list.List // ids, oldest at front
	ttl        time.Duration
	maxPending int
	now        func() time.Time
	done       chan struct{}
	closed     bool
}

// NewIssuer creates an issuer. When ttl is positive a background goroutine
// sweeps expired credentials until Close is called.
func NewIssuer(ttl time.Duration, maxPending int) *Issuer {
	i := &Issuer{
		pending:    make(map[string]*pendingEntry),
		order:      list.New(),
		ttl:        ttl,
		maxPending: maxPending,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	if ttl > 0 {
		go i.sweepLoop(sweepInterval(ttl))
	}
	return i
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// Issue creates and stores a new pending credential.
func (i *Issuer) Issue(principalID string) Credential {
	cred := Credential{
		ID:          uuid.New().String(),
		IssuedAt:    i.now().UTC(),
		PrincipalID: principalID,
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.maxPending > 0 {
		for len(i.pending) >= i.maxPending {
			i.evictOldestLocked()
		}
	}
	elem := i.order.PushBack(cred.ID)
	i.pending[cred.ID] = &pendingEntry{cred: cred, element: elem}
	return cred
}

// Redeem removes id from the pending set. It reports whether the credential
// was pending and still valid. A credential is gone after the first call
// whatever the outcome.
func (i *Issuer) Redeem(id string) (Credential, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	entry, ok := i.pending[id]
	if !ok {
		return Credential{}, false
	}
	i.order.Remove(entry.element)
	delete(i.pending, id)

	if i.expired(entry.cred) {
		return Credential{}, false
	}
	return entry.cred, true
}

// Pending returns the number of credentials awaiting redemption.
func (i *Issuer) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

func (i *Issuer) expired(c Credential) bool {
	return i.ttl > 0 && i.now().Sub(c.IssuedAt) > i.ttl
}

// evictOldestLocked drops the front of the order list. Must be called with mu held.
func (i *Issuer) evictOldestLocked() {
	front := i.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	i.order.Remove(front)
	delete(i.pending, id)
}

func (i *Issuer) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.Sweep()
		case <-i.done:
			return
		}
	}
}

// Sweep removes expired credentials and returns how many were dropped.
func (i *Issuer) Sweep() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	// order is issue order, so stop at the first unexpired entry
	for front := i.order.Front(); front != nil; front = i.order.Front() {
		id, _ := front.Value.(string)
		entry := i.pending[id]
		if entry != nil && !i.expired(entry.cred) {
			break
		}
		i.order.Remove(front)
		delete(i.pending, id)
		removed++
	}
	return removed
}

// Close stops the sweep goroutine. Safe to call more than once.
func (i *Issuer) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		close(i.done)
		i.closed = true
	}
}

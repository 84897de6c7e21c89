// Package runlock provides the single-flight lock held for the whole of a
// scrape run. Locks carry an owner token and a TTL so a crashed holder
// cannot block later runs forever.
package runlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by Acquire while another holder's lease is live
var ErrHeld = errors.New("run lock held")

// Locker hands out exclusive leases
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (*Lease, error)
}

// Lease is one successful acquisition. Release is idempotent and only frees
// the lock if this lease still owns it.
type Lease struct {
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time

	once    sync.Once
	release func(ctx context.Context) error
	err     error
}

func newLease(now time.Time, ttl time.Duration, release func(ctx context.Context, token string) error) *Lease {
	l := &Lease{
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	l.release = func(ctx context.Context) error { return release(ctx, l.Token) }
	return l
}

// Release gives the lock back
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.release(ctx)
	})
	return l.err
}

// MemoryLocker is an in-process lock. Each orchestrator may own its own
// instance, so parallel tests never share state.
type MemoryLocker struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{now: time.Now}
}

// Acquire takes the lock unless a live lease exists. An expired lease is
// treated as abandoned and replaced.
func (m *MemoryLocker) Acquire(ctx context.Context, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.token != "" && now.Before(m.expires) {
		return nil, ErrHeld
	}
	lease := newLease(now, ttl, m.release)
	m.token = lease.Token
	m.expires = lease.ExpiresAt
	return lease, nil
}

func (m *MemoryLocker) release(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == token {
		m.token = ""
		m.expires = time.Time{}
	}
	return nil
}

// Holder returns the current owner token, empty when free or expired
func (m *MemoryLocker) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" || !m.now().Before(m.expires) {
		return ""
	}
	return m.token
}

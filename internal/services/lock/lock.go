package lock

import (
	"context"
	"sync"
	"time"

	"github.com/amerfu/budgetd/internal/models"
	"github.com/amerfu/budgetd/internal/services/monitoring/metrics"
)

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive per-key leases. Acquire waits at most the
// locker's configured bound and then fails with *models.LockTimeoutError.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// PrincipalKey is the lock key shared by refills and spend operations.
func PrincipalKey(principalID string) string {
	return "budget:principal:" + principalID
}

// DeploymentRefillKey serializes refills while a deployment-wide daily cap
// is configured. It is always taken after the principal lock.
const DeploymentRefillKey = "budget:refill:deployment"

type slot struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker for single-instance deployments.
type KeyedMutex struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &KeyedMutex{wait: wait, slots: make(map[string]*slot)}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (Lease, error) {
	start := time.Now()
	s := m.ref(key)

	timer := time.NewTimer(m.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		metrics.ObserveLockWait("memory", true, time.Since(start))
		return &mutexLease{m: m, key: key, s: s}, nil
	case <-ctx.Done():
		m.unref(key, s)
		return nil, ctx.Err()
	case <-timer.C:
		m.unref(key, s)
		metrics.ObserveLockWait("memory", false, time.Since(start))
		return nil, &models.LockTimeoutError{Key: key, Wait: m.wait}
	}
}

// Held reports whether key is currently locked.
func (m *KeyedMutex) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	return ok && len(s.ch) > 0
}

func (m *KeyedMutex) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *KeyedMutex) unref(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

type mutexLease struct {
	m    *KeyedMutex
	key  string
	s    *slot
	once sync.Once
}

func (l *mutexLease) Release(context.Context) error {
	l.once.Do(func() {
		<-l.s.ch
		l.m.unref(l.key, l.s)
	})
	return nil
}

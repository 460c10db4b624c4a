package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optionflow/logger"
)

// lockState tracks the current holder of one named resource.
type lockState struct {
	holder     string
	token      uint64
	acquiredAt time.Time
	expiry     time.Time
}

// LockManager provides named mutual exclusion with monotonic fencing
// tokens. Locks are in-memory only: fencing tokens keep stale writers safe
// even if the manager restarts, so no persistence is needed. All consumers
// receive an explicit *LockManager handle; there are no package globals.
type LockManager struct {
	mu         sync.Mutex
	locks      map[string]*lockState
	lastIssued map[string]uint64
	nextToken  uint64
	ttl        time.Duration
	log        *logger.Log

	// now is swappable for tests.
	now func() time.Time
}

// NewLockManager creates a manager issuing locks with the given TTL.
func NewLockManager(ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &LockManager{
		locks:      make(map[string]*lockState),
		lastIssued: make(map[string]uint64),
		ttl:        ttl,
		log:        logger.GetLogger(),
		now:        time.Now,
	}
	m.log.WithComponent("lock_manager").WithFields(logger.Fields{
		"ttl": ttl.String(),
	}).Info("lock manager initialized")
	return m
}

// TTL returns the configured lock lifetime. Holders should renew at TTL/3.
func (m *LockManager) TTL() time.Duration { return m.ttl }

// Acquire grants the lock if the resource is unheld or expired and returns
// the next monotonic fencing token. Otherwise it fails with ErrLockHeld.
func (m *LockManager) Acquire(resource, holderID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if st, ok := m.locks[resource]; ok && now.Before(st.expiry) {
		if st.holder == holderID {
			// Re-entrant acquire extends the lease under the same token.
			st.expiry = now.Add(m.ttl)
			return st.token, nil
		}
		return 0, fmt.Errorf("resource %s held by %s: %w", resource, st.holder, ErrLockHeld)
	}

	m.nextToken++
	token := m.nextToken
	m.locks[resource] = &lockState{
		holder:     holderID,
		token:      token,
		acquiredAt: now,
		expiry:     now.Add(m.ttl),
	}
	m.lastIssued[resource] = token

	m.log.WithComponent("lock_manager").WithFields(logger.Fields{
		"resource": resource,
		"holder":   holderID,
		"token":    token,
	}).Debug("lock acquired")
	return token, nil
}

// AcquireWait retries Acquire with bounded exponential backoff and jitter
// until maxWait elapses, then surfaces ErrLockTimeout so the caller can
// skip the cycle instead of blocking indefinitely.
func (m *LockManager) AcquireWait(ctx context.Context, resource, holderID string, maxWait time.Duration, policy RetryPolicy) (uint64, error) {
	deadline := m.now().Add(maxWait)
	for attempt := 0; ; attempt++ {
		token, err := m.Acquire(resource, holderID)
		if err == nil {
			return token, nil
		}

		delay := Backoff(policy, attempt)
		if m.now().Add(delay).After(deadline) {
			return 0, fmt.Errorf("resource %s after %d attempts: %w", resource, attempt+1, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("resource %s: %w", resource, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Renew extends the lease only when the presented token matches the
// current lock state. A mismatch means the lock was lost to another holder
// after TTL expiry and the caller must stop writing.
func (m *LockManager) Renew(resource, holderID string, token uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[resource]
	if !ok || st.holder != holderID || st.token != token || !m.now().Before(st.expiry) {
		return fmt.Errorf("resource %s holder %s token %d: %w", resource, holderID, token, ErrLockLost)
	}
	st.expiry = m.now().Add(m.ttl)
	return nil
}

// Release frees the lock when holder and token match the current state.
func (m *LockManager) Release(resource, holderID string, token uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[resource]
	if !ok || st.holder != holderID || st.token != token {
		return fmt.Errorf("resource %s holder %s token %d: %w", resource, holderID, token, ErrLockLost)
	}
	delete(m.locks, resource)

	m.log.WithComponent("lock_manager").WithFields(logger.Fields{
		"resource": resource,
		"holder":   holderID,
		"token":    token,
	}).Debug("lock released")
	return nil
}

// ValidateToken rejects a write whose fencing token has been superseded by
// a newer acquisition on the resource. Every downstream sink commit must
// pass this check, even when the original holder believes the lock is
// still held.
func (m *LockManager) ValidateToken(resource string, token uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last := m.lastIssued[resource]; token < last {
		return fmt.Errorf("resource %s token %d superseded by %d: %w", resource, token, last, ErrStaleToken)
	}
	return nil
}

// ForceExpire immediately invalidates the current lock on a resource. It
// is the recovery action for a stuck lock; the evicted holder's future
// writes fail the fencing check.
func (m *LockManager) ForceExpire(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[resource]
	if !ok {
		return false
	}
	delete(m.locks, resource)

	m.log.WithComponent("lock_manager").WithFields(logger.Fields{
		"resource": resource,
		"holder":   st.holder,
		"token":    st.token,
		"held_for": m.now().Sub(st.acquiredAt).String(),
	}).Warn("lock force-expired")
	return true
}

// StuckLocks lists resources whose lock has been held longer than maxHold.
// The health monitor polls this to detect writers that died mid-cycle.
func (m *LockManager) StuckLocks(maxHold time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stuck []string
	now := m.now()
	for resource, st := range m.locks {
		if now.Before(st.expiry) && now.Sub(st.acquiredAt) > maxHold {
			stuck = append(stuck, resource)
		}
	}
	return stuck
}

// ActiveLocks reports the number of currently held, unexpired locks.
func (m *LockManager) ActiveLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.now()
	for _, st := range m.locks {
		if now.Before(st.expiry) {
			n++
		}
	}
	return n
}

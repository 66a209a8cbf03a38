package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/amerfu/budgetd/internal/services/policy"
)

type SlotState string

const (
	SlotPending   SlotState = "PENDING"
	SlotDue       SlotState = "DUE"
	SlotRunning   SlotState = "RUNNING"
	SlotCompleted SlotState = "COMPLETED"
	SlotFailed    SlotState = "FAILED"
	SlotSkipped   SlotState = "SKIPPED"
)

// slot tracks one principal's next scheduled refill.
type slot struct {
	principalID string
	policy      *policy.Policy
	anchor      time.Time
	next        time.Time
	state       SlotState
	lastError   string
}

// index is the leader's next-due table. It is rebuilt from the ledger and
// the settings snapshot, and patched after every execution.
type index struct {
	mu      sync.Mutex
	slots   map[string]*slot
	version int64
	builtAt time.Time
}

func newIndex() *index {
	return &index{slots: make(map[string]*slot)}
}

func (ix *index) replace(slots map[string]*slot, version int64, at time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.slots = slots
	ix.version = version
	ix.builtAt = at
}

// stale reports whether the index must be rebuilt before use.
func (ix *index) stale(version int64, now time.Time, refresh time.Duration) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.builtAt.IsZero() || ix.version != version {
		return true
	}
	return refresh > 0 && now.Sub(ix.builtAt) >= refresh
}

func (ix *index) reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.slots = make(map[string]*slot)
	ix.builtAt = time.Time{}
}

// due marks every slot whose fire time has passed as DUE and returns copies
// ordered by fire time.
func (ix *index) due(now time.Time) []slot {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var out []slot
	for _, s := range ix.slots {
		if s.state == SlotRunning || s.next.IsZero() || s.next.After(now) {
			continue
		}
		s.state = SlotDue
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].next.Equal(out[j].next) {
			return out[i].next.Before(out[j].next)
		}
		return out[i].principalID < out[j].principalID
	})
	return out
}

func (ix *index) mark(principalID string, state SlotState) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if s, ok := ix.slots[principalID]; ok {
		s.state = state
	}
}

// settle records an outcome without moving the fire time, so the principal
// is retried next tick.
func (ix *index) settle(principalID string, state SlotState, errMsg string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if s, ok := ix.slots[principalID]; ok {
		s.state = state
		s.lastError = errMsg
	}
}

// rearm moves the slot to the first fire time after from.
func (ix *index) rearm(principalID string, from time.Time, state SlotState, errMsg string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s, ok := ix.slots[principalID]
	if !ok {
		return
	}
	s.state = state
	s.lastError = errMsg
	s.anchor = from
	s.next = s.policy.Next(from)
}

func (ix *index) remove(principalID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.slots, principalID)
}

func (ix *index) get(principalID string) (slot, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s, ok := ix.slots[principalID]
	if !ok {
		return slot{}, false
	}
	return *s, true
}

func (ix *index) size() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.slots)
}

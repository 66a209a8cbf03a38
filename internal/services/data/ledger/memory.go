package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/amerfu/budgetd/internal/models"
)

// MemoryStore keeps everything in process. It backs lite mode and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]models.Account
	entries      []models.AuditEntry
	reservations map[string]models.Reservation
	nextID       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]models.Account),
		reservations: make(map[string]models.Reservation),
		nextID:       1,
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *models.Account, entries ...*models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.PrincipalID]; ok {
		return ErrAccountExists
	}

	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	s.accounts[acct.PrincipalID] = *acct
	s.appendLocked(entries, now)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, principalID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[principalID]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return &acct, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, filter AccountFilter) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		if filter.Role != "" && acct.Role != filter.Role {
			continue
		}
		if !filter.IncludeArchived && acct.IsArchived() {
			continue
		}
		if filter.After != "" && acct.PrincipalID <= filter.After {
			continue
		}
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PrincipalID < result[j].PrincipalID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) Commit(_ context.Context, change Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if change.Account != nil {
		if _, ok := s.accounts[change.Account.PrincipalID]; !ok {
			return models.ErrAccountNotFound
		}
		change.Account.UpdatedAt = now
		s.accounts[change.Account.PrincipalID] = *change.Account
	}
	if change.Reservation != nil {
		s.reservations[change.Reservation.Token] = *change.Reservation
	}
	s.appendLocked(change.Entries, now)
	return nil
}

func (s *MemoryStore) appendLocked(entries []*models.AuditEntry, now time.Time) {
	stamp(entries, now)
	for _, e := range entries {
		e.EntryID = s.nextID
		s.nextID++
		stored := *e
		stored.Metadata = copyMeta(e.Metadata)
		s.entries = append(s.entries, stored)
	}
}

func (s *MemoryStore) ListAudit(_ context.Context, filter models.AuditFilter) ([]models.AuditEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchLocked(filter)
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].EntryID < matched[j].EntryID
	})

	total := int64(len(matched))
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []models.AuditEntry{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) CountAudit(_ context.Context, filter models.AuditFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matchLocked(filter))), nil
}

func (s *MemoryStore) matchLocked(filter models.AuditFilter) []models.AuditEntry {
	matched := []models.AuditEntry{}
	for _, e := range s.entries {
		if filter.PrincipalID != "" && e.PrincipalID != filter.PrincipalID {
			continue
		}
		if len(filter.EventTypes) > 0 && !slices.Contains(filter.EventTypes, e.EventType) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, e.Status) {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !e.Timestamp.Before(filter.Until) {
			continue
		}
		cp := e
		cp.Metadata = copyMeta(e.Metadata)
		matched = append(matched, cp)
	}
	return matched
}

func (s *MemoryStore) LastScheduled(_ context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := make(map[string]time.Time)
	for i := range s.entries {
		e := &s.entries[i]
		if !models.ConsumesPeriod(e) {
			continue
		}
		if cur, ok := last[e.PrincipalID]; !ok || e.Timestamp.After(cur) {
			last[e.PrincipalID] = e.Timestamp
		}
	}
	return last, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, token string) (*models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[token]
	if !ok {
		return nil, models.ErrReservationNotFound
	}
	return &r, nil
}

func (s *MemoryStore) ListReservations(_ context.Context, filter ReservationFilter) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.Reservation
	for _, r := range s.reservations {
		if filter.PrincipalID != "" && r.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.State != "" && r.State != filter.State {
			continue
		}
		if !filter.ExpiresBefore.IsZero() && !r.ExpiresAt.Before(filter.ExpiresBefore) {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func copyMeta(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	cp := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}


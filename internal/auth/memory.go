package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	_ SessionStore = (*MemoryStore)(nil)
	_ Directory    = (*MemoryStore)(nil)
)

// MemoryStore is an in-process SessionStore and Directory used when no
// database is configured, and by tests.
type MemoryStore struct {
	mu          sync.RWMutex
	renewals    map[int64]RenewalRecord
	users       map[int64]User
	memberships map[int64][]OrgAuthority
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		renewals:    make(map[int64]RenewalRecord),
		users:       make(map[int64]User),
		memberships: make(map[int64][]OrgAuthority),
	}
}

func (s *MemoryStore) Replace(_ context.Context, rec RenewalRecord) error {
	if rec.UserID <= 0 || rec.Token == "" {
		return fmt.Errorf("%w: renewal record requires user id and token", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.renewals, rec.UserID)
	s.renewals[rec.UserID] = rec
	return nil
}

func (s *MemoryStore) FindByUser(_ context.Context, userID int64) (RenewalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.renewals[userID]
	if !ok {
		return RenewalRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) DeleteByUser(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.renewals, userID)
	return nil
}

// RenewalCount reports how many renewal records are held for userID.
func (s *MemoryStore) RenewalCount(userID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.renewals[userID]; ok {
		return 1
	}
	return 0
}

// PutUser registers or replaces an account.
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = strings.TrimSpace(strings.ToLower(u.Email))
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
}

// SetMemberships replaces the organization memberships of a user.
func (s *MemoryStore) SetMemberships(userID int64, list []OrgAuthority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]OrgAuthority, len(list))
	copy(cp, list)
	s.memberships[userID] = cp
}

func (s *MemoryStore) FindUser(_ context.Context, userID int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) FindByEmail(_ context.Context, email string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) Memberships(_ context.Context, userID int64) ([]OrgAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.memberships[userID]
	out := make([]OrgAuthority, len(list))
	copy(out, list)
	return out, nil
}

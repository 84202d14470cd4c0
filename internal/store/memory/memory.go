// Package memory keeps users, grants and the audit chain in process memory.
// It backs tests and the "memory" database driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"authcore.dev/internal/audit"
	"authcore.dev/internal/auth"
	"authcore.dev/internal/grants"
	"authcore.dev/internal/ids"
)

type grantKey struct {
	userID   string
	systemID string
}

// Store implements auth.UserStore, grants.Store and audit.Store.
type Store struct {
	mu       sync.Mutex
	users    map[string]auth.User
	byName   map[string]string
	grants   map[grantKey]grants.Grant
	entries  []audit.Entry
	headHash string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:  make(map[string]auth.User),
		byName: make(map[string]string),
		grants: make(map[grantKey]grants.Grant),
	}
}

var (
	_ auth.UserStore = (*Store)(nil)
	_ grants.Store   = (*Store)(nil)
	_ audit.Store    = (*Store)(nil)
)

func (s *Store) insertUserLocked(u *auth.User) error {
	if _, taken := s.byName[u.Username]; taken {
		return auth.ErrConflict
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	s.users[u.ID] = *u
	s.byName[u.Username] = u.ID
	return nil
}

// CreateUser implements auth.UserStore.
func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertUserLocked(u)
}

// CreateAdminIfNone implements auth.UserStore.
func (s *Store) CreateAdminIfNone(ctx context.Context, u *auth.User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Role == auth.RoleAdmin {
			return false, nil
		}
	}
	if err := s.insertUserLocked(u); err != nil {
		return false, err
	}
	return true, nil
}

// GetUser implements auth.UserStore.
func (s *Store) GetUser(ctx context.Context, id string) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return &u, nil
}

// GetUserByUsername implements auth.UserStore.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	u := s.users[id]
	return &u, nil
}

// TouchLogin implements auth.UserStore.
func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrUserNotFound
	}
	at = at.UTC().Truncate(time.Microsecond)
	u.LastLogin = &at
	s.users[id] = u
	return nil
}

// UpsertGrant implements grants.Store.
func (s *Store) UpsertGrant(ctx context.Context, g grants.Grant) (grants.Grant, error) {
	if err := ctx.Err(); err != nil {
		return grants.Grant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[g.UserID]; !ok {
		return grants.Grant{}, auth.ErrUserNotFound
	}
	key := grantKey{g.UserID, g.SystemID}
	if existing, ok := s.grants[key]; ok {
		g.AccessCount = existing.AccessCount
		g.LastAccessed = existing.LastAccessed
	} else {
		g.AccessCount = 0
		g.LastAccessed = nil
	}
	s.grants[key] = g
	return g, nil
}

// RevokeGrant implements grants.Store.
func (s *Store) RevokeGrant(ctx context.Context, userID, systemID string) (grants.Grant, error) {
	if err := ctx.Err(); err != nil {
		return grants.Grant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{userID, systemID}
	g, ok := s.grants[key]
	if !ok {
		return grants.Grant{}, grants.ErrNotFound
	}
	g.CanAccess = false
	s.grants[key] = g
	return g, nil
}

// CheckAndTouch implements grants.Store.
func (s *Store) CheckAndTouch(ctx context.Context, userID, systemID string, now time.Time) (grants.Decision, error) {
	if err := ctx.Err(); err != nil {
		return grants.Decision{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{userID, systemID}
	g, ok := s.grants[key]
	if !ok {
		return grants.Decision{Outcome: grants.OutcomeNoGrant}, nil
	}
	outcome := grants.Evaluate(&g, now)
	if outcome != grants.OutcomeAllowed {
		return grants.Decision{Outcome: outcome}, nil
	}
	g.AccessCount++
	touched := now
	g.LastAccessed = &touched
	s.grants[key] = g
	return grants.Decision{
		Outcome:     outcome,
		AccessLevel: g.AccessLevel,
		ExpiresAt:   g.ExpiresAt,
		AccessCount: g.AccessCount,
	}, nil
}

// GetGrant implements grants.Store.
func (s *Store) GetGrant(ctx context.Context, userID, systemID string) (grants.Grant, error) {
	if err := ctx.Err(); err != nil {
		return grants.Grant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantKey{userID, systemID}]
	if !ok {
		return grants.Grant{}, grants.ErrNotFound
	}
	return g, nil
}

// ListGrants implements grants.Store.
func (s *Store) ListGrants(ctx context.Context, f grants.ListFilter) ([]grants.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]grants.Grant, 0, len(s.grants))
	for _, g := range s.grants {
		if f.UserID != "" && g.UserID != f.UserID {
			continue
		}
		if f.SystemID != "" && g.SystemID != f.SystemID {
			continue
		}
		if f.ActiveOnly && !g.CanAccess {
			continue
		}
		out = append(out, g)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].SystemID < out[j].SystemID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var headAt time.Time
	if n := len(s.entries); n > 0 {
		headAt = s.entries[n-1].OccurredAt
	}
	audit.Seal(e, int64(len(s.entries)), s.headHash, headAt)
	cp := *e
	if e.UserID != nil {
		uid := *e.UserID
		cp.UserID = &uid
	}
	s.entries = append(s.entries, cp)
	s.headHash = e.Hash
	return nil
}

// Query implements audit.Store.
func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	start := int(f.AfterSeq)
	if start > len(s.entries) {
		start = len(s.entries)
	}
	for _, e := range s.entries[start:] {
		if !matches(&e, f) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func matches(e *audit.Entry, f audit.Filter) bool {
	switch {
	case f.UserID != "" && (e.UserID == nil || *e.UserID != f.UserID):
		return false
	case f.SystemID != "" && e.SystemID != f.SystemID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Status != "" && e.Status != f.Status:
		return false
	case !f.Since.IsZero() && e.OccurredAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && !e.OccurredAt.Before(f.Until):
		return false
	}
	return true
}

// Tamper overwrites the stored entry at seq. Tests use it to break the chain.
func (s *Store) Tamper(seq int64, fn func(*audit.Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 1 || seq > int64(len(s.entries)) {
		return false
	}
	fn(&s.entries[seq-1])
	return true
}

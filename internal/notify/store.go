package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists notifications, preferences and digest-pending rows.
type Store interface {
	Insert(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	Update(ctx context.Context, n *Notification) error
	Delete(ctx context.Context, id string) error
	// ListByUser returns one page (newest first) plus the total count
	// for the filter.
	ListByUser(ctx context.Context, userID string, page, size int, unreadOnly bool) ([]*Notification, int, error)
	CountUnread(ctx context.Context, userID string) (int, error)

	// UserExists consults the synced user registry. An empty registry
	// disables the check, so standalone deployments accept any
	// recipient.
	UserExists(ctx context.Context, userID string) (bool, error)
	// SyncUsers adds the given IDs to the registry. Additive: rows are
	// never removed, deactivations stay with the user service.
	SyncUsers(ctx context.Context, ids []string) error

	GetPreferences(ctx context.Context, userID string) (*Preferences, error)
	PutPreferences(ctx context.Context, p *Preferences) error

	AddDigestEntry(ctx context.Context, e *DigestEntry) error
	// DueDigestUsers lists users holding at least one entry due at now.
	DueDigestUsers(ctx context.Context, now time.Time) ([]string, error)
	// PendingDigest returns every pending entry for the user, oldest
	// first.
	PendingDigest(ctx context.Context, userID string) ([]*DigestEntry, error)
	// ClearDigest removes the user's entries created at or before asOf.
	ClearDigest(ctx context.Context, userID string, asOf time.Time) error
	CountDigestPending(ctx context.Context) (int, error)

	Close() error
}

// MemoryStore is the in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*Notification
	preferences   map[string]*Preferences
	digests       map[string][]*DigestEntry
	users         map[string]bool
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]*Notification),
		preferences:   make(map[string]*Preferences),
		digests:       make(map[string][]*DigestEntry),
		users:         make(map[string]bool),
	}
}

// AddUser registers a user in the registry, enabling existence checks.
func (s *MemoryStore) AddUser(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.users[id] = true
	}
}

func (s *MemoryStore) SyncUsers(ctx context.Context, ids []string) error {
	s.AddUser(ids...)
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	stored := cloneNotification(n)
	s.notifications[n.ID] = stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNotification(n), nil
}

func (s *MemoryStore) Update(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.notifications[n.ID]
	if !ok {
		return ErrNotFound
	}
	updated := cloneNotification(n)
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.notifications[n.ID] = updated
	*n = *cloneNotification(updated)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[id]; !ok {
		return ErrNotFound
	}
	delete(s.notifications, id)
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, page, size int, unreadOnly bool) ([]*Notification, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Notification
	for _, n := range s.notifications {
		if n.UserID != userID || n.Archived {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		all = append(all, n)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	start := page * size
	if start >= total {
		return []*Notification{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	out := make([]*Notification, 0, end-start)
	for _, n := range all[start:end] {
		out = append(out, cloneNotification(n))
	}
	return out, total, nil
}

func (s *MemoryStore) CountUnread(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.notifications {
		if n.UserID == userID && !n.Read && !n.Archived {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UserExists(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.users) == 0 {
		return true, nil
	}
	return s.users[userID], nil
}

func (s *MemoryStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.preferences[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *MemoryStore) PutPreferences(ctx context.Context, p *Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	copied := *p
	s.preferences[p.UserID] = &copied
	return nil
}

func (s *MemoryStore) AddDigestEntry(ctx context.Context, e *DigestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	copied := *e
	s.digests[e.UserID] = append(s.digests[e.UserID], &copied)
	return nil
}

func (s *MemoryStore) DueDigestUsers(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []string
	for userID, entries := range s.digests {
		for _, e := range entries {
			if !e.DueAt.After(now) {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) PendingDigest(ctx context.Context, userID string) ([]*DigestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.digests[userID]
	out := make([]*DigestEntry, 0, len(entries))
	for _, e := range entries {
		copied := *e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ClearDigest(ctx context.Context, userID string, asOf time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*DigestEntry
	for _, e := range s.digests[userID] {
		if e.CreatedAt.After(asOf) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.digests, userID)
		return nil
	}
	s.digests[userID] = kept
	return nil
}

func (s *MemoryStore) CountDigestPending(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, entries := range s.digests {
		total += len(entries)
	}
	return total, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneNotification(n *Notification) *Notification {
	c := *n
	if n.Data != nil {
		c.Data = make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	if n.ReadAt != nil {
		at := *n.ReadAt
		c.ReadAt = &at
	}
	return &c
}

package templates

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists templates. Implementations return ErrExists on a
// duplicate (type, language) create and ErrNotFound for unknown ids or
// keys.
type Store interface {
	Create(ctx context.Context, t *Template) error
	Update(ctx context.Context, t *Template) error
	Delete(ctx context.Context, id string) error
	Find(ctx context.Context, typ, language string) (*Template, error)
	List(ctx context.Context) ([]*Template, error)
	ListLanguages(ctx context.Context, typ string) ([]string, error)
	Statistics(ctx context.Context) (map[string]int, error)
	Close() error
}

// MemoryStore keeps templates in process. Suited to tests and
// single-node runs without Postgres.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Template
	byKey map[string]*Template
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Template),
		byKey: make(map[string]*Template),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[t.Key()]; ok {
		return ErrExists
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	stored := *t
	s.byID[t.ID] = &stored
	s.byKey[t.Key()] = &stored
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[t.ID]
	if !ok {
		return ErrNotFound
	}
	// A key change must not collide with another template.
	if t.Key() != current.Key() {
		if _, taken := s.byKey[t.Key()]; taken {
			return ErrExists
		}
		delete(s.byKey, current.Key())
	}
	updated := *t
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.byID[t.ID] = &updated
	s.byKey[updated.Key()] = &updated
	*t = updated
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byKey, t.Key())
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, typ, language string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byKey[Key(typ, language)]
	if !ok {
		return nil, ErrNotFound
	}
	found := *t
	return &found, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.byID))
	for _, t := range s.byID {
		copied := *t
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *MemoryStore) ListLanguages(ctx context.Context, typ string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var langs []string
	for _, t := range s.byID {
		if t.Type == typ {
			langs = append(langs, t.Language)
		}
	}
	sort.Strings(langs)
	return langs, nil
}

func (s *MemoryStore) Statistics(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]int)
	for _, t := range s.byID {
		stats[t.Type]++
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }

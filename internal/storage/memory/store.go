package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/storage"
)

// Store is an in-memory implementation of the storage interface for testing
// and local development. Records are copied on the way in and out so callers
// never share state with the store.
type Store struct {
	mu sync.RWMutex

	apiKeys map[string]*domain.APIKey
	stacks  map[string]*domain.Stack
	events  map[string][]*domain.StackEvent // key: stackID
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		apiKeys: make(map[string]*domain.APIKey),
		stacks:  make(map[string]*domain.Stack),
		events:  make(map[string][]*domain.StackEvent),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Ping(ctx context.Context) error { return nil }

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[key.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, k := range s.apiKeys {
		if k.KeyHash == key.KeyHash {
			return domain.ErrAlreadyExists
		}
	}
	c := *key
	s.apiKeys[key.ID] = &c
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.apiKeys {
		if key.KeyHash == keyHash {
			c := *key
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*domain.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		c := *key
		keys = append(keys, &c)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.apiKeys, id)
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, exists := s.apiKeys[id]
	if !exists {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	key.LastUsedAt = &now
	return nil
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apiKeys), nil
}

// ============================================
// Stacks
// ============================================

func (s *Store) CreateStack(ctx context.Context, stack *domain.Stack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stacks[stack.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, existing := range s.stacks {
		if existing.TenantID == stack.TenantID && existing.Name == stack.Name {
			return domain.ErrAlreadyExists
		}
	}
	now := time.Now().UTC()
	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = now
	}
	stack.UpdatedAt = now
	s.stacks[stack.ID] = stack.Clone()
	return nil
}

func (s *Store) GetStack(ctx context.Context, id string) (*domain.Stack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stack, exists := s.stacks[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return stack.Clone(), nil
}

func (s *Store) GetStackByName(ctx context.Context, tenantID, name string) (*domain.Stack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stack := range s.stacks {
		if stack.TenantID == tenantID && stack.Name == name {
			return stack.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListStacks(ctx context.Context, filter domain.StackFilter) ([]*domain.Stack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stacks := make([]*domain.Stack, 0, len(s.stacks))
	for _, stack := range s.stacks {
		if filter.TenantID != "" && stack.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && stack.Status != filter.Status {
			continue
		}
		stacks = append(stacks, stack.Clone())
	}
	sort.Slice(stacks, func(i, j int) bool {
		if stacks[i].TenantID != stacks[j].TenantID {
			return stacks[i].TenantID < stacks[j].TenantID
		}
		return stacks[i].Name < stacks[j].Name
	})
	return stacks, nil
}

func (s *Store) UpdateStack(ctx context.Context, id string, patch *domain.StackPatch) (*domain.Stack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack, exists := s.stacks[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	updated := stack.Clone()
	patch.Apply(updated)
	updated.UpdatedAt = time.Now().UTC()
	s.stacks[id] = updated
	return updated.Clone(), nil
}

func (s *Store) DeleteStack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stacks[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.stacks, id)
	delete(s.events, id)
	return nil
}

// ============================================
// Stack events
// ============================================

func (s *Store) CreateStackEvent(ctx context.Context, event *domain.StackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stacks[event.StackID]; !exists {
		return domain.ErrNotFound
	}
	c := *event
	s.events[event.StackID] = append(s.events[event.StackID], &c)
	return nil
}

func (s *Store) ListStackEvents(ctx context.Context, stackID string, limit int) ([]*domain.StackEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.events[stackID]
	events := make([]*domain.StackEvent, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		if limit > 0 && len(events) == limit {
			break
		}
		c := *stored[i]
		events = append(events, &c)
	}
	return events, nil
}

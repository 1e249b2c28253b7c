package storage

import (
	"context"

	"github.com/bcnelson/stack-provisioner/internal/domain"
)

// Storage defines the interface for the record store.
// Implementations must be safe for concurrent use. Writes are
// last-writer-wins; callers serialize per-stack work themselves.
type Storage interface {
	// Close closes the storage connection.
	Close() error
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// API Keys
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
	CountAPIKeys(ctx context.Context) (int, error)

	// Stacks
	CreateStack(ctx context.Context, stack *domain.Stack) error
	GetStack(ctx context.Context, id string) (*domain.Stack, error)
	GetStackByName(ctx context.Context, tenantID, name string) (*domain.Stack, error)
	ListStacks(ctx context.Context, filter domain.StackFilter) ([]*domain.Stack, error)
	// UpdateStack applies patch to the stored stack and returns the result.
	UpdateStack(ctx context.Context, id string, patch *domain.StackPatch) (*domain.Stack, error)
	// DeleteStack removes the stack and its events.
	DeleteStack(ctx context.Context, id string) error

	// Stack events
	CreateStackEvent(ctx context.Context, event *domain.StackEvent) error
	// ListStackEvents returns up to limit events, newest first.
	ListStackEvents(ctx context.Context, stackID string, limit int) ([]*domain.StackEvent, error)
}

// Package storagetest holds behaviour tests shared by every storage.Storage
// implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/storage"
)

// Run exercises store against the storage.Storage contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Run("StackCRUD", func(t *testing.T) { testStackCRUD(t, newStore(t)) })
	t.Run("StackUniqueName", func(t *testing.T) { testStackUniqueName(t, newStore(t)) })
	t.Run("StackPatch", func(t *testing.T) { testStackPatch(t, newStore(t)) })
	t.Run("StackIsolation", func(t *testing.T) { testStackIsolation(t, newStore(t)) })
	t.Run("ListStacks", func(t *testing.T) { testListStacks(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
}

// NewStack returns a pending stack with a fresh id.
func NewStack(tenantID, name string) *domain.Stack {
	return &domain.Stack{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Template: "lightweight-bot",
		Name:     name,
		Status:   domain.StatusPending,
		Config:   map[string]string{"TELEGRAM_BOT_TOKEN": "secret"},
	}
}

func testStackCRUD(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	stack := NewStack("acme", "acme-bot-01")
	stack.ResourceLimits = &domain.ResourceLimits{CPUs: "0.5", Memory: "512m"}
	if err := store.CreateStack(ctx, stack); err != nil {
		t.Fatalf("CreateStack failed: %v", err)
	}
	if stack.CreatedAt.IsZero() || stack.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set on create")
	}

	got, err := store.GetStack(ctx, stack.ID)
	if err != nil {
		t.Fatalf("GetStack failed: %v", err)
	}
	if got.Name != "acme-bot-01" || got.TenantID != "acme" || got.Status != domain.StatusPending {
		t.Errorf("Unexpected stack: %+v", got)
	}
	if got.Config["TELEGRAM_BOT_TOKEN"] != "secret" {
		t.Errorf("Expected config to round-trip, got %v", got.Config)
	}
	if got.ResourceLimits == nil || got.ResourceLimits.Memory != "512m" {
		t.Errorf("Expected resource limits to round-trip, got %+v", got.ResourceLimits)
	}
	if got.ExternalRef != "" || got.LastDeploy != nil {
		t.Errorf("Expected pending stack without external ref, got %+v", got)
	}

	byName, err := store.GetStackByName(ctx, "acme", "acme-bot-01")
	if err != nil || byName.ID != stack.ID {
		t.Errorf("GetStackByName = %v, %v", byName, err)
	}
	if _, err := store.GetStackByName(ctx, "other", "acme-bot-01"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for other tenant, got %v", err)
	}

	if err := store.DeleteStack(ctx, stack.ID); err != nil {
		t.Fatalf("DeleteStack failed: %v", err)
	}
	if _, err := store.GetStack(ctx, stack.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteStack(ctx, stack.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
	if _, err := store.UpdateStack(ctx, stack.ID, &domain.StackPatch{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating deleted stack, got %v", err)
	}
}

func testStackUniqueName(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	if err := store.CreateStack(ctx, NewStack("acme", "bot")); err != nil {
		t.Fatalf("CreateStack failed: %v", err)
	}
	if err := store.CreateStack(ctx, NewStack("acme", "bot")); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
	if err := store.CreateStack(ctx, NewStack("globex", "bot")); err != nil {
		t.Errorf("Expected same name in another tenant to succeed, got %v", err)
	}
}

func testStackPatch(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	stack := NewStack("acme", "bot")
	if err := store.CreateStack(ctx, stack); err != nil {
		t.Fatalf("CreateStack failed: %v", err)
	}

	deploying := domain.StatusDeploying
	ref := "svc-1"
	project := "proj-1"
	now := time.Now().UTC().Truncate(time.Millisecond)
	updated, err := store.UpdateStack(ctx, stack.ID, &domain.StackPatch{
		Status:      &deploying,
		ExternalRef: &ref,
		ProjectRef:  &project,
		LastDeploy:  &now,
	})
	if err != nil {
		t.Fatalf("UpdateStack failed: %v", err)
	}
	if updated.Status != domain.StatusDeploying || updated.ExternalRef != "svc-1" || updated.ProjectRef != "proj-1" {
		t.Errorf("Unexpected patched stack: %+v", updated)
	}
	if updated.LastDeploy == nil || !updated.LastDeploy.Equal(now) {
		t.Errorf("Expected last deploy %v, got %v", now, updated.LastDeploy)
	}

	failed := domain.StatusError
	msg := "boom"
	if _, err := store.UpdateStack(ctx, stack.ID, &domain.StackPatch{Status: &failed, ErrorMessage: &msg}); err != nil {
		t.Fatalf("UpdateStack failed: %v", err)
	}

	got, _ := store.GetStack(ctx, stack.ID)
	if got.Status != domain.StatusError || got.ErrorMessage != "boom" {
		t.Errorf("Expected error state, got %+v", got)
	}
	if got.ExternalRef != "svc-1" {
		t.Errorf("Expected untouched fields to survive, got %+v", got)
	}
	if got.Config["TELEGRAM_BOT_TOKEN"] != "secret" || got.Template != "lightweight-bot" {
		t.Errorf("Expected immutable fields to survive, got %+v", got)
	}
}

func testStackIsolation(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	stack := NewStack("acme", "bot")
	if err := store.CreateStack(ctx, stack); err != nil {
		t.Fatalf("CreateStack failed: %v", err)
	}
	stack.Config["TELEGRAM_BOT_TOKEN"] = "mutated"

	got, _ := store.GetStack(ctx, stack.ID)
	got.Config["TELEGRAM_BOT_TOKEN"] = "mutated-again"

	again, _ := store.GetStack(ctx, stack.ID)
	if again.Config["TELEGRAM_BOT_TOKEN"] != "secret" {
		t.Errorf("Expected stored record not to share memory with callers, got %v", again.Config)
	}
}

func testListStacks(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	for _, s := range []*domain.Stack{NewStack("acme", "b"), NewStack("acme", "a"), NewStack("globex", "c")} {
		if err := store.CreateStack(ctx, s); err != nil {
			t.Fatalf("CreateStack failed: %v", err)
		}
	}
	running := domain.StatusRunning
	acme, _ := store.GetStackByName(ctx, "acme", "a")
	if _, err := store.UpdateStack(ctx, acme.ID, &domain.StackPatch{Status: &running}); err != nil {
		t.Fatalf("UpdateStack failed: %v", err)
	}

	all, err := store.ListStacks(ctx, domain.StackFilter{})
	if err != nil {
		t.Fatalf("ListStacks failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 stacks, got %d", len(all))
	}
	if all[0].Name != "a" || all[1].Name != "b" || all[2].Name != "c" {
		t.Errorf("Expected ordering by tenant then name, got %s %s %s", all[0].Name, all[1].Name, all[2].Name)
	}

	tenant, _ := store.ListStacks(ctx, domain.StackFilter{TenantID: "acme"})
	if len(tenant) != 2 {
		t.Errorf("Expected 2 acme stacks, got %d", len(tenant))
	}

	byStatus, _ := store.ListStacks(ctx, domain.StackFilter{TenantID: "acme", Status: domain.StatusRunning})
	if len(byStatus) != 1 || byStatus[0].Name != "a" {
		t.Errorf("Expected only running stack a, got %v", byStatus)
	}
}

func testEvents(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	stack := NewStack("acme", "bot")
	if err := store.CreateStack(ctx, stack); err != nil {
		t.Fatalf("CreateStack failed: %v", err)
	}

	base := time.Now().UTC()
	for i, action := range []string{domain.ActionDeploy, domain.ActionReconcile, domain.ActionStop} {
		err := store.CreateStackEvent(ctx, &domain.StackEvent{
			ID:        uuid.NewString(),
			StackID:   stack.ID,
			Action:    action,
			Status:    domain.EventSuccess,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateStackEvent failed: %v", err)
		}
	}

	events, err := store.ListStackEvents(ctx, stack.ID, 0)
	if err != nil {
		t.Fatalf("ListStackEvents failed: %v", err)
	}
	if len(events) != 3 || events[0].Action != domain.ActionStop || events[2].Action != domain.ActionDeploy {
		t.Fatalf("Expected newest-first events, got %+v", events)
	}

	limited, _ := store.ListStackEvents(ctx, stack.ID, 2)
	if len(limited) != 2 || limited[0].Action != domain.ActionStop {
		t.Errorf("Expected 2 newest events, got %+v", limited)
	}

	if err := store.DeleteStack(ctx, stack.ID); err != nil {
		t.Fatalf("DeleteStack failed: %v", err)
	}
	remaining, _ := store.ListStackEvents(ctx, stack.ID, 0)
	if len(remaining) != 0 {
		t.Errorf("Expected events to be removed with the stack, got %d", len(remaining))
	}
}

func testAPIKeys(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	key := &domain.APIKey{
		ID:        uuid.NewString(),
		Name:      "ci",
		KeyHash:   "hash-1",
		KeyPrefix: "tspk_abc",
		TenantID:  "acme",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	dup := *key
	dup.ID = uuid.NewString()
	if err := store.CreateAPIKey(ctx, &dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists for duplicate hash, got %v", err)
	}

	got, err := store.GetAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash failed: %v", err)
	}
	if got.TenantID != "acme" || got.LastUsedAt != nil {
		t.Errorf("Unexpected key: %+v", got)
	}

	if err := store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
		t.Fatalf("UpdateAPIKeyLastUsed failed: %v", err)
	}
	got, _ = store.GetAPIKeyByHash(ctx, "hash-1")
	if got.LastUsedAt == nil {
		t.Error("Expected last used to be set")
	}

	count, _ := store.CountAPIKeys(ctx)
	if count != 1 {
		t.Errorf("Expected 1 key, got %d", count)
	}
	keys, _ := store.ListAPIKeys(ctx)
	if len(keys) != 1 {
		t.Errorf("Expected 1 listed key, got %d", len(keys))
	}

	if err := store.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("DeleteAPIKey failed: %v", err)
	}
	if _, err := store.GetAPIKeyByHash(ctx, "hash-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteAPIKey(ctx, key.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}

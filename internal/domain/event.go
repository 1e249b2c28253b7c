package domain

import "time"

// Actions recorded in the stack audit trail.
const (
	ActionDeploy    = "deploy"
	ActionStop      = "stop"
	ActionRestart   = "restart"
	ActionDelete    = "delete"
	ActionReconcile = "reconcile"
)

// Outcomes recorded in the stack audit trail.
const (
	EventSuccess = "success"
	EventError   = "error"
)

// StackEvent is one entry in a stack's lifecycle audit trail.
type StackEvent struct {
	ID        string    `json:"id" db:"id"`
	StackID   string    `json:"stack_id" db:"stack_id"`
	Action    string    `json:"action" db:"action"`
	Status    string    `json:"status" db:"status"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LifecycleEvent is published to subscribers whenever a stack changes state.
type LifecycleEvent struct {
	StackID     string    `json:"stack_id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Action      string    `json:"action"`
	Status      Status    `json:"status,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Message     string    `json:"message,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

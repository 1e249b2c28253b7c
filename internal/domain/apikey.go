package domain

import "time"

// APIKey represents an API key for authentication.
// The actual key is only returned once on creation.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`            // Never expose hash
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"` // First 8 chars for identification
	TenantID   string     `json:"tenant_id,omitempty" db:"tenant_id"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// CreateAPIKeyRequest is the request body for creating an API key.
// A non-empty TenantID restricts the key to that tenant's stacks.
type CreateAPIKeyRequest struct {
	Name     string `json:"name"`
	TenantID string `json:"tenant_id,omitempty"`
}

// CreateAPIKeyResponse is returned when creating an API key.
// The key is only shown once.
type CreateAPIKeyResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"` // Only returned on creation
	KeyPrefix string    `json:"key_prefix"`
	TenantID  string    `json:"tenant_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the authenticated caller of an API request.
type Principal struct {
	ID       string
	Name     string
	TenantID string // empty means every tenant
	Admin    bool
}

// CanAccess reports whether the principal may act on the given tenant.
func (p *Principal) CanAccess(tenantID string) bool {
	if p == nil {
		return false
	}
	return p.Admin || p.TenantID == "" || p.TenantID == tenantID
}

package domain

import "time"

// Status is the lifecycle state of a stack.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDeploying, StatusRunning, StatusStopped, StatusError:
		return true
	}
	return false
}

// Stack is a tenant-scoped deployable unit tracked by the provisioner.
// ExternalRef is a weak reference to the platform service; it is re-verified
// before every action taken on it.
type Stack struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	Template        string            `json:"template"`
	Name            string            `json:"name"`
	Status          Status            `json:"status"`
	Domain          string            `json:"domain,omitempty"`
	ExternalRef     string            `json:"external_ref,omitempty"`
	ProjectRef      string            `json:"project_ref,omitempty"`
	Config          map[string]string `json:"-"`
	ResourceLimits  *ResourceLimits   `json:"resource_limits,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	LastDeploy      *time.Time        `json:"last_deploy,omitempty"`
	LastHealthCheck *time.Time        `json:"last_health_check,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the stack.
func (s *Stack) Clone() *Stack {
	if s == nil {
		return nil
	}
	c := *s
	if s.Config != nil {
		c.Config = make(map[string]string, len(s.Config))
		for k, v := range s.Config {
			c.Config[k] = v
		}
	}
	if s.ResourceLimits != nil {
		rl := *s.ResourceLimits
		c.ResourceLimits = &rl
	}
	if s.LastDeploy != nil {
		t := *s.LastDeploy
		c.LastDeploy = &t
	}
	if s.LastHealthCheck != nil {
		t := *s.LastHealthCheck
		c.LastHealthCheck = &t
	}
	return &c
}

// ResourceLimits is an optional CPU/memory ceiling passed through to the template.
type ResourceLimits struct {
	CPUs   string `json:"cpus,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// IsZero reports whether no limit is set.
func (r *ResourceLimits) IsZero() bool {
	return r == nil || (r.CPUs == "" && r.Memory == "")
}

// StackPatch is a partial update applied to a stored stack.
// Nil fields are left untouched.
type StackPatch struct {
	Status          *Status
	ExternalRef     *string
	ProjectRef      *string
	ErrorMessage    *string
	LastDeploy      *time.Time
	LastHealthCheck *time.Time
}

// Apply copies the set fields of the patch onto s.
func (p *StackPatch) Apply(s *Stack) {
	if p == nil {
		return
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.ExternalRef != nil {
		s.ExternalRef = *p.ExternalRef
	}
	if p.ProjectRef != nil {
		s.ProjectRef = *p.ProjectRef
	}
	if p.ErrorMessage != nil {
		s.ErrorMessage = *p.ErrorMessage
	}
	if p.LastDeploy != nil {
		t := *p.LastDeploy
		s.LastDeploy = &t
	}
	if p.LastHealthCheck != nil {
		t := *p.LastHealthCheck
		s.LastHealthCheck = &t
	}
}

// StackFilter narrows ListStacks. Empty fields match everything.
type StackFilter struct {
	TenantID string
	Status   Status
}

// DeployRequest is the request body for deploying a new stack.
type DeployRequest struct {
	TenantID       string            `json:"tenant_id"`
	Template       string            `json:"template"`
	Name           string            `json:"name"`
	Domain         string            `json:"domain,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
	ResourceLimits *ResourceLimits   `json:"resource_limits,omitempty"`
}

// DeployResponse is returned once the platform accepted the deployment.
type DeployResponse struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	ExternalRef string `json:"external_ref"`
}

// StatusReport merges the local record with the live platform view.
// Stale is set when the platform could not be queried.
type StatusReport struct {
	Stack      *Stack         `json:"stack"`
	LiveStatus *ServiceStatus `json:"live_status"`
	Stale      bool           `json:"stale"`
}

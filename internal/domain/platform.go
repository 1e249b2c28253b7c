package domain

import "strings"

// ProjectRef identifies a project on the hosting platform.
type ProjectRef struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// ServiceRef is the identifier the platform assigns to a deployed service.
type ServiceRef string

// Health is the classification of a platform status string.
type Health int

const (
	HealthInProgress Health = iota
	HealthHealthy
	HealthUnhealthy
)

// ServiceStatus is the live view of a service on the platform.
type ServiceStatus struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	FQDN   string `json:"fqdn,omitempty"`
}

// Health classifies the raw platform status. The platform reports values such
// as "running:healthy", "exited:unhealthy" or "starting"; only the part before
// the colon decides the outcome.
func (s *ServiceStatus) Health() Health {
	state, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s.Status)), ":")
	switch state {
	case "running":
		return HealthHealthy
	case "exited", "degraded":
		return HealthUnhealthy
	default:
		return HealthInProgress
	}
}

// DeleteOptions control what the platform removes along with a service.
type DeleteOptions struct {
	DeleteConfigurations    bool
	DeleteVolumes           bool
	DockerCleanup           bool
	DeleteConnectedNetworks bool
}

// DefaultDeleteOptions returns the options used when the caller only decides
// about volumes.
func DefaultDeleteOptions(deleteVolumes bool) DeleteOptions {
	return DeleteOptions{
		DeleteConfigurations:    true,
		DeleteVolumes:           deleteVolumes,
		DockerCleanup:           true,
		DeleteConnectedNetworks: true,
	}
}

// RenderRequest is the input to the template renderer.
type RenderRequest struct {
	Template       string
	Name           string
	Domain         string
	Config         map[string]string
	ResourceLimits *ResourceLimits
}

// Descriptor is a platform-ready deployment descriptor: a composed
// multi-container service definition.
type Descriptor struct {
	Template string   `json:"template"`
	Name     string   `json:"name"`
	Domain   string   `json:"domain"`
	Compose  string   `json:"compose"`
	Services []string `json:"services"`
}

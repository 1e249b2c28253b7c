package platform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcnelson/stack-provisioner/internal/domain"
)

// Shim is a local stand-in for the hosting platform. Services live in memory
// and every created descriptor is written to dir as <uuid>.yaml. A deployed
// service reports running:healthy straight away.
type Shim struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	projects map[string]domain.ProjectRef // by name
	services map[domain.ServiceRef]*shimService
}

type shimService struct {
	name       string
	project    string
	compose    string
	configHash string
	env        map[string]string
	status     string
	createdAt  time.Time
}

// Ensure Shim implements Orchestrator.
var _ Orchestrator = (*Shim)(nil)

// NewShim creates a shim that writes descriptors to dir.
func NewShim(dir string, logger *slog.Logger) (*Shim, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating shim directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shim{
		dir:      dir,
		logger:   logger,
		projects: make(map[string]domain.ProjectRef),
		services: make(map[domain.ServiceRef]*shimService),
	}, nil
}

// EnsureProject returns the project with name, creating it when missing.
func (s *Shim) EnsureProject(ctx context.Context, name string) (domain.ProjectRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projects[name]; ok {
		return p, nil
	}
	p := domain.ProjectRef{UUID: uuid.NewString(), Name: name}
	s.projects[name] = p
	s.logger.Info("shim project created", "project", name, "uuid", p.UUID)
	return p, nil
}

// CreateService stores the descriptor and writes it to disk.
func (s *Shim) CreateService(ctx context.Context, project domain.ProjectRef, desc *domain.Descriptor) (domain.ServiceRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := domain.ServiceRef(uuid.NewString())
	path := s.descriptorPath(ref)
	if err := os.WriteFile(path, []byte(desc.Compose), 0o644); err != nil {
		return "", &domain.UpstreamError{Op: "create_service", Err: fmt.Errorf("writing descriptor: %w", err)}
	}

	svc := &shimService{
		name:       desc.Name,
		project:    project.UUID,
		compose:    desc.Compose,
		configHash: hashCompose(desc.Compose),
		env:        make(map[string]string),
		status:     "exited",
		createdAt:  time.Now().UTC(),
	}
	s.services[ref] = svc

	s.logger.Info("shim service created", "service", ref, "name", desc.Name, "path", path, "config_hash", svc.configHash[:12])
	return ref, nil
}

// SetEnvironment merges vars into the service environment.
func (s *Shim) SetEnvironment(ctx context.Context, ref domain.ServiceRef, vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, err := s.lookup("set_environment", ref)
	if err != nil {
		return err
	}
	for k, v := range vars {
		svc.env[k] = v
	}
	return nil
}

// DeployService marks the service healthy.
func (s *Shim) DeployService(ctx context.Context, ref domain.ServiceRef) error {
	return s.setStatus("deploy_service", ref, "running:healthy")
}

// StopService marks the service exited.
func (s *Shim) StopService(ctx context.Context, ref domain.ServiceRef) error {
	return s.setStatus("stop_service", ref, "exited")
}

// RestartService marks the service healthy again.
func (s *Shim) RestartService(ctx context.Context, ref domain.ServiceRef) error {
	return s.setStatus("restart_service", ref, "running:healthy")
}

// DeleteService forgets the service and removes its descriptor file.
func (s *Shim) DeleteService(ctx context.Context, ref domain.ServiceRef, opts domain.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup("delete_service", ref); err != nil {
		return err
	}
	delete(s.services, ref)
	if opts.DeleteConfigurations {
		if err := os.Remove(s.descriptorPath(ref)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("shim descriptor removal failed", "service", ref, "error", err)
		}
	}
	s.logger.Info("shim service deleted", "service", ref, "delete_volumes", opts.DeleteVolumes)
	return nil
}

// GetService returns the stored status.
func (s *Shim) GetService(ctx context.Context, ref domain.ServiceRef) (*domain.ServiceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, err := s.lookup("get_service", ref)
	if err != nil {
		return nil, err
	}
	return &domain.ServiceStatus{UUID: string(ref), Name: svc.name, Status: svc.status}, nil
}

// GetLogs returns synthetic log lines describing the service state.
func (s *Shim) GetLogs(ctx context.Context, ref domain.ServiceRef, lines int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, err := s.lookup("get_logs", ref)
	if err != nil {
		return "", err
	}
	out := []string{
		fmt.Sprintf("%s service %s created", svc.createdAt.Format(time.RFC3339), svc.name),
		fmt.Sprintf("%s service %s status %s", svc.createdAt.Format(time.RFC3339), svc.name, svc.status),
	}
	if lines < len(out) {
		out = out[len(out)-lines:]
	}
	return strings.Join(out, "\n"), nil
}

// SetStatus overrides the reported status of a service.
func (s *Shim) SetStatus(ref domain.ServiceRef, status string) error {
	return s.setStatus("set_status", ref, status)
}

// Env returns a copy of the service environment.
func (s *Shim) Env(ref domain.ServiceRef) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[ref]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(svc.env))
	for k, v := range svc.env {
		out[k] = v
	}
	return out
}

// Projects returns the number of projects created so far.
func (s *Shim) Projects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects)
}

func (s *Shim) setStatus(op string, ref domain.ServiceRef, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, err := s.lookup(op, ref)
	if err != nil {
		return err
	}
	svc.status = status
	s.logger.Debug("shim service status", "service", ref, "status", status)
	return nil
}

// lookup must be called with mu held.
func (s *Shim) lookup(op string, ref domain.ServiceRef) (*shimService, error) {
	svc, ok := s.services[ref]
	if !ok {
		return nil, &domain.UpstreamError{Op: op, Status: http.StatusNotFound, Body: `{"message":"Service not found."}`}
	}
	return svc, nil
}

func (s *Shim) descriptorPath(ref domain.ServiceRef) string {
	return filepath.Join(s.dir, string(ref)+".yaml")
}

// hashCompose fingerprints a descriptor the way the platform reports config_hash.
func hashCompose(compose string) string {
	hash := sha256.Sum256([]byte(compose))
	return hex.EncodeToString(hash[:])
}

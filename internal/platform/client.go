// Package platform talks to the container hosting platform that runs stacks.
package platform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bcnelson/stack-provisioner/internal/config"
	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/metrics"
)

// Orchestrator defines the interface for interacting with the hosting platform.
// Every method maps to exactly one platform call (EnsureProject may need two)
// and none of them retry.
type Orchestrator interface {
	EnsureProject(ctx context.Context, name string) (domain.ProjectRef, error)
	CreateService(ctx context.Context, project domain.ProjectRef, desc *domain.Descriptor) (domain.ServiceRef, error)
	SetEnvironment(ctx context.Context, ref domain.ServiceRef, vars map[string]string) error
	DeployService(ctx context.Context, ref domain.ServiceRef) error
	StopService(ctx context.Context, ref domain.ServiceRef) error
	RestartService(ctx context.Context, ref domain.ServiceRef) error
	DeleteService(ctx context.Context, ref domain.ServiceRef, opts domain.DeleteOptions) error
	GetService(ctx context.Context, ref domain.ServiceRef) (*domain.ServiceStatus, error)
	GetLogs(ctx context.Context, ref domain.ServiceRef, lines int) (string, error)
}

const maxResponseBytes = 4 << 20

// Client is the HTTP implementation of Orchestrator.
type Client struct {
	baseURL         string
	token           string
	serverUUID      string
	destinationUUID string
	environment     string

	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Ensure Client implements Orchestrator.
var _ Orchestrator = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics records every call.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a new platform client.
func New(cfg config.PlatformConfig, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		baseURL:         strings.TrimRight(cfg.APIURL, "/"),
		token:           cfg.APIToken,
		serverUUID:      cfg.ServerUUID,
		destinationUUID: cfg.DestinationUUID,
		environment:     cfg.Environment,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		limiter:         rate.NewLimiter(limit, burst),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type project struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// EnsureProject returns the project called name, creating it only when no
// project with that name exists.
func (c *Client) EnsureProject(ctx context.Context, name string) (domain.ProjectRef, error) {
	var projects []project
	if err := c.do(ctx, "list_projects", http.MethodGet, "/projects", nil, nil, &projects); err != nil {
		return domain.ProjectRef{}, err
	}
	for _, p := range projects {
		if p.Name == name {
			return domain.ProjectRef{UUID: p.UUID, Name: p.Name}, nil
		}
	}

	body := map[string]string{
		"name":        name,
		"description": "Managed by stack-provisioner",
	}
	var created project
	if err := c.do(ctx, "create_project", http.MethodPost, "/projects", nil, body, &created); err != nil {
		return domain.ProjectRef{}, err
	}
	if created.UUID == "" {
		return domain.ProjectRef{}, &domain.UpstreamError{Op: "create_project", Err: fmt.Errorf("response has no uuid")}
	}
	return domain.ProjectRef{UUID: created.UUID, Name: name}, nil
}

type serviceURL struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type createServiceRequest struct {
	Type             string       `json:"type"`
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	ProjectUUID      string       `json:"project_uuid"`
	EnvironmentName  string       `json:"environment_name"`
	ServerUUID       string       `json:"server_uuid"`
	DestinationUUID  string       `json:"destination_uuid,omitempty"`
	InstantDeploy    bool         `json:"instant_deploy"`
	DockerComposeRaw string       `json:"docker_compose_raw"`
	URLs             []serviceURL `json:"urls,omitempty"`
}

// CreateService registers the descriptor as a compose service in project.
// The service is not started.
func (c *Client) CreateService(ctx context.Context, proj domain.ProjectRef, desc *domain.Descriptor) (domain.ServiceRef, error) {
	req := createServiceRequest{
		Type:             "docker-compose",
		Name:             desc.Name,
		Description:      fmt.Sprintf("%s stack %s", desc.Template, desc.Name),
		ProjectUUID:      proj.UUID,
		EnvironmentName:  c.environment,
		ServerUUID:       c.serverUUID,
		DestinationUUID:  c.destinationUUID,
		InstantDeploy:    false,
		DockerComposeRaw: base64.StdEncoding.EncodeToString([]byte(desc.Compose)),
	}
	if desc.Domain != "" && len(desc.Services) > 0 {
		req.URLs = []serviceURL{{Name: desc.Services[0], URL: "https://" + desc.Domain}}
	}

	var resp struct {
		UUID string `json:"uuid"`
	}
	if err := c.do(ctx, "create_service", http.MethodPost, "/services", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.UUID == "" {
		return "", &domain.UpstreamError{Op: "create_service", Err: fmt.Errorf("response has no uuid")}
	}
	return domain.ServiceRef(resp.UUID), nil
}

type envVar struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	IsPreview bool   `json:"is_preview"`
}

// SetEnvironment upserts the service's environment variables.
func (c *Client) SetEnvironment(ctx context.Context, ref domain.ServiceRef, vars map[string]string) error {
	data := make([]envVar, 0, len(vars))
	for _, k := range sortedKeys(vars) {
		data = append(data, envVar{Key: k, Value: vars[k]})
	}
	body := map[string]any{"data": data}
	return c.do(ctx, "set_environment", http.MethodPatch, servicePath(ref, "envs/bulk"), nil, body, nil)
}

// DeployService starts a deployment of the service.
func (c *Client) DeployService(ctx context.Context, ref domain.ServiceRef) error {
	q := url.Values{}
	q.Set("uuid", string(ref))
	q.Set("force", "true")
	return c.do(ctx, "deploy_service", http.MethodGet, "/deploy", q, nil, nil)
}

// StopService stops every container of the service.
func (c *Client) StopService(ctx context.Context, ref domain.ServiceRef) error {
	return c.do(ctx, "stop_service", http.MethodGet, servicePath(ref, "stop"), nil, nil, nil)
}

// RestartService restarts the service.
func (c *Client) RestartService(ctx context.Context, ref domain.ServiceRef) error {
	return c.do(ctx, "restart_service", http.MethodGet, servicePath(ref, "restart"), nil, nil, nil)
}

// DeleteService removes the service and, depending on opts, its data.
func (c *Client) DeleteService(ctx context.Context, ref domain.ServiceRef, opts domain.DeleteOptions) error {
	q := url.Values{}
	q.Set("delete_configurations", strconv.FormatBool(opts.DeleteConfigurations))
	q.Set("delete_volumes", strconv.FormatBool(opts.DeleteVolumes))
	q.Set("docker_cleanup", strconv.FormatBool(opts.DockerCleanup))
	q.Set("delete_connected_networks", strconv.FormatBool(opts.DeleteConnectedNetworks))
	return c.do(ctx, "delete_service", http.MethodDelete, servicePath(ref, ""), q, nil, nil)
}

// GetService returns the live status of the service.
func (c *Client) GetService(ctx context.Context, ref domain.ServiceRef) (*domain.ServiceStatus, error) {
	var status domain.ServiceStatus
	if err := c.do(ctx, "get_service", http.MethodGet, servicePath(ref, ""), nil, nil, &status); err != nil {
		return nil, err
	}
	if status.UUID == "" {
		status.UUID = string(ref)
	}
	return &status, nil
}

// GetLogs returns the last lines of the service's container logs.
func (c *Client) GetLogs(ctx context.Context, ref domain.ServiceRef, lines int) (string, error) {
	q := url.Values{}
	q.Set("lines", strconv.Itoa(lines))
	var resp struct {
		Logs string `json:"logs"`
	}
	if err := c.do(ctx, "get_logs", http.MethodGet, servicePath(ref, "logs"), q, nil, &resp); err != nil {
		return "", err
	}
	return resp.Logs, nil
}

func servicePath(ref domain.ServiceRef, action string) string {
	p := "/services/" + url.PathEscape(string(ref))
	if action != "" {
		p += "/" + action
	}
	return p
}

// do performs one API call. Non-2xx answers become *domain.UpstreamError
// carrying the status and body; transport failures carry Status 0.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &domain.UpstreamError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObservePlatformRequest(op, 0, time.Since(start))
		return &domain.UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	elapsed := time.Since(start)
	c.metrics.ObservePlatformRequest(op, resp.StatusCode, elapsed)
	c.logger.Debug("platform call", "op", op, "method", method, "path", path, "status", resp.StatusCode, "duration", elapsed)
	if err != nil {
		return &domain.UpstreamError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.UpstreamError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	// Some endpoints answer with an empty body.
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.UpstreamError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

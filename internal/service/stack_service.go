package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/lock"
	"github.com/bcnelson/stack-provisioner/internal/metrics"
	"github.com/bcnelson/stack-provisioner/internal/notify"
	"github.com/bcnelson/stack-provisioner/internal/platform"
	"github.com/bcnelson/stack-provisioner/internal/storage"
	"github.com/bcnelson/stack-provisioner/internal/validation"
)

const (
	// DefaultLogLines is used when a logs request names no line count.
	DefaultLogLines = 100
	// MaxLogLines caps a single logs request.
	MaxLogLines = 5000
)

// Renderer produces deployment descriptors from templates.
type Renderer interface {
	Render(req domain.RenderRequest) (*domain.Descriptor, error)
	Has(id string) bool
	Templates() []string
	EffectiveDomain(name, domainOverride string) string
}

// Options configures a StackService. Zero values fall back to defaults.
type Options struct {
	ProjectPrefix   string
	PollInterval    time.Duration
	PollMaxAttempts int
	// OperationTimeout bounds each platform status call made by a poll.
	OperationTimeout time.Duration

	Locker    lock.Locker
	Publisher notify.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// NewTicker drives the reconciliation poll. Tests replace it to deliver
	// ticks by hand.
	NewTicker func(d time.Duration) Ticker
	Now       func() time.Time
}

func (o *Options) setDefaults() {
	if o.ProjectPrefix == "" {
		o.ProjectPrefix = "tenant-"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.PollMaxAttempts <= 0 {
		o.PollMaxAttempts = 30
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 2 * time.Minute
	}
	if o.Locker == nil {
		o.Locker = lock.NewLocal()
	}
	if o.Publisher == nil {
		o.Publisher = notify.Noop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewTicker == nil {
		o.NewTicker = newTimeTicker
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// StackService drives stacks through their lifecycle:
// pending -> deploying -> running | error, running -> stopped or deploying,
// stopped -> deploying, any -> error, any -> deleted.
type StackService struct {
	store    storage.Storage
	platform platform.Orchestrator
	renderer Renderer

	opts    Options
	locker  lock.Locker
	events  notify.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	polls *pollRegistry
}

// NewStackService creates a new StackService.
func NewStackService(store storage.Storage, orch platform.Orchestrator, renderer Renderer, opts Options) *StackService {
	opts.setDefaults()
	return &StackService{
		store:    store,
		platform: orch,
		renderer: renderer,
		opts:     opts,
		locker:   opts.Locker,
		events:   opts.Publisher,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "stack_service"),
		polls:    newPollRegistry(),
	}
}

// Templates lists the template ids a stack can be deployed from.
func (s *StackService) Templates() []string {
	return s.renderer.Templates()
}

// Deploy validates req, records a new stack and creates it on the platform.
// It returns once the platform accepted the deployment; health is tracked by
// a background reconciliation poll. Validation and conflict errors leave no
// trace. Any later failure leaves the stack in the error state and is
// returned.
func (s *StackService) Deploy(ctx context.Context, req *domain.DeployRequest) (stack *domain.Stack, err error) {
	defer func() { s.metrics.ObserveOperation(domain.ActionDeploy, err) }()

	if err := validation.ValidateDeployRequest(req, s.renderer); err != nil {
		return nil, err
	}

	if _, err := s.store.GetStackByName(ctx, req.TenantID, req.Name); err == nil {
		return nil, fmt.Errorf("%w: stack %q already exists for tenant %s", domain.ErrConflict, req.Name, req.TenantID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("looking up stack name: %w", err)
	}

	stack = &domain.Stack{
		ID:       uuid.NewString(),
		TenantID: req.TenantID,
		Template: req.Template,
		Name:     req.Name,
		Status:   domain.StatusPending,
		Domain:   s.renderer.EffectiveDomain(req.Name, req.Domain),
		Config:   copyConfig(req.EnvVars),
	}
	if !req.ResourceLimits.IsZero() {
		rl := *req.ResourceLimits
		stack.ResourceLimits = &rl
	}

	if err := s.store.CreateStack(ctx, stack); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: stack %q already exists for tenant %s", domain.ErrConflict, req.Name, req.TenantID)
		}
		return nil, fmt.Errorf("creating stack record: %w", err)
	}

	log := s.logger.With("stack_id", stack.ID, "tenant_id", stack.TenantID, "name", stack.Name)
	log.Info("deploying stack", "template", stack.Template)

	unlock, err := s.locker.Lock(ctx, stack.ID)
	if err != nil {
		return nil, s.fail(ctx, stack, domain.ActionDeploy, fmt.Errorf("acquiring stack lock: %w", err))
	}
	defer unlock()

	deploying := domain.StatusDeploying
	updated, err := s.store.UpdateStack(ctx, stack.ID, &domain.StackPatch{Status: &deploying})
	if err != nil {
		return nil, s.fail(ctx, stack, domain.ActionDeploy, fmt.Errorf("marking stack deploying: %w", err))
	}
	stack = updated

	desc, err := s.renderer.Render(domain.RenderRequest{
		Template:       stack.Template,
		Name:           stack.Name,
		Domain:         stack.Domain,
		Config:         stack.Config,
		ResourceLimits: stack.ResourceLimits,
	})
	if err != nil {
		return nil, s.fail(ctx, stack, domain.ActionDeploy, fmt.Errorf("rendering template: %w", err))
	}

	project, err := s.platform.EnsureProject(ctx, s.opts.ProjectPrefix+stack.TenantID)
	if err != nil {
		return nil, s.fail(ctx, stack, domain.ActionDeploy, err)
	}

	ref, err := s.platform.CreateService(ctx, project, desc)
	if err != nil {
		return nil, s.fail(ctx, stack, domain.ActionDeploy, err)
	}

	// Persist the reference straight away so a later failure can still be
	// cleaned up by delete.
	refStr := string(ref)
	updated, err = s.store.UpdateStack(context.WithoutCancel(ctx), stack.ID, &domain.StackPatch{
		ExternalRef: &refStr,
		ProjectRef:  &project.UUID,
	})
	if err != nil {
		return nil, s.fail(ctx, stack, domain.ActionDeploy, fmt.Errorf("recording external reference %s: %w", ref, err))
	}
	stack = updated

	if len(stack.Config) > 0 {
		if err := s.platform.SetEnvironment(ctx, ref, stack.Config); err != nil {
			return nil, s.fail(ctx, stack, domain.ActionDeploy, err)
		}
	}

	if err := s.platform.DeployService(ctx, ref); err != nil {
		return nil, s.fail(ctx, stack, domain.ActionDeploy, err)
	}

	now := s.opts.Now()
	if updated, err = s.store.UpdateStack(context.WithoutCancel(ctx), stack.ID, &domain.StackPatch{LastDeploy: &now}); err != nil {
		return nil, s.fail(ctx, stack, domain.ActionDeploy, fmt.Errorf("recording deploy time: %w", err))
	}
	stack = updated

	s.record(ctx, stack, domain.ActionDeploy, domain.EventSuccess, fmt.Sprintf("service %s created in project %s", ref, project.Name))
	s.startPoll(stack.ID, ref)

	log.Info("stack deployment started", "external_ref", ref, "project", project.Name)
	return stack, nil
}

// Stop stops the platform service and marks the stack stopped.
func (s *StackService) Stop(ctx context.Context, id string) (stack *domain.Stack, err error) {
	defer func() { s.metrics.ObserveOperation(domain.ActionStop, err) }()

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("acquiring stack lock: %w", err)
	}
	defer unlock()

	stack, err = s.store.GetStack(ctx, id)
	if err != nil {
		return nil, err
	}
	if stack.ExternalRef == "" {
		return nil, fmt.Errorf("%w: stack %s", domain.ErrNoExternalRef, id)
	}

	// Cancelled under the lock so a poll started by a deploy we waited on
	// cannot outlive the stop.
	s.polls.cancel(id)

	if err := s.platform.StopService(ctx, domain.ServiceRef(stack.ExternalRef)); err != nil {
		return nil, s.fail(ctx, stack, domain.ActionStop, err)
	}

	stopped := domain.StatusStopped
	updated, err := s.store.UpdateStack(context.WithoutCancel(ctx), id, &domain.StackPatch{Status: &stopped})
	if err != nil {
		return nil, s.fail(ctx, stack, domain.ActionStop, fmt.Errorf("marking stack stopped: %w", err))
	}
	stack = updated

	s.record(ctx, stack, domain.ActionStop, domain.EventSuccess, "")
	s.logger.Info("stack stopped", "stack_id", id)
	return stack, nil
}

// Restart restarts the platform service and starts a fresh reconciliation
// poll, replacing any previous one.
func (s *StackService) Restart(ctx context.Context, id string) (stack *domain.Stack, err error) {
	defer func() { s.metrics.ObserveOperation(domain.ActionRestart, err) }()

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("acquiring stack lock: %w", err)
	}
	defer unlock()

	stack, err = s.store.GetStack(ctx, id)
	if err != nil {
		return nil, err
	}
	if stack.ExternalRef == "" {
		return nil, fmt.Errorf("%w: stack %s", domain.ErrNoExternalRef, id)
	}

	s.polls.cancel(id)

	deploying := domain.StatusDeploying
	cleared := ""
	updated, err := s.store.UpdateStack(ctx, id, &domain.StackPatch{Status: &deploying, ErrorMessage: &cleared})
	if err != nil {
		return nil, s.fail(ctx, stack, domain.ActionRestart, fmt.Errorf("marking stack deploying: %w", err))
	}
	stack = updated

	ref := domain.ServiceRef(stack.ExternalRef)
	if err := s.platform.RestartService(ctx, ref); err != nil {
		return nil, s.fail(ctx, stack, domain.ActionRestart, err)
	}

	s.record(ctx, stack, domain.ActionRestart, domain.EventSuccess, "")
	s.startPoll(id, ref)

	s.logger.Info("stack restart started", "stack_id", id, "external_ref", ref)
	return stack, nil
}

// Delete removes the stack. Platform deletion is best-effort: a failure is
// logged and the local record is removed regardless.
func (s *StackService) Delete(ctx context.Context, id string, opts domain.DeleteOptions) (err error) {
	defer func() { s.metrics.ObserveOperation(domain.ActionDelete, err) }()

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("acquiring stack lock: %w", err)
	}
	defer unlock()
	s.polls.cancel(id)

	stack, err := s.store.GetStack(ctx, id)
	if err != nil {
		return err
	}

	log := s.logger.With("stack_id", id, "tenant_id", stack.TenantID, "name", stack.Name)
	message := "no platform service"
	if stack.ExternalRef != "" {
		message = fmt.Sprintf("platform service %s deleted", stack.ExternalRef)
		if err := s.platform.DeleteService(ctx, domain.ServiceRef(stack.ExternalRef), opts); err != nil {
			message = fmt.Sprintf("platform deletion failed: %v", err)
			log.Warn("platform deletion failed, removing record anyway", "external_ref", stack.ExternalRef, "error", err)
		}
	}

	if err := s.store.DeleteStack(context.WithoutCancel(ctx), id); err != nil {
		return fmt.Errorf("deleting stack record: %w", err)
	}

	s.publish(ctx, stack, domain.ActionDelete, message)
	log.Info("stack deleted", "delete_volumes", opts.DeleteVolumes)
	return nil
}

// Status returns the stored stack merged with the live platform status.
// When the platform cannot be queried the report is marked stale. Status
// never writes.
func (s *StackService) Status(ctx context.Context, id string) (*domain.StatusReport, error) {
	stack, err := s.store.GetStack(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &domain.StatusReport{Stack: stack}
	if stack.ExternalRef == "" {
		return report, nil
	}

	live, err := s.platform.GetService(ctx, domain.ServiceRef(stack.ExternalRef))
	if err != nil {
		s.logger.Warn("live status unavailable", "stack_id", id, "error", err)
		report.Stale = true
		return report, nil
	}
	report.LiveStatus = live
	return report, nil
}

// Logs returns the last lines of the stack's container logs. Lines outside
// 1..MaxLogLines are clamped; zero means DefaultLogLines.
func (s *StackService) Logs(ctx context.Context, id string, lines int) (string, error) {
	stack, err := s.store.GetStack(ctx, id)
	if err != nil {
		return "", err
	}
	if stack.ExternalRef == "" {
		return "", fmt.Errorf("%w: stack %s", domain.ErrNoExternalRef, id)
	}
	return s.platform.GetLogs(ctx, domain.ServiceRef(stack.ExternalRef), ClampLogLines(lines))
}

// ClampLogLines normalizes a requested line count.
func ClampLogLines(lines int) int {
	switch {
	case lines == 0:
		return DefaultLogLines
	case lines < 1:
		return 1
	case lines > MaxLogLines:
		return MaxLogLines
	}
	return lines
}

// Get returns a single stack.
func (s *StackService) Get(ctx context.Context, id string) (*domain.Stack, error) {
	return s.store.GetStack(ctx, id)
}

// List returns the stacks matching filter.
func (s *StackService) List(ctx context.Context, filter domain.StackFilter) ([]*domain.Stack, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validation.NewValidationError("status", string(filter.Status), "unknown status", domain.ErrInvalidInput)
	}
	return s.store.ListStacks(ctx, filter)
}

// Events returns the stack's audit trail, newest first.
func (s *StackService) Events(ctx context.Context, id string, limit int) ([]*domain.StackEvent, error) {
	if _, err := s.store.GetStack(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListStackEvents(ctx, id, limit)
}

// Polling reports whether a reconciliation poll is running for the stack.
func (s *StackService) Polling(id string) bool {
	return s.polls.active(id)
}

// Shutdown cancels every reconciliation poll and waits for them to exit.
func (s *StackService) Shutdown() {
	s.polls.shutdown()
}

// fail records cause on the stack as status=error and returns it unchanged.
func (s *StackService) fail(ctx context.Context, stack *domain.Stack, action string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	status := domain.StatusError
	msg := cause.Error()

	updated, err := s.store.UpdateStack(ctx, stack.ID, &domain.StackPatch{Status: &status, ErrorMessage: &msg})
	if err != nil {
		s.logger.Error("recording stack failure", "stack_id", stack.ID, "cause", cause, "error", err)
		updated = stack.Clone()
		updated.Status = status
		updated.ErrorMessage = msg
	}

	s.logger.Warn("stack operation failed", "stack_id", stack.ID, "action", action, "error", cause)
	s.record(ctx, updated, action, domain.EventError, msg)
	return cause
}

// record appends an audit event and publishes the transition. Neither may
// fail the calling operation.
func (s *StackService) record(ctx context.Context, stack *domain.Stack, action, outcome, message string) {
	ctx = context.WithoutCancel(ctx)
	event := &domain.StackEvent{
		ID:        uuid.NewString(),
		StackID:   stack.ID,
		Action:    action,
		Status:    outcome,
		Message:   message,
		CreatedAt: s.opts.Now(),
	}
	if err := s.store.CreateStackEvent(ctx, event); err != nil {
		s.logger.Warn("recording stack event failed", "stack_id", stack.ID, "action", action, "error", err)
	}
	s.publish(ctx, stack, action, message)
}

func (s *StackService) publish(ctx context.Context, stack *domain.Stack, action, message string) {
	err := s.events.Publish(context.WithoutCancel(ctx), domain.LifecycleEvent{
		StackID:     stack.ID,
		TenantID:    stack.TenantID,
		Name:        stack.Name,
		Action:      action,
		Status:      stack.Status,
		ExternalRef: stack.ExternalRef,
		Message:     message,
		OccurredAt:  s.opts.Now(),
	})
	if err != nil {
		s.logger.Warn("publishing lifecycle event failed", "stack_id", stack.ID, "action", action, "error", err)
	}
}

func copyConfig(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

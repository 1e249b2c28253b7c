package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bcnelson/stack-provisioner/internal/domain"
)

// Poll outcomes, used as the metrics label.
const (
	outcomeRunning   = "running"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
	outcomeGone      = "gone"
)

// Ticker is the subset of time.Ticker the poll uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// pollRegistry tracks at most one reconciliation poll per stack.
type pollRegistry struct {
	root       context.Context
	cancelRoot context.CancelFunc

	mu     sync.Mutex
	polls  map[string]*poll
	closed bool
	wg     sync.WaitGroup
}

type poll struct {
	cancel context.CancelFunc
}

func newPollRegistry() *pollRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &pollRegistry{
		root:       ctx,
		cancelRoot: cancel,
		polls:      make(map[string]*poll),
	}
}

// start runs fn in a goroutine, cancelling any poll already registered for id.
func (r *pollRegistry) start(id string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if prev, ok := r.polls[id]; ok {
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(r.root)
	p := &poll{cancel: cancel}
	r.polls[id] = p

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			if r.polls[id] == p {
				delete(r.polls, id)
			}
			r.mu.Unlock()
		}()
		fn(ctx)
	}()
	return true
}

func (r *pollRegistry) cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.polls[id]; ok {
		p.cancel()
		delete(r.polls, id)
	}
}

func (r *pollRegistry) active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.polls[id]
	return ok
}

func (r *pollRegistry) shutdown() {
	r.mu.Lock()
	r.closed = true
	r.cancelRoot()
	r.mu.Unlock()
	r.wg.Wait()
}

func (s *StackService) startPoll(stackID string, ref domain.ServiceRef) {
	started := s.polls.start(stackID, func(ctx context.Context) {
		s.metrics.PollStarted()
		outcome := s.reconcile(ctx, stackID, ref)
		s.metrics.PollFinished(outcome)
		s.logger.Debug("reconciliation finished", "stack_id", stackID, "outcome", outcome)
	})
	if !started {
		s.logger.Warn("service shutting down, reconciliation not started", "stack_id", stackID)
	}
}

// reconcile polls the platform until the service settles, the attempt budget
// is spent or ctx is cancelled.
func (s *StackService) reconcile(ctx context.Context, stackID string, ref domain.ServiceRef) string {
	ticker := s.opts.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return outcomeCancelled
		case <-ticker.C():
		}
		if outcome, done := s.reconcileOnce(ctx, stackID, ref, attempt); done {
			return outcome
		}
	}
}

func (s *StackService) reconcileOnce(ctx context.Context, stackID string, ref domain.ServiceRef, attempt int) (string, bool) {
	log := s.logger.With("stack_id", stackID, "attempt", attempt)

	unlock, err := s.locker.Lock(ctx, stackID)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled, true
		}
		log.Warn("acquiring stack lock for reconciliation", "error", err)
		return s.checkBudget(ctx, stackID, attempt)
	}
	defer unlock()

	// A stop, restart or delete may have cancelled us while we waited.
	if ctx.Err() != nil {
		return outcomeCancelled, true
	}

	stack, err := s.store.GetStack(ctx, stackID)
	if errors.Is(err, domain.ErrNotFound) {
		return outcomeGone, true
	}
	if err != nil {
		log.Warn("loading stack for reconciliation", "error", err)
		return s.checkBudget(ctx, stackID, attempt)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	live, err := s.platform.GetService(callCtx, ref)
	cancel()
	if err != nil {
		log.Debug("platform status unavailable", "error", err)
		return s.checkBudget(ctx, stackID, attempt)
	}

	now := s.opts.Now()
	switch live.Health() {
	case domain.HealthHealthy:
		running := domain.StatusRunning
		cleared := ""
		s.settle(ctx, stack, &domain.StackPatch{Status: &running, ErrorMessage: &cleared, LastHealthCheck: &now},
			domain.EventSuccess, "service "+live.Status)
		log.Info("stack is running")
		return outcomeRunning, true
	case domain.HealthUnhealthy:
		failed := domain.StatusError
		msg := "container status: " + live.Status
		s.settle(ctx, stack, &domain.StackPatch{Status: &failed, ErrorMessage: &msg, LastHealthCheck: &now},
			domain.EventError, msg)
		log.Warn("stack is unhealthy", "platform_status", live.Status)
		return outcomeError, true
	}

	return s.checkBudget(ctx, stackID, attempt)
}

// checkBudget marks the stack failed once the last attempt is used.
func (s *StackService) checkBudget(ctx context.Context, stackID string, attempt int) (string, bool) {
	if attempt < s.opts.PollMaxAttempts {
		return "", false
	}

	stack, err := s.store.GetStack(ctx, stackID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return outcomeGone, true
		}
		s.logger.Error("loading stack after reconciliation timeout", "stack_id", stackID, "error", err)
		return outcomeTimeout, true
	}

	failed := domain.StatusError
	msg := fmt.Sprintf("deployment did not become healthy after %d status checks (%s)",
		attempt, time.Duration(attempt)*s.opts.PollInterval)
	s.settle(ctx, stack, &domain.StackPatch{Status: &failed, ErrorMessage: &msg}, domain.EventError, msg)
	s.logger.Warn("reconciliation finished without a healthy service", "stack_id", stackID, "attempts", attempt, "error", domain.ErrTimeout)
	return outcomeTimeout, true
}

func (s *StackService) settle(ctx context.Context, stack *domain.Stack, patch *domain.StackPatch, outcome, message string) {
	updated, err := s.store.UpdateStack(ctx, stack.ID, patch)
	if err != nil {
		s.logger.Error("recording reconciliation result", "stack_id", stack.ID, "error", err)
		return
	}
	s.record(ctx, updated, domain.ActionReconcile, outcome, message)
}

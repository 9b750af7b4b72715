/*
hooks.go - Post-commit hooks

PURPOSE:
  Runs side effects (settlement recompute, notifications) after a ledger
  mutation has committed. Hooks never block or fail the mutation.

DESIGN:
  - Each hook runs in its own goroutine on a context detached from the
    request, bounded by the runner timeout
  - A hook error or panic is recovered, logged as a DependencyError and
    counted; it is never returned to the caller
  - Wait blocks until every fired hook finished (shutdown and tests)

USAGE:
  hooks := NewHookRunner(10*time.Second, logger, metrics)
  hooks.Register(Hook{Name: "settlement_recompute", Run: settlements.RecomputeHook})
  ...
  hooks.Fire(ctx, MutationEvent{Op: "expense.create", GroupID: gid})
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MutationEvent describes a committed ledger change.
type MutationEvent struct {
	Op          string
	GroupID     GroupID
	ExpenseID   ExpenseID
	HistoryID   HistoryID
	OperationID string
}

// Hook is a named post-commit side effect.
type Hook struct {
	Name string
	Run  func(ctx context.Context, ev MutationEvent) error
}

// HookRunner fires registered hooks asynchronously.
type HookRunner struct {
	timeout time.Duration
	logger  *slog.Logger
	metrics Metrics

	mu    sync.RWMutex
	hooks []Hook

	// inflight counts started but unfinished hook runs. Unlike a WaitGroup
	// it may grow while Wait is blocked.
	inflightMu sync.Mutex
	inflight   int
	idle       *sync.Cond
}

func NewHookRunner(timeout time.Duration, logger *slog.Logger, metrics Metrics) *HookRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	r := &HookRunner{timeout: timeout, logger: logger, metrics: metrics}
	r.idle = sync.NewCond(&r.inflightMu)
	return r
}

// Register appends a hook. Hooks start in registration order and run
// concurrently.
func (r *HookRunner) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Fire starts every hook for ev and returns immediately.
func (r *HookRunner) Fire(ctx context.Context, ev MutationEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := append([]Hook(nil), r.hooks...)
	r.mu.RUnlock()

	if len(hooks) == 0 {
		return
	}

	r.inflightMu.Lock()
	r.inflight += len(hooks)
	r.inflightMu.Unlock()

	base := context.WithoutCancel(ctx)
	for _, h := range hooks {
		go r.run(base, h, ev)
	}
}

func (r *HookRunner) done() {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	r.inflight--
	if r.inflight == 0 {
		r.idle.Broadcast()
	}
}

func (r *HookRunner) run(base context.Context, h Hook, ev MutationEvent) {
	defer r.done()
	log := r.logger.With(
		"hook", h.Name,
		"op", ev.Op,
		"group_id", ev.GroupID,
		"operation_id", ev.OperationID,
	)
	defer func() {
		if p := recover(); p != nil {
			r.metrics.HookFailed(h.Name)
			log.Error("post-commit hook panicked", "panic", fmt.Sprint(p))
		}
	}()

	ctx, cancel := withTimeout(base, r.timeout)
	defer cancel()

	if err := h.Run(ctx, ev); err != nil {
		r.metrics.HookFailed(h.Name)
		log.Warn("post-commit hook failed", "error", &DependencyError{Op: h.Name, Err: err})
		return
	}
	log.Debug("post-commit hook done")
}

// Wait blocks until no hook is in flight. Hooks fired while waiting are
// waited for too.
func (r *HookRunner) Wait() {
	if r == nil {
		return
	}
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	for r.inflight > 0 {
		r.idle.Wait()
	}
}

// Drain waits for in-flight hooks or until ctx is done.
func (r *HookRunner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

/*
cache.go - Settlement cache service

PURPOSE:
  Serves a group's settlement plan from the SettlementCache or derives it
  from the live ledger. The cache is never authoritative: every entry can
  be reproduced from expense and split rows.

OPERATIONS:
  Get:          most recent cached plan, or an empty miss
  Recompute:    always re-derive from the ledger and overwrite the cache
  GetOrCompute: Get, falling back to Recompute on a miss (or when fresh)

  Results say whether they came from the cache or were just computed, so a
  stale plan is never presented as fresh.

  Recomputes of one group are serialized from ledger read to cache write.
  The last writer therefore always read the newest committed state, and an
  older plan can never overwrite a newer one.

SEE ALSO:
  - hooks.go: RecomputeHook runs after every committed mutation
  - store.go: SettlementCache contract
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// PlanSource tells callers how fresh a plan is.
type PlanSource string

const (
	SourceCache    PlanSource = "cache"
	SourceComputed PlanSource = "computed"
	SourceMiss     PlanSource = "none"
)

// PlanResult is a settlement plan plus provenance.
type PlanResult struct {
	GroupID     GroupID    `json:"group_id"`
	Settlements []Transfer `json:"settlements"`
	GeneratedAt time.Time  `json:"generated_at"`
	Source      PlanSource `json:"source"`
}

func (p *PlanResult) FromCache() bool { return p.Source == SourceCache }

// SettlementService combines the optimizer with a SettlementCache.
type SettlementService struct {
	store   LedgerReader
	cache   SettlementCache
	timeout time.Duration
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[GroupID]*sync.Mutex
}

func NewSettlementService(store LedgerReader, cache SettlementCache, timeout time.Duration, logger *slog.Logger, metrics Metrics) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &SettlementService{
		store:   store,
		cache:   cache,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[GroupID]*sync.Mutex),
	}
}

// lockGroup serializes recomputes per group. Locks are few (one per group
// ever recomputed) and kept for the service lifetime.
func (s *SettlementService) lockGroup(id GroupID) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Get returns the cached plan. A miss yields an empty plan with SourceMiss.
func (s *SettlementService) Get(ctx context.Context, id GroupID) (*PlanResult, error) {
	if err := validGroupID(id); err != nil {
		return nil, err
	}
	plan, err := s.cache.Get(ctx, id)
	if err != nil {
		return nil, &DependencyError{Op: "settlement cache get", Err: err}
	}
	if plan == nil {
		return &PlanResult{GroupID: id, Settlements: []Transfer{}, Source: SourceMiss}, nil
	}
	transfers := plan.Transfers
	if transfers == nil {
		transfers = []Transfer{}
	}
	return &PlanResult{GroupID: id, Settlements: transfers, GeneratedAt: plan.GeneratedAt, Source: SourceCache}, nil
}

// Recompute derives the plan from live ledger state and upserts it. If only
// the cache write fails, the computed plan is returned together with a
// DependencyError.
func (s *SettlementService) Recompute(ctx context.Context, id GroupID) (*PlanResult, error) {
	if err := validGroupID(id); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := s.recompute(ctx, id)
	s.metrics.Recompute(string(SourceComputed), time.Since(start), err)
	return res, err
}

func (s *SettlementService) recompute(ctx context.Context, id GroupID) (*PlanResult, error) {
	unlock := s.lockGroup(id)
	defer unlock()

	rctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	gl, err := loadGroupLedger(rctx, s.store, id, nil)
	if err != nil {
		return nil, classifyRead("settlement recompute", err)
	}
	plan := CachedPlan{
		GroupID:     id,
		Transfers:   OptimizeSettlements(NetBalances(AggregateBalances(gl.members, gl.expenses, gl.splits))),
		GeneratedAt: s.now(),
	}
	res := &PlanResult{GroupID: id, Settlements: plan.Transfers, GeneratedAt: plan.GeneratedAt, Source: SourceComputed}

	if err := s.cache.Put(ctx, plan); err != nil {
		return res, &DependencyError{Op: "settlement cache put", Err: err}
	}
	s.logger.Debug("settlements recomputed", "group_id", id, "transactions", len(plan.Transfers))
	return res, nil
}

// GetOrCompute serves from cache unless fresh is set or the cache misses.
// A failing cache read is logged and treated as a miss.
func (s *SettlementService) GetOrCompute(ctx context.Context, id GroupID, fresh bool) (*PlanResult, error) {
	if err := validGroupID(id); err != nil {
		return nil, err
	}
	if !fresh {
		res, err := s.Get(ctx, id)
		switch {
		case err != nil:
			s.logger.Warn("settlement cache unavailable, recomputing", "group_id", id, "error", err)
		case res.Source == SourceCache:
			return res, nil
		}
	}
	res, err := s.Recompute(ctx, id)
	if err != nil && res != nil && errors.Is(err, ErrDependency) {
		s.logger.Warn("settlement cache not updated", "group_id", id, "error", err)
		return res, nil
	}
	return res, err
}

// RecomputeHook is a post-commit Hook body.
func (s *SettlementService) RecomputeHook(ctx context.Context, ev MutationEvent) error {
	_, err := s.Recompute(ctx, ev.GroupID)
	return err
}

package ledger_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/splitledger/ledger"
	"github.com/warp/splitledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture is a memory-backed engine with a controllable clock.
type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *store.Memory
	cache   *store.MemoryCache
	engine  *ledger.Engine
	metrics *recordingMetrics
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	store  func(*store.Memory) ledger.Store
	cache  func(*store.MemoryCache) ledger.SettlementCache
	engine func(*ledger.EngineConfig)
}

func withStore(wrap func(*store.Memory) ledger.Store) fixtureOption {
	return func(c *fixtureConfig) { c.store = wrap }
}

func withCache(wrap func(*store.MemoryCache) ledger.SettlementCache) fixtureOption {
	return func(c *fixtureConfig) { c.cache = wrap }
}

func withEngineConfig(tune func(*ledger.EngineConfig)) fixtureOption {
	return func(c *fixtureConfig) { c.engine = tune }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{
		store: func(m *store.Memory) ledger.Store { return m },
		cache: func(c *store.MemoryCache) ledger.SettlementCache { return c },
	}
	for _, o := range opts {
		o(&cfg)
	}

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   store.NewMemory(),
		cache:   store.NewMemoryCache(),
		metrics: newRecordingMetrics(),
		clock:   &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	var ops int
	var opsMu sync.Mutex
	ecfg := ledger.EngineConfig{
		Now: f.clock.Now,
		NewOperationID: func() string {
			opsMu.Lock()
			defer opsMu.Unlock()
			ops++
			return fmt.Sprintf("op-%d", ops)
		},
	}
	if cfg.engine != nil {
		cfg.engine(&ecfg)
	}
	f.engine = ledger.NewEngine(cfg.store(f.store), cfg.cache(f.cache), ecfg, discardLogger(), f.metrics)
	t.Cleanup(f.engine.Hooks.Wait)
	return f
}

func (f *fixture) user(name string) ledger.UserID {
	f.t.Helper()
	u := &ledger.User{Name: name}
	require.NoError(f.t, f.store.CreateUser(f.ctx, u))
	return u.ID
}

func (f *fixture) group(creator ledger.UserID, members ...ledger.UserID) ledger.GroupID {
	f.t.Helper()
	g := &ledger.Group{Name: "group", CreatedBy: creator}
	require.NoError(f.t, f.store.CreateGroup(f.ctx, g, members))
	return g.ID
}

func (f *fixture) subGroup(parent ledger.GroupID, creator ledger.UserID, members ...ledger.UserID) ledger.GroupID {
	f.t.Helper()
	g := &ledger.Group{Name: "sub", CreatedBy: creator, ParentID: &parent}
	require.NoError(f.t, f.store.CreateGroup(f.ctx, g, members))
	return g.ID
}

func (f *fixture) expense(gid ledger.GroupID, payer ledger.UserID, cents int64, at time.Time, participants ...ledger.UserID) *ledger.Expense {
	f.t.Helper()
	e, _, err := f.engine.Expenses.Create(f.ctx, ledger.NewExpense{
		GroupID:      gid,
		PaidBy:       payer,
		Amount:       ledger.Cents(cents),
		Description:  fmt.Sprintf("expense by %d", payer),
		Participants: participants,
		CreatedAt:    at,
	})
	require.NoError(f.t, err)
	return e
}

func (f *fixture) balances(gid ledger.GroupID) map[ledger.UserID]ledger.Money {
	f.t.Helper()
	rows, err := f.engine.Balances.Balances(f.ctx, gid, nil)
	require.NoError(f.t, err)
	out := make(map[ledger.UserID]ledger.Money, len(rows))
	for _, r := range rows {
		out[r.UserID] = r.Balance
	}
	return out
}

// =============================================================================
// METRICS RECORDER
// =============================================================================

type recordingMetrics struct {
	mu             sync.Mutex
	mutations      map[string]int
	failures       map[string]int
	recomputes     int
	hookFailures   map[string]int
	historyFailure map[ledger.HistoryAction]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		mutations:      make(map[string]int),
		failures:       make(map[string]int),
		hookFailures:   make(map[string]int),
		historyFailure: make(map[ledger.HistoryAction]int),
	}
}

func (m *recordingMetrics) Mutation(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures[op]++
		return
	}
	m.mutations[op]++
}

func (m *recordingMetrics) Recompute(string, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputes++
}

func (m *recordingMetrics) HookFailed(hook string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hookFailures[hook]++
}

func (m *recordingMetrics) HistoryWriteFailed(action ledger.HistoryAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyFailure[action]++
}

func (m *recordingMetrics) hookFailureCount(hook string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hookFailures[hook]
}

func (m *recordingMetrics) historyFailureCount(action ledger.HistoryAction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyFailure[action]
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore fails history appends inside transactions.
type faultyStore struct {
	*store.Memory
	historyErr error
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(ledger.Ledger) error) error {
	return s.Memory.WithTx(ctx, func(l ledger.Ledger) error {
		return fn(&faultyLedger{Ledger: l, historyErr: s.historyErr})
	})
}

type faultyLedger struct {
	ledger.Ledger
	historyErr error
}

func (l *faultyLedger) AppendHistory(ctx context.Context, h *ledger.HistoryEntry) error {
	if l.historyErr != nil {
		return l.historyErr
	}
	return l.Ledger.AppendHistory(ctx, h)
}

// faultyCache fails reads and/or writes.
type faultyCache struct {
	*store.MemoryCache
	getErr error
	putErr error
}

func (c *faultyCache) Get(ctx context.Context, id ledger.GroupID) (*ledger.CachedPlan, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.MemoryCache.Get(ctx, id)
}

func (c *faultyCache) Put(ctx context.Context, plan ledger.CachedPlan) error {
	if c.putErr != nil {
		return c.putErr
	}
	return c.MemoryCache.Put(ctx, plan)
}

// interceptStore lets a test act while a snapshot read is in progress
// (listExpenses) or right after it was released (afterRead).
type interceptStore struct {
	*store.Memory
	listExpenses func(ctx context.Context) error
	afterRead    func()
}

func (s *interceptStore) ReadTx(ctx context.Context, fn func(ledger.LedgerReader) error) error {
	err := s.Memory.ReadTx(ctx, func(r ledger.LedgerReader) error {
		return fn(&interceptReader{LedgerReader: r, listExpenses: s.listExpenses})
	})
	if s.afterRead != nil {
		s.afterRead()
	}
	return err
}

type interceptReader struct {
	ledger.LedgerReader
	listExpenses func(ctx context.Context) error
}

func (r *interceptReader) ListExpenses(ctx context.Context, id ledger.GroupID, cutoff *time.Time) ([]ledger.Expense, error) {
	if r.listExpenses != nil {
		if err := r.listExpenses(ctx); err != nil {
			return nil, err
		}
	}
	return r.LedgerReader.ListExpenses(ctx, id, cutoff)
}

package ledger

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EngineConfig tunes the services. Zero values take defaults.
type EngineConfig struct {
	QueryTimeout      time.Duration
	HookTimeout       time.Duration
	AuditDefaultLimit int
	AuditMaxLimit     int

	// Now and NewOperationID are overridable for tests.
	Now            func() time.Time
	NewOperationID func() string
}

const (
	DefaultQueryTimeout  = 5 * time.Second
	DefaultHookTimeout   = 10 * time.Second
	DefaultAuditLimit    = 50
	DefaultAuditMaxLimit = 200
)

func (c EngineConfig) withDefaults() EngineConfig {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = DefaultHookTimeout
	}
	if c.AuditMaxLimit <= 0 {
		c.AuditMaxLimit = DefaultAuditMaxLimit
	}
	if c.AuditDefaultLimit <= 0 {
		c.AuditDefaultLimit = DefaultAuditLimit
	}
	if c.AuditDefaultLimit > c.AuditMaxLimit {
		c.AuditDefaultLimit = c.AuditMaxLimit
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.NewOperationID == nil {
		c.NewOperationID = uuid.NewString
	}
	return c
}

// Engine bundles the services over one store and cache. A settlement
// recompute hook is registered on construction.
type Engine struct {
	Balances    *BalanceAggregator
	Graph       *GraphService
	Settlements *SettlementService
	History     *HistoryEngine
	Expenses    *ExpenseService
	Hooks       *HookRunner
}

func NewEngine(store Store, cache SettlementCache, cfg EngineConfig, logger *slog.Logger, metrics Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	cfg = cfg.withDefaults()

	hooks := NewHookRunner(cfg.HookTimeout, logger, metrics)
	settlements := NewSettlementService(store, cache, cfg.QueryTimeout, logger, metrics)
	settlements.now = cfg.Now
	hooks.Register(Hook{Name: "settlement_recompute", Run: settlements.RecomputeHook})

	return &Engine{
		Balances:    NewBalanceAggregator(store, cfg.QueryTimeout, logger),
		Graph:       NewGraphService(store, cfg.QueryTimeout, logger),
		Settlements: settlements,
		History:     NewHistoryEngine(store, hooks, cfg, logger, metrics),
		Expenses:    NewExpenseService(store, hooks, cfg, logger, metrics),
		Hooks:       hooks,
	}
}

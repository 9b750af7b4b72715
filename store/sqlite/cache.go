package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/splitledger/ledger"
)

// =============================================================================
// SETTLEMENT CACHE (ledger.SettlementCache)
// =============================================================================

// SettlementCache persists plans in the settlement_cache table.
type SettlementCache struct {
	s *Store
}

// SettlementCache returns a cache sharing this store's database.
func (s *Store) SettlementCache() *SettlementCache {
	return &SettlementCache{s: s}
}

func (c *SettlementCache) Get(ctx context.Context, id ledger.GroupID) (*ledger.CachedPlan, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	var (
		raw       string
		generated int64
	)
	err := c.s.db.QueryRowContext(ctx,
		`SELECT settlements_json, generated_at FROM settlement_cache WHERE group_id = ?`, id,
	).Scan(&raw, &generated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settlement cache: %w", err)
	}

	plan := &ledger.CachedPlan{GroupID: id, GeneratedAt: fromNanos(generated)}
	if err := json.Unmarshal([]byte(raw), &plan.Transfers); err != nil {
		return nil, fmt.Errorf("failed to decode cached settlements: %w", err)
	}
	return plan, nil
}

// Put upserts the plan for its group.
func (c *SettlementCache) Put(ctx context.Context, plan ledger.CachedPlan) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	transfers := plan.Transfers
	if transfers == nil {
		transfers = []ledger.Transfer{}
	}
	raw, err := json.Marshal(transfers)
	if err != nil {
		return fmt.Errorf("failed to encode settlements: %w", err)
	}
	_, err = c.s.db.ExecContext(ctx, `
		INSERT INTO settlement_cache (group_id, settlements_json, generated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			settlements_json = excluded.settlements_json,
			generated_at = excluded.generated_at
	`, plan.GroupID, string(raw), toNanos(plan.GeneratedAt))
	if err != nil {
		return fmt.Errorf("failed to write settlement cache: %w", err)
	}
	return nil
}

var _ ledger.SettlementCache = (*SettlementCache)(nil)

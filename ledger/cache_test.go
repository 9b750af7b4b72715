package ledger_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/splitledger/ledger"
	"github.com/warp/splitledger/ledger/store"
)

func TestSettlements_MissThenHookFillsCache(t *testing.T) {
	// GIVEN: an empty cache
	f := newFixture(t)
	ann, ben := f.user("Ann"), f.user("Ben")
	gid := f.group(ann, ben)

	res, err := f.engine.Settlements.Get(f.ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceMiss, res.Source)
	assert.NotNil(t, res.Settlements)
	assert.Empty(t, res.Settlements)

	// WHEN: an expense commits and the recompute hook runs
	f.expense(gid, ann, 4000, jan10)
	f.engine.Hooks.Wait()

	// THEN: the cached plan reflects it
	res, err = f.engine.Settlements.Get(f.ctx, gid)
	require.NoError(t, err)
	assert.True(t, res.FromCache())
	require.Len(t, res.Settlements, 1)
	assert.Equal(t, ben, res.Settlements[0].From)
	assert.Equal(t, ann, res.Settlements[0].To)
	assert.Equal(t, ledger.Cents(2000), res.Settlements[0].Amount)
}

func TestSettlements_GetOrCompute(t *testing.T) {
	f := newFixture(t)
	ann, ben := f.user("Ann"), f.user("Ben")
	gid := f.group(ann, ben)

	// a miss computes and stores
	res, err := f.engine.Settlements.GetOrCompute(f.ctx, gid, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceComputed, res.Source)

	res, err = f.engine.Settlements.GetOrCompute(f.ctx, gid, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceCache, res.Source)

	res, err = f.engine.Settlements.GetOrCompute(f.ctx, gid, true)
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceComputed, res.Source, "fresh bypasses the cache")
}

func TestSettlements_RecomputeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ann, ben, cat := f.user("Ann"), f.user("Ben"), f.user("Cat")
	gid := f.group(ann, ben, cat)
	f.expense(gid, ann, 9000, jan10)
	f.expense(gid, ben, 3000, feb10)
	f.engine.Hooks.Wait()

	first, err := f.engine.Settlements.Recompute(f.ctx, gid)
	require.NoError(t, err)
	second, err := f.engine.Settlements.Recompute(f.ctx, gid)
	require.NoError(t, err)

	assert.Equal(t, first.Settlements, second.Settlements)
	cached, err := f.cache.Get(f.ctx, gid)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, second.Settlements, cached.Transfers)
	assert.Equal(t, second.GeneratedAt, cached.GeneratedAt)
}

func TestSettlements_CacheWriteFailure(t *testing.T) {
	// GIVEN: a cache that rejects writes
	broken := func(c *store.MemoryCache) ledger.SettlementCache {
		return &faultyCache{MemoryCache: c, putErr: errors.New("redis down")}
	}
	f := newFixture(t, withCache(broken))
	ann, ben := f.user("Ann"), f.user("Ben")
	gid := f.group(ann, ben)

	// WHEN: an expense commits
	exp := f.expense(gid, ann, 1000, jan10)
	f.engine.Hooks.Wait()

	// THEN: the mutation stands and the hook failure is counted
	_, _, err := f.engine.Expenses.Get(f.ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.metrics.hookFailureCount("settlement_recompute"))

	// Recompute still returns the plan alongside the dependency error
	res, err := f.engine.Settlements.Recompute(f.ctx, gid)
	assert.ErrorIs(t, err, ledger.ErrDependency)
	require.NotNil(t, res)
	assert.Len(t, res.Settlements, 1)

	// GetOrCompute swallows it
	res, err = f.engine.Settlements.GetOrCompute(f.ctx, gid, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceComputed, res.Source)
}

func TestSettlements_CacheReadFailure(t *testing.T) {
	broken := func(c *store.MemoryCache) ledger.SettlementCache {
		return &faultyCache{MemoryCache: c, getErr: errors.New("connection reset")}
	}
	f := newFixture(t, withCache(broken))
	ann, ben := f.user("Ann"), f.user("Ben")
	gid := f.group(ann, ben)

	_, err := f.engine.Settlements.Get(f.ctx, gid)
	assert.ErrorIs(t, err, ledger.ErrDependency)

	res, err := f.engine.Settlements.GetOrCompute(f.ctx, gid, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceComputed, res.Source)
}

func TestSettlements_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Settlements.Recompute(f.ctx, 77)
	assert.ErrorIs(t, err, ledger.ErrGroupNotFound)
	_, err = f.engine.Settlements.Get(f.ctx, 0)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = f.engine.Settlements.GetOrCompute(f.ctx, -3, true)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestSettlements_OverlappingRecomputesKeepNewestPlan(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var armed atomic.Bool
	gated := func(m *store.Memory) ledger.Store {
		return &interceptStore{Memory: m, afterRead: func() {
			if armed.CompareAndSwap(true, false) {
				close(entered)
				<-release
			}
		}}
	}
	f := newFixture(t, withStore(gated))
	ann, ben := f.user("Ann"), f.user("Ben")
	gid := f.group(ann, ben)

	// GIVEN: a recompute that has read the ledger but not yet written the cache
	armed.Store(true)
	f.expense(gid, ann, 4000, jan10)
	<-entered

	// WHEN: a second expense commits and its recompute starts meanwhile
	f.expense(gid, ben, 1000, feb10)
	time.Sleep(20 * time.Millisecond)
	close(release)
	f.engine.Hooks.Wait()

	// THEN: the cache holds the plan for both expenses
	cached, err := f.engine.Settlements.Get(f.ctx, gid)
	require.NoError(t, err)
	require.True(t, cached.FromCache())
	require.Len(t, cached.Settlements, 1)
	assert.Equal(t, ledger.Cents(1500), cached.Settlements[0].Amount)

	fresh, err := f.engine.Settlements.Recompute(f.ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, fresh.Settlements, cached.Settlements)
}

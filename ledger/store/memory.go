// Package store provides in-memory ledger.Store and ledger.SettlementCache
// implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/splitledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	users    map[ledger.UserID]ledger.User
	groups   map[ledger.GroupID]ledger.Group
	members  map[ledger.GroupID]map[ledger.UserID]bool
	expenses map[ledger.ExpenseID]ledger.Expense
	splits   map[ledger.ExpenseID][]ledger.Split
	history  []ledger.HistoryEntry

	nextUser    ledger.UserID
	nextGroup   ledger.GroupID
	nextExpense ledger.ExpenseID
	nextHistory ledger.HistoryID
}

func NewMemory() *Memory {
	return &Memory{state: emptyState()}
}

func emptyState() state {
	return state{
		users:    make(map[ledger.UserID]ledger.User),
		groups:   make(map[ledger.GroupID]ledger.Group),
		members:  make(map[ledger.GroupID]map[ledger.UserID]bool),
		expenses: make(map[ledger.ExpenseID]ledger.Expense),
		splits:   make(map[ledger.ExpenseID][]ledger.Split),
	}
}

func (m *Memory) Close() error { return nil }

// Reset clears all data and restarts id sequences.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = emptyState()
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetGroup(_ context.Context, id ledger.GroupID) (*ledger.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getGroup(id)
}

func (m *Memory) ListMembers(_ context.Context, id ledger.GroupID) ([]ledger.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listMembers(id)
}

func (m *Memory) ListExpenses(_ context.Context, id ledger.GroupID, cutoff *time.Time) ([]ledger.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listExpenses(id, cutoff), nil
}

func (m *Memory) ListSplits(_ context.Context, ids []ledger.ExpenseID) ([]ledger.Split, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSplits(ids), nil
}

func (m *Memory) GetExpense(_ context.Context, id ledger.ExpenseID) (*ledger.Expense, []ledger.Split, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getExpense(id)
}

func (m *Memory) GetHistory(_ context.Context, id ledger.HistoryID) (*ledger.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getHistory(id)
}

func (m *Memory) AuditTrail(_ context.Context, id ledger.GroupID, limit int) ([]ledger.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterHistory(func(h ledger.HistoryEntry) bool { return h.GroupID == id })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ExpenseHistory(_ context.Context, id ledger.ExpenseID) ([]ledger.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterHistory(func(h ledger.HistoryEntry) bool { return h.ExpenseID == id }), nil
}

func (s *state) getGroup(id ledger.GroupID) (*ledger.Group, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, ledger.NewNotFound("group", int64(id))
	}
	return &g, nil
}

func (s *state) listMembers(id ledger.GroupID) ([]ledger.Member, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, ledger.NewNotFound("group", int64(id))
	}
	ids := []ledger.UserID{g.CreatedBy}
	for uid := range s.members[id] {
		if uid != g.CreatedBy {
			ids = append(ids, uid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ledger.Member, 0, len(ids))
	for _, uid := range ids {
		out = append(out, ledger.Member{ID: uid, Name: s.users[uid].Name})
	}
	return out, nil
}

func (s *state) listExpenses(id ledger.GroupID, cutoff *time.Time) []ledger.Expense {
	out := make([]ledger.Expense, 0)
	for _, e := range s.expenses {
		if e.GroupID != id {
			continue
		}
		if cutoff != nil && e.CreatedAt.After(*cutoff) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) listSplits(ids []ledger.ExpenseID) []ledger.Split {
	out := make([]ledger.Split, 0)
	for _, id := range ids {
		out = append(out, s.splits[id]...)
	}
	return out
}

func (s *state) getExpense(id ledger.ExpenseID) (*ledger.Expense, []ledger.Split, error) {
	e, ok := s.expenses[id]
	if !ok {
		return nil, nil, ledger.NewNotFound("expense", int64(id))
	}
	return &e, append([]ledger.Split(nil), s.splits[id]...), nil
}

func (s *state) getHistory(id ledger.HistoryID) (*ledger.HistoryEntry, error) {
	for _, h := range s.history {
		if h.ID == id {
			return &h, nil
		}
	}
	return nil, ledger.NewNotFound("history", int64(id))
}

// filterHistory returns matching entries newest first.
func (s *state) filterHistory(match func(ledger.HistoryEntry) bool) []ledger.HistoryEntry {
	out := make([]ledger.HistoryEntry, 0)
	for i := len(s.history) - 1; i >= 0; i-- {
		if match(s.history[i]) {
			out = append(out, s.history[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ChangedAt.After(out[j].ChangedAt)
	})
	return out
}

// =============================================================================
// WRITES - Only reachable through WithTx
// =============================================================================

func (s *state) insertExpense(e *ledger.Expense) error {
	if _, ok := s.groups[e.GroupID]; !ok {
		return ledger.NewNotFound("group", int64(e.GroupID))
	}
	s.nextExpense++
	e.ID = s.nextExpense
	s.expenses[e.ID] = *e
	return nil
}

func (s *state) insertSplits(splits []ledger.Split) error {
	for _, sp := range splits {
		if _, ok := s.expenses[sp.ExpenseID]; !ok {
			return ledger.NewNotFound("expense", int64(sp.ExpenseID))
		}
		for _, existing := range s.splits[sp.ExpenseID] {
			if existing.UserID == sp.UserID {
				return fmt.Errorf("split for user %d on expense %d already exists", sp.UserID, sp.ExpenseID)
			}
		}
		s.splits[sp.ExpenseID] = append(s.splits[sp.ExpenseID], sp)
	}
	return nil
}

func (s *state) deleteExpense(id ledger.ExpenseID) error {
	if _, ok := s.expenses[id]; !ok {
		return ledger.NewNotFound("expense", int64(id))
	}
	delete(s.splits, id)
	delete(s.expenses, id)
	return nil
}

func (s *state) appendHistory(h *ledger.HistoryEntry) error {
	if !h.Action.Valid() {
		return fmt.Errorf("unknown history action %q", h.Action)
	}
	s.nextHistory++
	h.ID = s.nextHistory
	s.history = append(s.history, *h)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Ledger) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// ReadTx runs fn under the read lock so every read sees the same state.
func (m *Memory) ReadTx(_ context.Context, fn func(ledger.LedgerReader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&txView{state: &m.state})
}

func (s *state) clone() state {
	c := *s
	c.users = make(map[ledger.UserID]ledger.User, len(s.users))
	for k, v := range s.users {
		c.users[k] = v
	}
	c.groups = make(map[ledger.GroupID]ledger.Group, len(s.groups))
	for k, v := range s.groups {
		c.groups[k] = v
	}
	c.members = make(map[ledger.GroupID]map[ledger.UserID]bool, len(s.members))
	for k, v := range s.members {
		set := make(map[ledger.UserID]bool, len(v))
		for uid := range v {
			set[uid] = true
		}
		c.members[k] = set
	}
	c.expenses = make(map[ledger.ExpenseID]ledger.Expense, len(s.expenses))
	for k, v := range s.expenses {
		c.expenses[k] = v
	}
	c.splits = make(map[ledger.ExpenseID][]ledger.Split, len(s.splits))
	for k, v := range s.splits {
		c.splits[k] = append([]ledger.Split(nil), v...)
	}
	c.history = append([]ledger.HistoryEntry(nil), s.history...)
	return c
}

// txView operates on the parent's state while the parent lock is held.
type txView struct {
	state *state
}

func (tv *txView) GetGroup(_ context.Context, id ledger.GroupID) (*ledger.Group, error) {
	return tv.state.getGroup(id)
}

func (tv *txView) ListMembers(_ context.Context, id ledger.GroupID) ([]ledger.Member, error) {
	return tv.state.listMembers(id)
}

func (tv *txView) ListExpenses(_ context.Context, id ledger.GroupID, cutoff *time.Time) ([]ledger.Expense, error) {
	return tv.state.listExpenses(id, cutoff), nil
}

func (tv *txView) ListSplits(_ context.Context, ids []ledger.ExpenseID) ([]ledger.Split, error) {
	return tv.state.listSplits(ids), nil
}

func (tv *txView) GetExpense(_ context.Context, id ledger.ExpenseID) (*ledger.Expense, []ledger.Split, error) {
	return tv.state.getExpense(id)
}

func (tv *txView) GetHistory(_ context.Context, id ledger.HistoryID) (*ledger.HistoryEntry, error) {
	return tv.state.getHistory(id)
}

func (tv *txView) InsertExpense(_ context.Context, e *ledger.Expense) error {
	return tv.state.insertExpense(e)
}

func (tv *txView) InsertSplits(_ context.Context, splits []ledger.Split) error {
	return tv.state.insertSplits(splits)
}

func (tv *txView) DeleteExpense(_ context.Context, id ledger.ExpenseID) error {
	return tv.state.deleteExpense(id)
}

func (tv *txView) AppendHistory(_ context.Context, h *ledger.HistoryEntry) error {
	return tv.state.appendHistory(h)
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (m *Memory) CreateUser(_ context.Context, u *ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUser++
	u.ID = m.nextUser
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ledger.NewNotFound("user", int64(id))
	}
	return &u, nil
}

func (m *Memory) CreateGroup(_ context.Context, g *ledger.Group, members []ledger.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[g.CreatedBy]; !ok {
		return ledger.NewNotFound("user", int64(g.CreatedBy))
	}
	if g.ParentID != nil {
		if _, ok := m.groups[*g.ParentID]; !ok {
			return ledger.NewNotFound("group", int64(*g.ParentID))
		}
	}
	if err := m.checkUsers(members); err != nil {
		return err
	}

	m.nextGroup++
	g.ID = m.nextGroup
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	m.groups[g.ID] = *g
	set := map[ledger.UserID]bool{g.CreatedBy: true}
	for _, uid := range members {
		set[uid] = true
	}
	m.members[g.ID] = set
	return nil
}

func (m *Memory) AddMembers(_ context.Context, id ledger.GroupID, members []ledger.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[id]; !ok {
		return ledger.NewNotFound("group", int64(id))
	}
	if err := m.checkUsers(members); err != nil {
		return err
	}
	for _, uid := range members {
		m.members[id][uid] = true
	}
	return nil
}

func (m *Memory) ListSubGroups(_ context.Context, parent ledger.GroupID) ([]ledger.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Group, 0)
	for _, g := range m.groups {
		if g.ParentID != nil && *g.ParentID == parent {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) checkUsers(ids []ledger.UserID) error {
	for _, uid := range ids {
		if _, ok := s.users[uid]; !ok {
			return ledger.NewNotFound("user", int64(uid))
		}
	}
	return nil
}

// =============================================================================
// SETTLEMENT CACHE
// =============================================================================

// MemoryCache is a process-local SettlementCache.
type MemoryCache struct {
	mu    sync.RWMutex
	plans map[ledger.GroupID]ledger.CachedPlan
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{plans: make(map[ledger.GroupID]ledger.CachedPlan)}
}

func (c *MemoryCache) Get(_ context.Context, id ledger.GroupID) (*ledger.CachedPlan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[id]
	if !ok {
		return nil, nil
	}
	p.Transfers = append([]ledger.Transfer{}, p.Transfers...)
	return &p, nil
}

func (c *MemoryCache) Put(_ context.Context, plan ledger.CachedPlan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	plan.Transfers = append([]ledger.Transfer{}, plan.Transfers...)
	c.plans[plan.GroupID] = plan
	return nil
}

var (
	_ ledger.Store           = (*Memory)(nil)
	_ ledger.Ledger          = (*txView)(nil)
	_ ledger.SettlementCache = (*MemoryCache)(nil)
)

/*
history.go - Audit trail, undo/redo and time travel

PURPOSE:
  Every ledger mutation leaves an immutable HistoryEntry whose Snapshot is
  the only source of truth for restoring a deleted expense.

STATE MACHINE (per expense):
  live --undo--> deleted --redo--> live again under a NEW expense id

  undo: snapshot expense + splits into a "deleted" entry, then remove the
        live rows. Both happen in one transaction or not at all.
  redo: re-insert expense + splits from a "deleted" entry's Old state and
        append a "restored" entry pointing back at that entry.

  Callers must not assume expense ids are stable across undo/redo.

HISTORY WRITES:
  - undo: strict. The deleted snapshot is what makes redo possible.
  - create, redo: best-effort inside the transaction. A failed write is
    logged as a data-integrity risk and counted, the mutation still commits.

SEE ALSO:
  - snapshot.go: versioned snapshot layout
  - balance.go: cutoff parsing and aggregation used by BalancesAtDate
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// HistoryStore is the store surface used by the history engine.
type HistoryStore interface {
	LedgerReader
	TxStore
	AuditStore
}

// historyRecorder appends entries without failing the surrounding mutation.
type historyRecorder struct {
	logger  *slog.Logger
	metrics Metrics
}

// record returns false when the entry could not be written.
func (r historyRecorder) record(ctx context.Context, l LedgerWriter, h *HistoryEntry) bool {
	if err := l.AppendHistory(ctx, h); err != nil {
		r.metrics.HistoryWriteFailed(h.Action)
		r.logger.Error("history entry not recorded; audit trail is incomplete",
			"expense_id", h.ExpenseID,
			"group_id", h.GroupID,
			"action", h.Action,
			"operation_id", h.OperationID,
			"error", &DependencyError{Op: "record history", Err: err},
		)
		return false
	}
	return true
}

// =============================================================================
// HISTORY ENGINE
// =============================================================================

type HistoryEngine struct {
	store        HistoryStore
	hooks        *HookRunner
	rec          historyRecorder
	logger       *slog.Logger
	metrics      Metrics
	timeout      time.Duration
	defaultLimit int
	maxLimit     int
	now          func() time.Time
	newOpID      func() string
}

func NewHistoryEngine(store HistoryStore, hooks *HookRunner, cfg EngineConfig, logger *slog.Logger, metrics Metrics) *HistoryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	cfg = cfg.withDefaults()
	return &HistoryEngine{
		store:        store,
		hooks:        hooks,
		rec:          historyRecorder{logger: logger, metrics: metrics},
		logger:       logger,
		metrics:      metrics,
		timeout:      cfg.QueryTimeout,
		defaultLimit: cfg.AuditDefaultLimit,
		maxLimit:     cfg.AuditMaxLimit,
		now:          cfg.Now,
		newOpID:      cfg.NewOperationID,
	}
}

// RecordHistory appends one entry in its own transaction. Failures are
// logged and reported as false, never returned.
func (h *HistoryEngine) RecordHistory(ctx context.Context, expenseID ExpenseID, groupID GroupID, action HistoryAction, actor UserID, before, after *ExpenseState) bool {
	now := h.now()
	entry := &HistoryEntry{
		ExpenseID:   expenseID,
		GroupID:     groupID,
		Action:      action,
		ChangedBy:   actor,
		Snapshot:    Snapshot{Version: SnapshotVersion, Old: before, New: after, Timestamp: now},
		OperationID: h.newOpID(),
		ChangedAt:   now,
	}
	ok := true
	err := h.store.WithTx(ctx, func(l Ledger) error {
		ok = h.rec.record(ctx, l, entry)
		return nil
	})
	if err != nil {
		h.logger.Error("history transaction failed", "expense_id", expenseID, "error", err)
		return false
	}
	return ok
}

// UndoResult reports a completed undo.
type UndoResult struct {
	ExpenseID   ExpenseID `json:"expense_id"`
	GroupID     GroupID   `json:"group_id"`
	HistoryID   HistoryID `json:"history_id"`
	OperationID string    `json:"operation_id"`
}

// Undo deletes a live expense, keeping a replayable "deleted" snapshot.
func (h *HistoryEngine) Undo(ctx context.Context, id ExpenseID, actor UserID) (*UndoResult, error) {
	if id <= 0 {
		return nil, &ValidationError{Field: "expense_id", Reason: fmt.Sprintf("must be positive, got %d", id)}
	}
	if actor <= 0 {
		return nil, &ValidationError{Field: "actor", Reason: "acting user is required"}
	}

	opID := h.newOpID()
	var entry HistoryEntry
	err := h.store.WithTx(ctx, func(l Ledger) error {
		exp, splits, err := l.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		now := h.now()
		entry = HistoryEntry{
			ExpenseID:   exp.ID,
			GroupID:     exp.GroupID,
			Action:      ActionDeleted,
			ChangedBy:   actor,
			Snapshot:    Snapshot{Version: SnapshotVersion, Old: StateOf(*exp, splits), Timestamp: now},
			OperationID: opID,
			ChangedAt:   now,
		}
		if err := l.AppendHistory(ctx, &entry); err != nil {
			return fmt.Errorf("record deletion: %w", err)
		}
		if err := l.DeleteExpense(ctx, exp.ID); err != nil {
			return fmt.Errorf("delete expense: %w", err)
		}
		return nil
	})
	h.metrics.Mutation("undo", err)
	if err != nil {
		return nil, mutationFailed("undo", err)
	}

	h.logger.Info("expense undone",
		"expense_id", id,
		"group_id", entry.GroupID,
		"history_id", entry.ID,
		"operation_id", opID,
	)
	h.hooks.Fire(ctx, MutationEvent{Op: "expense.undo", GroupID: entry.GroupID, ExpenseID: id, HistoryID: entry.ID, OperationID: opID})
	return &UndoResult{ExpenseID: id, GroupID: entry.GroupID, HistoryID: entry.ID, OperationID: opID}, nil
}

// RedoResult reports a restored expense. NewExpenseID differs from the
// deleted one.
type RedoResult struct {
	NewExpenseID ExpenseID `json:"new_expense_id"`
	GroupID      GroupID   `json:"group_id"`
	RestoredFrom HistoryID `json:"restored_from"`
	HistoryID    HistoryID `json:"history_id,omitempty"`
	OperationID  string    `json:"operation_id"`
}

// Redo re-creates the expense captured by a "deleted" history entry.
func (h *HistoryEngine) Redo(ctx context.Context, historyID HistoryID, actor UserID) (*RedoResult, error) {
	if historyID <= 0 {
		return nil, &ValidationError{Field: "history_id", Reason: fmt.Sprintf("must be positive, got %d", historyID)}
	}
	if actor <= 0 {
		return nil, &ValidationError{Field: "actor", Reason: "acting user is required"}
	}

	opID := h.newOpID()
	var (
		exp      Expense
		restored HistoryEntry
		logged   bool
	)
	err := h.store.WithTx(ctx, func(l Ledger) error {
		src, err := l.GetHistory(ctx, historyID)
		if err != nil {
			return err
		}
		if src.Action != ActionDeleted {
			return &InvalidStateError{Reason: fmt.Sprintf("history entry %d is a %q entry, not a deletion", historyID, src.Action)}
		}
		old := src.Snapshot.Old
		if old == nil {
			return &InvalidStateError{Reason: fmt.Sprintf("history entry %d has no snapshot to restore", historyID)}
		}
		if err := old.Validate(); err != nil {
			return err
		}
		if _, err := l.GetGroup(ctx, old.GroupID); err != nil {
			return err
		}

		now := h.now()
		exp = Expense{
			GroupID:     old.GroupID,
			PaidBy:      old.PaidBy,
			Amount:      old.Amount,
			Description: old.Description,
			CreatedAt:   now,
		}
		if err := l.InsertExpense(ctx, &exp); err != nil {
			return fmt.Errorf("insert expense: %w", err)
		}
		splits := make([]Split, len(old.Splits))
		for i, s := range old.Splits {
			splits[i] = Split{ExpenseID: exp.ID, UserID: s.UserID, Owed: s.Owed}
		}
		if err := l.InsertSplits(ctx, splits); err != nil {
			return fmt.Errorf("insert splits: %w", err)
		}

		from := historyID
		restored = HistoryEntry{
			ExpenseID:   exp.ID,
			GroupID:     exp.GroupID,
			Action:      ActionRestored,
			ChangedBy:   actor,
			Snapshot:    Snapshot{Version: SnapshotVersion, New: StateOf(exp, splits), RestoredFrom: &from, Timestamp: now},
			OperationID: opID,
			ChangedAt:   now,
		}
		logged = h.rec.record(ctx, l, &restored)
		return nil
	})
	h.metrics.Mutation("redo", err)
	if err != nil {
		return nil, mutationFailed("redo", err)
	}

	res := &RedoResult{NewExpenseID: exp.ID, GroupID: exp.GroupID, RestoredFrom: historyID, OperationID: opID}
	if logged {
		res.HistoryID = restored.ID
	}
	h.logger.Info("expense restored",
		"history_id", historyID,
		"new_expense_id", exp.ID,
		"group_id", exp.GroupID,
		"operation_id", opID,
	)
	h.hooks.Fire(ctx, MutationEvent{Op: "expense.redo", GroupID: exp.GroupID, ExpenseID: exp.ID, HistoryID: res.HistoryID, OperationID: opID})
	return res, nil
}

// =============================================================================
// TIME TRAVEL
// =============================================================================

const recentExpensesLimit = 20

// ExpenseSummary is a context row in a time-travel report.
type ExpenseSummary struct {
	ID          ExpenseID `json:"id"`
	Amount      Money     `json:"amount"`
	Description string    `json:"description"`
	PaidBy      UserID    `json:"paid_by"`
	PaidByName  string    `json:"paid_by_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// TimeTravelReport is the group's state as of a cutoff.
type TimeTravelReport struct {
	GroupID        GroupID          `json:"group_id"`
	AsOfDate       time.Time        `json:"asOfDate"`
	Balances       []MemberBalance  `json:"balances"`
	RecentExpenses []ExpenseSummary `json:"recentExpenses"`
	ExpenseCount   int              `json:"expenseCount"`
	TotalSpent     Money            `json:"totalSpent"`
}

// BalancesAtDate rebuilds balances from expenses created at or before the
// cutoff. The cutoff is required; see ParseCutoff for accepted formats.
func (h *HistoryEngine) BalancesAtDate(ctx context.Context, id GroupID, cutoff string) (*TimeTravelReport, error) {
	if err := validGroupID(id); err != nil {
		return nil, err
	}
	at, err := ParseCutoff(cutoff)
	if err != nil {
		return nil, err
	}
	if at == nil {
		return nil, &ValidationError{Field: "date", Reason: "a cutoff date is required"}
	}
	return h.balancesAt(ctx, id, *at)
}

// BalancesAt is BalancesAtDate for an already parsed cutoff.
func (h *HistoryEngine) BalancesAt(ctx context.Context, id GroupID, at time.Time) (*TimeTravelReport, error) {
	if err := validGroupID(id); err != nil {
		return nil, err
	}
	return h.balancesAt(ctx, id, at.UTC())
}

func (h *HistoryEngine) balancesAt(ctx context.Context, id GroupID, at time.Time) (*TimeTravelReport, error) {
	ctx, cancel := withTimeout(ctx, h.timeout)
	defer cancel()

	gl, err := loadGroupLedger(ctx, h.store, id, &at)
	if err != nil {
		return nil, classifyRead("balances at date", err)
	}
	balances := AggregateBalances(gl.members, gl.expenses, gl.splits)
	names := make(map[UserID]string, len(balances))
	for _, b := range balances {
		names[b.UserID] = b.Name
	}

	report := &TimeTravelReport{
		GroupID:        id,
		AsOfDate:       at,
		Balances:       balances,
		RecentExpenses: make([]ExpenseSummary, 0, recentExpensesLimit),
		ExpenseCount:   len(gl.expenses),
	}
	newest := append([]Expense(nil), gl.expenses...)
	sort.SliceStable(newest, func(i, j int) bool {
		if !newest[i].CreatedAt.Equal(newest[j].CreatedAt) {
			return newest[i].CreatedAt.After(newest[j].CreatedAt)
		}
		return newest[i].ID > newest[j].ID
	})
	for i, e := range newest {
		report.TotalSpent += e.Amount
		if i < recentExpensesLimit {
			report.RecentExpenses = append(report.RecentExpenses, ExpenseSummary{
				ID:          e.ID,
				Amount:      e.Amount,
				Description: e.Description,
				PaidBy:      e.PaidBy,
				PaidByName:  names[e.PaidBy],
				CreatedAt:   e.CreatedAt,
			})
		}
	}
	return report, nil
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

// AuditRecord is one audit trail row.
type AuditRecord struct {
	ID          HistoryID     `json:"id"`
	ExpenseID   ExpenseID     `json:"expense_id"`
	Action      HistoryAction `json:"action"`
	OldAmount   *Money        `json:"old_amount"`
	NewAmount   *Money        `json:"new_amount"`
	Description string        `json:"description,omitempty"`
	ChangedBy   UserID        `json:"changed_by"`
	ChangedAt   time.Time     `json:"changed_at"`
}

// ToAuditRecord flattens a history entry.
func ToAuditRecord(h HistoryEntry) AuditRecord {
	r := AuditRecord{
		ID:        h.ID,
		ExpenseID: h.ExpenseID,
		Action:    h.Action,
		OldAmount: h.OldAmount(),
		NewAmount: h.NewAmount(),
		ChangedBy: h.ChangedBy,
		ChangedAt: h.ChangedAt,
	}
	switch {
	case h.Snapshot.New != nil:
		r.Description = h.Snapshot.New.Description
	case h.Snapshot.Old != nil:
		r.Description = h.Snapshot.Old.Description
	}
	return r
}

// ClampLimit applies the default and maximum audit trail page size.
func (h *HistoryEngine) ClampLimit(limit int) int {
	if limit <= 0 {
		return h.defaultLimit
	}
	if limit > h.maxLimit {
		return h.maxLimit
	}
	return limit
}

// AuditTrail returns the group's history, newest first, including entries
// of expenses that were since deleted.
func (h *HistoryEngine) AuditTrail(ctx context.Context, id GroupID, limit int) ([]AuditRecord, error) {
	if err := validGroupID(id); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, h.timeout)
	defer cancel()

	if _, err := h.store.GetGroup(ctx, id); err != nil {
		return nil, classifyRead("audit trail", err)
	}
	entries, err := h.store.AuditTrail(ctx, id, h.ClampLimit(limit))
	if err != nil {
		return nil, classifyRead("audit trail", err)
	}
	out := make([]AuditRecord, len(entries))
	for i, e := range entries {
		out[i] = ToAuditRecord(e)
	}
	return out, nil
}

// ExpenseHistory returns every entry for one expense id, newest first.
func (h *HistoryEngine) ExpenseHistory(ctx context.Context, id ExpenseID) ([]HistoryEntry, error) {
	if id <= 0 {
		return nil, &ValidationError{Field: "expense_id", Reason: fmt.Sprintf("must be positive, got %d", id)}
	}
	ctx, cancel := withTimeout(ctx, h.timeout)
	defer cancel()

	entries, err := h.store.ExpenseHistory(ctx, id)
	if err != nil {
		return nil, classifyRead("expense history", err)
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return entries, nil
}

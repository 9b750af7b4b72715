package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/splitledger/ledger"
)

// =============================================================================
// HISTORY (ledger.AuditStore) - Append-only
// =============================================================================

const historyColumns = `id, expense_id, group_id, action, changed_by, snapshot, operation_id, changed_at`

func appendHistory(ctx context.Context, q querier, h *ledger.HistoryEntry) error {
	if !h.Action.Valid() {
		return fmt.Errorf("unknown history action %q", h.Action)
	}
	snapshot, err := ledger.EncodeSnapshot(h.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO expense_history
		(expense_id, group_id, action, changed_by, old_amount_cents, new_amount_cents, snapshot, operation_id, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		h.ExpenseID,
		h.GroupID,
		string(h.Action),
		h.ChangedBy,
		nullCents(h.OldAmount()),
		nullCents(h.NewAmount()),
		string(snapshot),
		nullString(h.OperationID),
		toNanos(h.ChangedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	h.ID = ledger.HistoryID(id)
	h.Snapshot.Version = ledger.SnapshotVersion
	return nil
}

func getHistory(ctx context.Context, q querier, id ledger.HistoryID) (*ledger.HistoryEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM expense_history WHERE id = ?`, id)
	h, raw, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NewNotFound("history", int64(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	snap, err := ledger.DecodeSnapshot(raw)
	if err != nil {
		return nil, &ledger.InvalidStateError{Reason: fmt.Sprintf("history entry %d snapshot is unreadable", id), Err: err}
	}
	h.Snapshot = snap
	return &h, nil
}

func scanHistory(r scanner) (ledger.HistoryEntry, []byte, error) {
	var (
		h       ledger.HistoryEntry
		action  string
		raw     string
		opID    sql.NullString
		changed int64
	)
	if err := r.Scan(&h.ID, &h.ExpenseID, &h.GroupID, &action, &h.ChangedBy, &raw, &opID, &changed); err != nil {
		return h, nil, err
	}
	h.Action = ledger.HistoryAction(action)
	h.OperationID = opID.String
	h.ChangedAt = fromNanos(changed)
	return h, []byte(raw), nil
}

// queryHistory lists entries. An unreadable snapshot leaves the entry's
// Snapshot empty instead of failing the whole listing.
func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]ledger.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := make([]ledger.HistoryEntry, 0)
	for rows.Next() {
		h, raw, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		if snap, err := ledger.DecodeSnapshot(raw); err == nil {
			h.Snapshot = snap
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// AuditTrail returns the group's history, newest first.
func (s *Store) AuditTrail(ctx context.Context, id ledger.GroupID, limit int) ([]ledger.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	return s.queryHistory(ctx, `SELECT `+historyColumns+` FROM expense_history
		WHERE group_id = ?
		ORDER BY changed_at DESC, id DESC
		LIMIT ?`, id, limit)
}

// ExpenseHistory returns every entry for one expense, newest first.
func (s *Store) ExpenseHistory(ctx context.Context, id ledger.ExpenseID) ([]ledger.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryHistory(ctx, `SELECT `+historyColumns+` FROM expense_history
		WHERE expense_id = ?
		ORDER BY changed_at DESC, id DESC`, id)
}

/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.Store (ledger reads and writes, audit, directory) and
  ledger.SettlementCache on a single SQLite database.

INTERFACES IMPLEMENTED:
  ledger.Store:           Ledger, audit trail and directory
  ledger.SettlementCache: via (*Store).SettlementCache()

KEY TABLES:
  users, expense_groups, group_members: Directory
  expenses, expense_splits:             Live ledger rows
  expense_history:                      Append-only audit log with replay snapshots
  settlement_cache:                     Derived plan per group (upserted)

STORAGE FORMAT:
  - Amounts are INTEGER cents, never REAL
  - Timestamps are INTEGER unix nanoseconds, UTC
  - expense_history keeps group_id so the trail of a deleted expense
    stays visible in its group

CONCURRENCY:
  Uses sync.RWMutex so only one transaction writes at a time. Reads inside
  WithTx go through the sql.Tx, never the parent handle.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/splitledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, store.SettlementCache(), cfg, logger, metrics)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/splitledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS expense_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_by INTEGER NOT NULL REFERENCES users(id),
		parent_id INTEGER REFERENCES expense_groups(id),
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_groups_parent
		ON expense_groups(parent_id) WHERE parent_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS group_members (
		group_id INTEGER NOT NULL REFERENCES expense_groups(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		PRIMARY KEY (group_id, user_id)
	);

	-- Expenses are immutable: deleted and re-created, never updated
	CREATE TABLE IF NOT EXISTS expenses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id INTEGER NOT NULL REFERENCES expense_groups(id),
		paid_by INTEGER NOT NULL REFERENCES users(id),
		amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- Hot path: balances and time travel
	CREATE INDEX IF NOT EXISTS idx_expenses_group_created
		ON expenses(group_id, created_at);

	CREATE TABLE IF NOT EXISTS expense_splits (
		expense_id INTEGER NOT NULL REFERENCES expenses(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id),
		owed_cents INTEGER NOT NULL CHECK (owed_cents >= 0),
		PRIMARY KEY (expense_id, user_id)
	);

	-- Append-only. No foreign key on expense_id: the expense may be gone.
	CREATE TABLE IF NOT EXISTS expense_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		expense_id INTEGER NOT NULL,
		group_id INTEGER NOT NULL,
		action TEXT NOT NULL CHECK (action IN ('created', 'updated', 'deleted', 'restored')),
		changed_by INTEGER NOT NULL,
		old_amount_cents INTEGER,
		new_amount_cents INTEGER,
		snapshot TEXT NOT NULL,
		operation_id TEXT,
		changed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_group_changed
		ON expense_history(group_id, changed_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_history_expense
		ON expense_history(expense_id);

	CREATE TABLE IF NOT EXISTS settlement_cache (
		group_id INTEGER PRIMARY KEY,
		settlements_json TEXT NOT NULL,
		generated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER READS (ledger.LedgerReader)
// =============================================================================

func (s *Store) GetGroup(ctx context.Context, id ledger.GroupID) (*ledger.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getGroup(ctx, s.db, id)
}

func (s *Store) ListMembers(ctx context.Context, id ledger.GroupID) ([]ledger.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMembers(ctx, s.db, id)
}

func (s *Store) ListExpenses(ctx context.Context, id ledger.GroupID, cutoff *time.Time) ([]ledger.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listExpenses(ctx, s.db, id, cutoff)
}

func (s *Store) ListSplits(ctx context.Context, ids []ledger.ExpenseID) ([]ledger.Split, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSplits(ctx, s.db, ids)
}

func (s *Store) GetExpense(ctx context.Context, id ledger.ExpenseID) (*ledger.Expense, []ledger.Split, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getExpense(ctx, s.db, id)
}

func (s *Store) GetHistory(ctx context.Context, id ledger.HistoryID) (*ledger.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getHistory(ctx, s.db, id)
}

func getGroup(ctx context.Context, q querier, id ledger.GroupID) (*ledger.Group, error) {
	var (
		g       ledger.Group
		parent  sql.NullInt64
		created int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, name, created_by, parent_id, created_at FROM expense_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.CreatedBy, &parent, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NewNotFound("group", int64(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	if parent.Valid {
		p := ledger.GroupID(parent.Int64)
		g.ParentID = &p
	}
	g.CreatedAt = fromNanos(created)
	return &g, nil
}

// listMembers unions the creator with explicit membership rows.
func listMembers(ctx context.Context, q querier, id ledger.GroupID) ([]ledger.Member, error) {
	if _, err := getGroup(ctx, q, id); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT u.id, u.name
		FROM (
			SELECT created_by AS user_id FROM expense_groups WHERE id = ?
			UNION
			SELECT user_id FROM group_members WHERE group_id = ?
		) x JOIN users u ON u.id = x.user_id
		ORDER BY u.id
	`, id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := make([]ledger.Member, 0)
	for rows.Next() {
		var m ledger.Member
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func listExpenses(ctx context.Context, q querier, id ledger.GroupID, cutoff *time.Time) ([]ledger.Expense, error) {
	query := `SELECT id, group_id, paid_by, amount_cents, description, created_at
		FROM expenses WHERE group_id = ?`
	args := []any{id}
	if cutoff != nil {
		query += ` AND created_at <= ?`
		args = append(args, toNanos(*cutoff))
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	expenses := make([]ledger.Expense, 0)
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(r scanner) (ledger.Expense, error) {
	var (
		e       ledger.Expense
		cents   int64
		created int64
	)
	if err := r.Scan(&e.ID, &e.GroupID, &e.PaidBy, &cents, &e.Description, &created); err != nil {
		return e, err
	}
	e.Amount = ledger.Cents(cents)
	e.CreatedAt = fromNanos(created)
	return e, nil
}

// listSplitsBatch bounds the number of bound parameters per query.
const listSplitsBatch = 500

func listSplits(ctx context.Context, q querier, ids []ledger.ExpenseID) ([]ledger.Split, error) {
	splits := make([]ledger.Split, 0)
	for start := 0; start < len(ids); start += listSplitsBatch {
		end := start + listSplitsBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		query := `SELECT expense_id, user_id, owed_cents FROM expense_splits
			WHERE expense_id IN (?` + strings.Repeat(",?", len(batch)-1) + `)
			ORDER BY expense_id, user_id`

		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list splits: %w", err)
		}
		for rows.Next() {
			var (
				sp    ledger.Split
				cents int64
			)
			if err := rows.Scan(&sp.ExpenseID, &sp.UserID, &cents); err != nil {
				rows.Close()
				return nil, err
			}
			sp.Owed = ledger.Cents(cents)
			splits = append(splits, sp)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return splits, nil
}

func getExpense(ctx context.Context, q querier, id ledger.ExpenseID) (*ledger.Expense, []ledger.Split, error) {
	e, err := scanExpense(q.QueryRowContext(ctx,
		`SELECT id, group_id, paid_by, amount_cents, description, created_at FROM expenses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ledger.NewNotFound("expense", int64(id))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get expense: %w", err)
	}
	splits, err := listSplits(ctx, q, []ledger.ExpenseID{id})
	if err != nil {
		return nil, nil, err
	}
	return &e, splits, nil
}

// =============================================================================
// LEDGER WRITES (only through WithTx)
// =============================================================================

func insertExpense(ctx context.Context, q querier, e *ledger.Expense) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO expenses (group_id, paid_by, amount_cents, description, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.GroupID, e.PaidBy, e.Amount.Cents(), e.Description, toNanos(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert expense: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = ledger.ExpenseID(id)
	return nil
}

func insertSplits(ctx context.Context, q querier, splits []ledger.Split) error {
	for _, sp := range splits {
		_, err := q.ExecContext(ctx,
			`INSERT INTO expense_splits (expense_id, user_id, owed_cents) VALUES (?, ?, ?)`,
			sp.ExpenseID, sp.UserID, sp.Owed.Cents())
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("split for user %d on expense %d already exists: %w", sp.UserID, sp.ExpenseID, err)
			}
			return fmt.Errorf("failed to insert split: %w", err)
		}
	}
	return nil
}

func deleteExpense(ctx context.Context, q querier, id ledger.ExpenseID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM expense_splits WHERE expense_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete splits: %w", err)
	}
	res, err := q.ExecContext(ctx, `DELETE FROM expenses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.NewNotFound("expense", int64(id))
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReadTx runs fn inside a read-only transaction so multi-query reads share
// one snapshot.
func (s *Store) ReadTx(ctx context.Context, fn func(ledger.LedgerReader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the ledger.Ledger view over an open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetGroup(ctx context.Context, id ledger.GroupID) (*ledger.Group, error) {
	return getGroup(ctx, ts.tx, id)
}

func (ts *txStore) ListMembers(ctx context.Context, id ledger.GroupID) ([]ledger.Member, error) {
	return listMembers(ctx, ts.tx, id)
}

func (ts *txStore) ListExpenses(ctx context.Context, id ledger.GroupID, cutoff *time.Time) ([]ledger.Expense, error) {
	return listExpenses(ctx, ts.tx, id, cutoff)
}

func (ts *txStore) ListSplits(ctx context.Context, ids []ledger.ExpenseID) ([]ledger.Split, error) {
	return listSplits(ctx, ts.tx, ids)
}

func (ts *txStore) GetExpense(ctx context.Context, id ledger.ExpenseID) (*ledger.Expense, []ledger.Split, error) {
	return getExpense(ctx, ts.tx, id)
}

func (ts *txStore) GetHistory(ctx context.Context, id ledger.HistoryID) (*ledger.HistoryEntry, error) {
	return getHistory(ctx, ts.tx, id)
}

func (ts *txStore) InsertExpense(ctx context.Context, e *ledger.Expense) error {
	return insertExpense(ctx, ts.tx, e)
}

func (ts *txStore) InsertSplits(ctx context.Context, splits []ledger.Split) error {
	return insertSplits(ctx, ts.tx, splits)
}

func (ts *txStore) DeleteExpense(ctx context.Context, id ledger.ExpenseID) error {
	return deleteExpense(ctx, ts.tx, id)
}

func (ts *txStore) AppendHistory(ctx context.Context, h *ledger.HistoryEntry) error {
	return appendHistory(ctx, ts.tx, h)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data and id sequences (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"settlement_cache", "expense_history", "expense_splits", "expenses", "group_members", "expense_groups", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	// restart AUTOINCREMENT ids
	_, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence")
	return err
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullCents(m *ledger.Money) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: m.Cents(), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var (
	_ ledger.Store  = (*Store)(nil)
	_ ledger.Ledger = (*txStore)(nil)
)

/*
store.go - Persistence contracts for the settlement engine

PURPOSE:
  Defines the interface between the engine and the ledger database.
  The engine never owns persistence; it only declares the exact queries
  and writes it needs. Implementations can use SQLite or memory.

KEY INTERFACES:
  LedgerReader:    Read-only ledger queries (members, expenses, splits, history)
  LedgerWriter:    Expense, split and history writes
  TxStore:         Transactional scope (all-or-nothing mutations)
  ReadTxStore:     Snapshot scope for multi-query reads
  AuditStore:      Audit trail queries
  Directory:       Users, groups and membership
  SettlementCache: Derived per-group settlement plans

QUERY CONTRACTS:
  - ListMembers MUST include the group creator even without a membership row
  - ListExpenses with a cutoff returns only rows with created_at <= cutoff
  - ListSplits returns splits for the given expense ids only
  - Reads MUST NOT observe uncommitted writes

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for testing and dev mode
  - store/sqlite/sqlite.go: SQLite
  - store/rediscache/rediscache.go: Redis settlement cache only

SEE ALSO:
  - history.go: undo/redo executed inside WithTx
  - cache.go: SettlementCache consumer
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER - Read and write contracts
// =============================================================================

// LedgerReader is the read side the engine consumes.
type LedgerReader interface {
	// GetGroup returns a NotFoundError if the group does not exist.
	GetGroup(ctx context.Context, id GroupID) (*Group, error)

	// ListMembers returns creator plus explicit members, ordered by user id.
	ListMembers(ctx context.Context, id GroupID) ([]Member, error)

	// ListExpenses returns the group's live expenses ordered by created_at, id.
	// A nil cutoff means no time bound.
	ListExpenses(ctx context.Context, id GroupID, cutoff *time.Time) ([]Expense, error)

	// ListSplits returns the splits of the given expenses.
	ListSplits(ctx context.Context, ids []ExpenseID) ([]Split, error)

	// GetExpense returns the live expense and its splits.
	GetExpense(ctx context.Context, id ExpenseID) (*Expense, []Split, error)

	// GetHistory returns a single history entry.
	GetHistory(ctx context.Context, id HistoryID) (*HistoryEntry, error)
}

// LedgerWriter holds the mutating operations. They are only ever called
// inside WithTx.
type LedgerWriter interface {
	// InsertExpense assigns e.ID.
	InsertExpense(ctx context.Context, e *Expense) error
	InsertSplits(ctx context.Context, splits []Split) error
	// DeleteExpense removes the expense and its splits.
	DeleteExpense(ctx context.Context, id ExpenseID) error
	// AppendHistory assigns h.ID. History is append-only.
	AppendHistory(ctx context.Context, h *HistoryEntry) error
}

// Ledger is the view passed to a transaction callback.
type Ledger interface {
	LedgerReader
	LedgerWriter
}

// TxStore executes fn within a transaction.
// If fn returns error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
type TxStore interface {
	WithTx(ctx context.Context, fn func(Ledger) error) error
}

// ReadTxStore runs a group of reads against one consistent snapshot.
// Writers committing meanwhile are not observed.
type ReadTxStore interface {
	ReadTx(ctx context.Context, fn func(LedgerReader) error) error
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditStore interface {
	// AuditTrail returns the group's history entries, newest first.
	AuditTrail(ctx context.Context, id GroupID, limit int) ([]HistoryEntry, error)

	// ExpenseHistory returns all entries referencing one expense, newest first.
	ExpenseHistory(ctx context.Context, id ExpenseID) ([]HistoryEntry, error)
}

// =============================================================================
// DIRECTORY - Users and groups
// =============================================================================

type Directory interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id UserID) (*User, error)
	// CreateGroup assigns g.ID and records the creator plus members.
	CreateGroup(ctx context.Context, g *Group, members []UserID) error
	AddMembers(ctx context.Context, id GroupID, members []UserID) error
	ListSubGroups(ctx context.Context, parent GroupID) ([]Group, error)
}

// Store is everything a full ledger backend provides.
type Store interface {
	LedgerReader
	TxStore
	ReadTxStore
	AuditStore
	Directory
	Close() error
}

// =============================================================================
// SETTLEMENT CACHE - Derived, never authoritative
// =============================================================================

// CachedPlan is the materialized settlement plan for one group.
type CachedPlan struct {
	GroupID     GroupID    `json:"group_id"`
	Transfers   []Transfer `json:"settlements"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// SettlementCache stores the most recent plan per group.
type SettlementCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, id GroupID) (*CachedPlan, error)
	// Put overwrites any existing plan for the group.
	Put(ctx context.Context, plan CachedPlan) error
}

/*
Package ledger provides the debt settlement and audit engine.

PURPOSE:
  Converts a ledger of who-paid / who-owes records into settlement plans,
  reports circular debts, reconstructs historical balances and supports
  reversible edits (undo/redo) over an append-only expense history.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: cent-resolution fixed-point amount (no float drift)
  - Expense / Split: immutable ledger rows
  - HistoryEntry: append-only audit record with a replayable Snapshot
  - Member: a user as seen from one group (creator or explicit member)

DESIGN PRINCIPLES:
  1. Immutability: expenses are never edited, only deleted and restored
  2. Precision: all sums are carried in integer cents
  3. Type Safety: distinct ID types for users, groups, expenses and history
  4. Auditability: every mutation leaves a HistoryEntry

SEE ALSO:
  - store.go: persistence contracts the engine depends on
  - balance.go: net balance aggregation
  - settlement.go: greedy settlement optimizer
  - history.go: undo/redo and time travel
*/
package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Cent-resolution amount
// =============================================================================

// Money is an amount in cents. It is currency-agnostic.
type Money int64

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// Cents builds a Money value from an integer number of cents.
func Cents(c int64) Money { return Money(c) }

// NewMoney rounds d to the nearest cent (half away from zero). Amounts that
// do not fit in int64 cents are a ValidationError.
func NewMoney(d decimal.Decimal) (Money, error) {
	c := d.Mul(hundred).Round(0)
	if c.GreaterThan(maxCents) || c.LessThan(minCents) {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%s is out of range", d.String())}
	}
	return Money(c.IntPart()), nil
}

// ParseMoney parses a decimal string such as "12.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("not a decimal: %q", s)}
	}
	return NewMoney(d)
}

// MustParseMoney panics on malformed input. Intended for fixtures.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Cents() int64             { return int64(m) }
func (m Money) Decimal() decimal.Decimal { return decimal.New(int64(m), -2) }
func (m Money) String() string           { return m.Decimal().StringFixed(2) }
func (m Money) Float64() float64         { f, _ := m.Decimal().Float64(); return f }
func (m Money) IsZero() bool             { return m == 0 }
func (m Money) IsPositive() bool         { return m > 0 }
func (m Money) IsNegative() bool         { return m < 0 }
func (m Money) Neg() Money               { return -m }

func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

func MinMoney(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

// MarshalJSON renders the amount as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*m = 0
		return nil
	}
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID int64
type GroupID int64
type ExpenseID int64
type HistoryID int64

// =============================================================================
// DIRECTORY - Users, groups and membership
// =============================================================================

type User struct {
	ID        UserID    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is a named set of users. The creator is always an implicit member,
// even without a membership row.
type Group struct {
	ID        GroupID   `json:"id"`
	Name      string    `json:"name"`
	CreatedBy UserID    `json:"created_by"`
	ParentID  *GroupID  `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a user as listed for one group.
type Member struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// =============================================================================
// EXPENSES
// =============================================================================

type Expense struct {
	ID          ExpenseID `json:"id"`
	GroupID     GroupID   `json:"group_id"`
	PaidBy      UserID    `json:"paid_by"`
	Amount      Money     `json:"amount"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Split is one participant's share of an expense.
type Split struct {
	ExpenseID ExpenseID `json:"expense_id"`
	UserID    UserID    `json:"user_id"`
	Owed      Money     `json:"owed_amount"`
}

// SumSplits returns the total owed across splits.
func SumSplits(splits []Split) Money {
	var total Money
	for _, s := range splits {
		total += s.Owed
	}
	return total
}

// =============================================================================
// HISTORY
// =============================================================================

type HistoryAction string

const (
	ActionCreated  HistoryAction = "created"
	ActionUpdated  HistoryAction = "updated"
	ActionDeleted  HistoryAction = "deleted"
	ActionRestored HistoryAction = "restored"
)

func (a HistoryAction) Valid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted, ActionRestored:
		return true
	}
	return false
}

// HistoryEntry is an immutable audit record. Snapshot is the only source of
// truth for redo.
type HistoryEntry struct {
	ID          HistoryID     `json:"id"`
	ExpenseID   ExpenseID     `json:"expense_id"`
	GroupID     GroupID       `json:"group_id"`
	Action      HistoryAction `json:"action"`
	ChangedBy   UserID        `json:"changed_by"`
	Snapshot    Snapshot      `json:"snapshot"`
	OperationID string        `json:"operation_id,omitempty"`
	ChangedAt   time.Time     `json:"changed_at"`
}

// OldAmount is the amount before the change, if any.
func (h HistoryEntry) OldAmount() *Money {
	if h.Snapshot.Old == nil {
		return nil
	}
	a := h.Snapshot.Old.Amount
	return &a
}

// NewAmount is the amount after the change, if any.
func (h HistoryEntry) NewAmount() *Money {
	if h.Snapshot.New == nil {
		return nil
	}
	a := h.Snapshot.New.Amount
	return &a
}

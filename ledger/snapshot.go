package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// SNAPSHOT - Versioned replay record stored with every HistoryEntry
// =============================================================================

// SnapshotVersion is the schema version written by this build.
const SnapshotVersion = 1

// ExpenseState is the full state of an expense and its splits at one moment.
// A deleted-entry Old state must be complete enough to re-create the expense.
type ExpenseState struct {
	GroupID     GroupID      `json:"group_id"`
	PaidBy      UserID       `json:"paid_by"`
	Amount      Money        `json:"amount"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
	Splits      []SplitState `json:"splits"`
}

type SplitState struct {
	UserID UserID `json:"user_id"`
	Owed   Money  `json:"owed_amount"`
}

// Snapshot holds the old and new state of one change.
type Snapshot struct {
	Version      int           `json:"version"`
	Old          *ExpenseState `json:"old,omitempty"`
	New          *ExpenseState `json:"new,omitempty"`
	RestoredFrom *HistoryID    `json:"restored_from,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// StateOf captures an expense and its splits.
func StateOf(e Expense, splits []Split) *ExpenseState {
	st := &ExpenseState{
		GroupID:     e.GroupID,
		PaidBy:      e.PaidBy,
		Amount:      e.Amount,
		Description: e.Description,
		CreatedAt:   e.CreatedAt,
		Splits:      make([]SplitState, 0, len(splits)),
	}
	for _, s := range splits {
		st.Splits = append(st.Splits, SplitState{UserID: s.UserID, Owed: s.Owed})
	}
	return st
}

// Validate checks that the state can be replayed into a live expense.
func (st *ExpenseState) Validate() error {
	if st == nil {
		return &InvalidStateError{Reason: "snapshot has no expense state"}
	}
	if st.GroupID <= 0 || st.PaidBy <= 0 {
		return &InvalidStateError{Reason: "snapshot is missing group or payer"}
	}
	if !st.Amount.IsPositive() {
		return &InvalidStateError{Reason: "snapshot amount is not positive"}
	}
	if len(st.Splits) == 0 {
		return &InvalidStateError{Reason: "snapshot has no splits"}
	}
	var sum Money
	for _, s := range st.Splits {
		sum += s.Owed
	}
	if sum != st.Amount {
		return &InvalidStateError{Reason: fmt.Sprintf("snapshot splits sum to %s, expense amount is %s", sum, st.Amount)}
	}
	return nil
}

// EncodeSnapshot serializes s, stamping the current schema version.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	s.Version = SnapshotVersion
	return json.Marshal(s)
}

// DecodeSnapshot parses a stored snapshot. Rows written before versioning
// (no version field) share the version 1 layout and are accepted.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if len(b) == 0 {
		return s, &InvalidStateError{Reason: "empty snapshot"}
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, &InvalidStateError{Reason: "malformed snapshot", Err: err}
	}
	switch s.Version {
	case 0:
		s.Version = SnapshotVersion
	case SnapshotVersion:
	default:
		return s, fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, s.Version)
	}
	return s, nil
}

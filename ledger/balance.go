/*
balance.go - Net balance aggregation

PURPOSE:
  Computes paid, owed and net balance per member of a group, optionally
  as of a cutoff timestamp (time travel).

FORMULA:
  paid    = sum(expense.amount) where member is payer
  owed    = sum(split.owed)     over the group's expenses
  balance = paid - owed

  Positive balance: the group owes this member.
  Negative balance: this member owes the group.
  Across a group the balances always sum to zero.

CUTOFF:
  Only expenses with created_at <= cutoff count. A date without a time
  means the end of that day in UTC.

SEE ALSO:
  - settlement.go: consumes NetBalances
  - history.go: BalancesAtDate wraps this with report context
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// MemberBalance is one row of a balance report.
type MemberBalance struct {
	UserID  UserID `json:"id"`
	Name    string `json:"name"`
	Paid    Money  `json:"paid"`
	Owed    Money  `json:"owed"`
	Balance Money  `json:"balance"`
}

// GroupReader is the read surface needed by the aggregator and the graph
// service.
type GroupReader interface {
	LedgerReader
	ListSubGroups(ctx context.Context, parent GroupID) ([]Group, error)
}

// =============================================================================
// PURE AGGREGATION
// =============================================================================

// AggregateBalances sums expenses and splits per member. Every member
// appears even with no activity. Users with activity who are no longer
// members are appended after the members so the report still nets to zero.
// Splits of expenses not in the list are ignored.
func AggregateBalances(members []Member, expenses []Expense, splits []Split) []MemberBalance {
	rows := make([]MemberBalance, 0, len(members))
	index := make(map[UserID]int, len(members))
	row := func(id UserID) *MemberBalance {
		if i, ok := index[id]; ok {
			return &rows[i]
		}
		index[id] = len(rows)
		rows = append(rows, MemberBalance{UserID: id})
		return &rows[len(rows)-1]
	}

	for _, m := range members {
		row(m.ID).Name = m.Name
	}
	memberCount := len(rows)

	live := make(map[ExpenseID]bool, len(expenses))
	for _, e := range expenses {
		live[e.ID] = true
		row(e.PaidBy).Paid += e.Amount
	}
	for _, s := range splits {
		if !live[s.ExpenseID] {
			continue
		}
		row(s.UserID).Owed += s.Owed
	}

	for i := range rows {
		rows[i].Balance = rows[i].Paid - rows[i].Owed
	}
	extra := rows[memberCount:]
	sort.Slice(extra, func(i, j int) bool { return extra[i].UserID < extra[j].UserID })
	return rows
}

// NetBalances projects a report into optimizer input.
func NetBalances(rows []MemberBalance) []NetBalance {
	out := make([]NetBalance, len(rows))
	for i, r := range rows {
		out[i] = NetBalance{UserID: r.UserID, Balance: r.Balance}
	}
	return out
}

// =============================================================================
// CUTOFF PARSING
// =============================================================================

var cutoffLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

const dateOnly = "2006-01-02"

// ParseCutoff parses a time-travel cutoff. An empty string means no cutoff.
// Unparsable input is a ValidationError.
func ParseCutoff(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := time.Parse(dateOnly, s); err == nil {
		end := d.UTC().Add(24*time.Hour - time.Nanosecond)
		return &end, nil
	}
	for _, layout := range cutoffLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, &ValidationError{Field: "date", Reason: fmt.Sprintf("unparsable date %q", s)}
}

// =============================================================================
// AGGREGATOR - Store-backed balances
// =============================================================================

// groupLedger is everything read for one group in a single pass.
type groupLedger struct {
	group    *Group
	members  []Member
	expenses []Expense
	splits   []Split
}

// loadGroupLedger reads members, expenses and their splits. The group must
// exist. Stores implementing ReadTxStore serve all reads from one snapshot,
// so a mutation committing mid-load cannot unbalance the result.
func loadGroupLedger(ctx context.Context, r LedgerReader, id GroupID, cutoff *time.Time) (*groupLedger, error) {
	rt, ok := r.(ReadTxStore)
	if !ok {
		return readGroupLedger(ctx, r, id, cutoff)
	}
	var gl *groupLedger
	err := rt.ReadTx(ctx, func(tx LedgerReader) error {
		var err error
		gl, err = readGroupLedger(ctx, tx, id, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}
	return gl, nil
}

func readGroupLedger(ctx context.Context, r LedgerReader, id GroupID, cutoff *time.Time) (*groupLedger, error) {
	g, err := r.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := r.ListMembers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	expenses, err := r.ListExpenses(ctx, id, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	ids := make([]ExpenseID, len(expenses))
	for i, e := range expenses {
		ids[i] = e.ID
	}
	splits, err := r.ListSplits(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list splits: %w", err)
	}
	return &groupLedger{group: g, members: members, expenses: expenses, splits: splits}, nil
}

func validGroupID(id GroupID) error {
	if id <= 0 {
		return &ValidationError{Field: "group_id", Reason: fmt.Sprintf("must be positive, got %d", id)}
	}
	return nil
}

// withTimeout bounds a read by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// BalanceAggregator computes balances from the store.
type BalanceAggregator struct {
	store   GroupReader
	timeout time.Duration
	logger  *slog.Logger
}

func NewBalanceAggregator(store GroupReader, timeout time.Duration, logger *slog.Logger) *BalanceAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceAggregator{store: store, timeout: timeout, logger: logger}
}

// Balances returns one row per member. A nil cutoff means the current state.
func (a *BalanceAggregator) Balances(ctx context.Context, id GroupID, cutoff *time.Time) ([]MemberBalance, error) {
	if err := validGroupID(id); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	gl, err := loadGroupLedger(ctx, a.store, id, cutoff)
	if err != nil {
		return nil, classifyRead("balances", err)
	}
	return AggregateBalances(gl.members, gl.expenses, gl.splits), nil
}

// ConsolidatedBalances spans a parent group and its direct sub-groups.
type ConsolidatedBalances struct {
	Parent    Group           `json:"parent"`
	SubGroups []Group         `json:"subgroups"`
	Balances  []MemberBalance `json:"consolidated_balances"`
}

// Consolidated merges balances of parent and its direct sub-groups into
// one row per distinct user, ordered by user id.
func (a *BalanceAggregator) Consolidated(ctx context.Context, parent GroupID) (*ConsolidatedBalances, error) {
	if err := validGroupID(parent); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	g, err := a.store.GetGroup(ctx, parent)
	if err != nil {
		return nil, classifyRead("consolidated balances", err)
	}
	subs, err := a.store.ListSubGroups(ctx, parent)
	if err != nil {
		return nil, classifyRead("consolidated balances", fmt.Errorf("list subgroups: %w", err))
	}

	merged := make(map[UserID]*MemberBalance)
	ids := []GroupID{parent}
	for _, sg := range subs {
		ids = append(ids, sg.ID)
	}
	for _, gid := range ids {
		gl, err := loadGroupLedger(ctx, a.store, gid, nil)
		if err != nil {
			return nil, classifyRead("consolidated balances", err)
		}
		for _, r := range AggregateBalances(gl.members, gl.expenses, gl.splits) {
			m, ok := merged[r.UserID]
			if !ok {
				m = &MemberBalance{UserID: r.UserID, Name: r.Name}
				merged[r.UserID] = m
			}
			if m.Name == "" {
				m.Name = r.Name
			}
			m.Paid += r.Paid
			m.Owed += r.Owed
			m.Balance += r.Balance
		}
	}

	out := &ConsolidatedBalances{Parent: *g, SubGroups: subs, Balances: make([]MemberBalance, 0, len(merged))}
	for _, m := range merged {
		out.Balances = append(out.Balances, *m)
	}
	sort.Slice(out.Balances, func(i, j int) bool { return out.Balances[i].UserID < out.Balances[j].UserID })
	if out.SubGroups == nil {
		out.SubGroups = []Group{}
	}
	a.logger.Debug("consolidated balances", "group_id", parent, "subgroups", len(subs))
	return out, nil
}

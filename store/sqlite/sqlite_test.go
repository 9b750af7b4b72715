package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/splitledger/ledger"
)

var (
	day1 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	day2 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type seed struct {
	ann, ben ledger.UserID
	group    ledger.GroupID
}

func seedGroup(t *testing.T, s *Store) seed {
	t.Helper()
	ctx := context.Background()
	ann := &ledger.User{Name: "Ann", Email: "ann@example.com"}
	ben := &ledger.User{Name: "Ben"}
	require.NoError(t, s.CreateUser(ctx, ann))
	require.NoError(t, s.CreateUser(ctx, ben))
	g := &ledger.Group{Name: "Trip", CreatedBy: ann.ID}
	require.NoError(t, s.CreateGroup(ctx, g, []ledger.UserID{ben.ID}))
	return seed{ann: ann.ID, ben: ben.ID, group: g.ID}
}

func addExpense(t *testing.T, s *Store, gid ledger.GroupID, payer ledger.UserID, at time.Time, shares map[ledger.UserID]int64) ledger.ExpenseID {
	t.Helper()
	var id ledger.ExpenseID
	err := s.WithTx(context.Background(), func(l ledger.Ledger) error {
		var total int64
		for _, c := range shares {
			total += c
		}
		e := &ledger.Expense{GroupID: gid, PaidBy: payer, Amount: ledger.Cents(total), Description: "test", CreatedAt: at}
		if err := l.InsertExpense(context.Background(), e); err != nil {
			return err
		}
		splits := make([]ledger.Split, 0, len(shares))
		for uid, c := range shares {
			splits = append(splits, ledger.Split{ExpenseID: e.ID, UserID: uid, Owed: ledger.Cents(c)})
		}
		id = e.ID
		return l.InsertSplits(context.Background(), splits)
	})
	require.NoError(t, err)
	return id
}

func TestDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sd := seedGroup(t, s)

	u, err := s.GetUser(ctx, sd.ann)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", u.Email)

	members, err := s.ListMembers(ctx, sd.group)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Ann", members[0].Name)
	assert.Equal(t, "Ben", members[1].Name)

	// adding an existing member is a no-op
	require.NoError(t, s.AddMembers(ctx, sd.group, []ledger.UserID{sd.ben}))
	members, err = s.ListMembers(ctx, sd.group)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	parent := sd.group
	sub := &ledger.Group{Name: "Dinners", CreatedBy: sd.ben, ParentID: &parent}
	require.NoError(t, s.CreateGroup(ctx, sub, nil))
	subs, err := s.ListSubGroups(ctx, sd.group)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotNil(t, subs[0].ParentID)
	assert.Equal(t, sd.group, *subs[0].ParentID)

	_, err = s.GetUser(ctx, 999)
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
	_, err = s.GetGroup(ctx, 999)
	assert.ErrorIs(t, err, ledger.ErrGroupNotFound)
	err = s.CreateGroup(ctx, &ledger.Group{Name: "x", CreatedBy: sd.ann}, []ledger.UserID{999})
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
	err = s.AddMembers(ctx, 999, []ledger.UserID{sd.ann})
	assert.ErrorIs(t, err, ledger.ErrGroupNotFound)
}

func TestExpenses_CutoffAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sd := seedGroup(t, s)
	late := addExpense(t, s, sd.group, sd.ann, day2, map[ledger.UserID]int64{sd.ann: 500, sd.ben: 500})
	early := addExpense(t, s, sd.group, sd.ben, day1, map[ledger.UserID]int64{sd.ann: 300})

	all, err := s.ListExpenses(ctx, sd.group, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, early, all[0].ID, "ordered by created_at")
	assert.True(t, day1.Equal(all[0].CreatedAt))
	assert.Equal(t, ledger.Cents(300), all[0].Amount)

	cutoff := day1
	some, err := s.ListExpenses(ctx, sd.group, &cutoff)
	require.NoError(t, err)
	require.Len(t, some, 1, "cutoff is inclusive")

	splits, err := s.ListSplits(ctx, []ledger.ExpenseID{late, early})
	require.NoError(t, err)
	assert.Len(t, splits, 3)

	empty, err := s.ListSplits(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWithTx_RollbackAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sd := seedGroup(t, s)
	id := addExpense(t, s, sd.group, sd.ann, day1, map[ledger.UserID]int64{sd.ben: 1000})

	// a failing transaction leaves no trace
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(l ledger.Ledger) error {
		if err := l.DeleteExpense(ctx, id); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, splits, err := s.GetExpense(ctx, id)
	require.NoError(t, err)
	assert.Len(t, splits, 1)

	// duplicate split rows are rejected
	err = s.WithTx(ctx, func(l ledger.Ledger) error {
		return l.InsertSplits(ctx, []ledger.Split{{ExpenseID: id, UserID: sd.ben, Owed: ledger.Cents(1)}})
	})
	assert.ErrorContains(t, err, "already exists")

	// delete removes the splits with the expense
	require.NoError(t, s.WithTx(ctx, func(l ledger.Ledger) error { return l.DeleteExpense(ctx, id) }))
	_, _, err = s.GetExpense(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrExpenseNotFound)
	left, err := s.ListSplits(ctx, []ledger.ExpenseID{id})
	require.NoError(t, err)
	assert.Empty(t, left)

	err = s.WithTx(ctx, func(l ledger.Ledger) error { return l.DeleteExpense(ctx, id) })
	assert.ErrorIs(t, err, ledger.ErrExpenseNotFound)
}

func TestReadTx(t *testing.T) {
	// GIVEN: a group with one expense
	s := newTestStore(t)
	ctx := context.Background()
	sd := seedGroup(t, s)
	eid := addExpense(t, s, sd.group, sd.ann, time.Now().UTC(), map[ledger.UserID]int64{sd.ann: 500, sd.ben: 500})

	// WHEN: the group is read inside one read transaction
	var expenses []ledger.Expense
	var splits []ledger.Split
	err := s.ReadTx(ctx, func(r ledger.LedgerReader) error {
		if _, err := r.GetGroup(ctx, sd.group); err != nil {
			return err
		}
		var err error
		if expenses, err = r.ListExpenses(ctx, sd.group, nil); err != nil {
			return err
		}
		splits, err = r.ListSplits(ctx, []ledger.ExpenseID{eid})
		return err
	})

	// THEN: every read is served and the store stays usable
	require.NoError(t, err)
	require.Len(t, expenses, 1)
	assert.Len(t, splits, 2)

	sentinel := errors.New("stop")
	assert.ErrorIs(t, s.ReadTx(ctx, func(ledger.LedgerReader) error { return sentinel }), sentinel)
	err = s.ReadTx(ctx, func(r ledger.LedgerReader) error {
		_, err := r.GetGroup(ctx, 999)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrGroupNotFound)
	addExpense(t, s, sd.group, sd.ben, time.Now().UTC(), map[ledger.UserID]int64{sd.ann: 100})
}

func TestHistory_SnapshotsSurviveDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sd := seedGroup(t, s)
	id := addExpense(t, s, sd.group, sd.ann, day1, map[ledger.UserID]int64{sd.ann: 600, sd.ben: 600})
	exp, splits, err := s.GetExpense(ctx, id)
	require.NoError(t, err)

	var entry ledger.HistoryEntry
	err = s.WithTx(ctx, func(l ledger.Ledger) error {
		entry = ledger.HistoryEntry{
			ExpenseID:   id,
			GroupID:     sd.group,
			Action:      ledger.ActionDeleted,
			ChangedBy:   sd.ben,
			Snapshot:    ledger.Snapshot{Old: ledger.StateOf(*exp, splits), Timestamp: day2},
			OperationID: "op-1",
			ChangedAt:   day2,
		}
		if err := l.AppendHistory(ctx, &entry); err != nil {
			return err
		}
		return l.DeleteExpense(ctx, id)
	})
	require.NoError(t, err)
	require.NotZero(t, entry.ID)

	got, err := s.GetHistory(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ActionDeleted, got.Action)
	assert.Equal(t, "op-1", got.OperationID)
	assert.True(t, day2.Equal(got.ChangedAt))
	require.NotNil(t, got.Snapshot.Old)
	assert.NoError(t, got.Snapshot.Old.Validate())
	assert.Equal(t, ledger.Cents(1200), got.Snapshot.Old.Amount)

	trail, err := s.AuditTrail(ctx, sd.group, 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, id, trail[0].ExpenseID)

	byExpense, err := s.ExpenseHistory(ctx, id)
	require.NoError(t, err)
	assert.Len(t, byExpense, 1)

	_, err = s.GetHistory(ctx, entry.ID+1)
	assert.ErrorIs(t, err, ledger.ErrHistoryNotFound)
}

func TestHistory_UnreadableSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sd := seedGroup(t, s)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expense_history (expense_id, group_id, action, changed_by, snapshot, changed_at)
		VALUES (1, ?, 'deleted', ?, '{"version":99}', ?)`, sd.group, sd.ann, toNanos(day1))
	require.NoError(t, err)

	_, err = s.GetHistory(ctx, 1)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
	assert.ErrorIs(t, err, ledger.ErrUnsupportedSnapshot)

	// listings keep the row with an empty snapshot
	trail, err := s.AuditTrail(ctx, sd.group, 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Nil(t, trail[0].Snapshot.Old)
}

func TestAuditTrail_NewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sd := seedGroup(t, s)

	for i := 0; i < 5; i++ {
		at := day1.Add(time.Duration(i) * time.Hour)
		err := s.WithTx(ctx, func(l ledger.Ledger) error {
			return l.AppendHistory(ctx, &ledger.HistoryEntry{
				ExpenseID: ledger.ExpenseID(i + 1),
				GroupID:   sd.group,
				Action:    ledger.ActionCreated,
				ChangedBy: sd.ann,
				ChangedAt: at,
			})
		})
		require.NoError(t, err)
	}

	trail, err := s.AuditTrail(ctx, sd.group, 3)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, ledger.ExpenseID(5), trail[0].ExpenseID)
	assert.Equal(t, ledger.ExpenseID(3), trail[2].ExpenseID)

	err = s.WithTx(ctx, func(l ledger.Ledger) error {
		return l.AppendHistory(ctx, &ledger.HistoryEntry{ExpenseID: 1, GroupID: sd.group, Action: "edited", ChangedBy: sd.ann})
	})
	assert.ErrorContains(t, err, "unknown history action")
}

func TestSettlementCache_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := s.SettlementCache()

	miss, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, c.Put(ctx, ledger.CachedPlan{GroupID: 1, GeneratedAt: day1}))
	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Transfers)

	plan := ledger.CachedPlan{
		GroupID:     1,
		Transfers:   []ledger.Transfer{{From: 2, To: 1, Amount: ledger.Cents(1250)}},
		GeneratedAt: day2,
	}
	require.NoError(t, c.Put(ctx, plan))
	got, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, plan.Transfers, got.Transfers)
	assert.True(t, day2.Equal(got.GeneratedAt))
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sd := seedGroup(t, s)
	addExpense(t, s, sd.group, sd.ann, day1, map[ledger.UserID]int64{sd.ben: 100})
	require.NoError(t, s.SettlementCache().Put(ctx, ledger.CachedPlan{GroupID: sd.group, GeneratedAt: day1}))

	require.NoError(t, s.Reset(ctx))

	_, err := s.GetGroup(ctx, sd.group)
	assert.ErrorIs(t, err, ledger.ErrGroupNotFound)
	plan, err := s.SettlementCache().Get(ctx, sd.group)
	require.NoError(t, err)
	assert.Nil(t, plan)

	again := seedGroup(t, s)
	assert.Equal(t, sd.group, again.group, "ids restart after reset")
	require.NoError(t, s.Ping(ctx))
}

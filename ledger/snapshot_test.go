package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/splitledger/ledger"
)

func TestSnapshot_EncodeDecode(t *testing.T) {
	exp := ledger.Expense{ID: 5, GroupID: 2, PaidBy: 1, Amount: ledger.Cents(1200), Description: "Taxi", CreatedAt: jan10}
	splits := []ledger.Split{
		{ExpenseID: 5, UserID: 1, Owed: ledger.Cents(600)},
		{ExpenseID: 5, UserID: 3, Owed: ledger.Cents(600)},
	}
	from := ledger.HistoryID(9)

	b, err := ledger.EncodeSnapshot(ledger.Snapshot{Old: ledger.StateOf(exp, splits), RestoredFrom: &from, Timestamp: feb10})
	require.NoError(t, err)

	s, err := ledger.DecodeSnapshot(b)
	require.NoError(t, err)
	assert.Equal(t, ledger.SnapshotVersion, s.Version, "encode stamps the current version")
	assert.Nil(t, s.New)
	require.NotNil(t, s.Old)
	assert.Equal(t, ledger.GroupID(2), s.Old.GroupID)
	assert.Equal(t, "Taxi", s.Old.Description)
	assert.Len(t, s.Old.Splits, 2)
	assert.NoError(t, s.Old.Validate())
	require.NotNil(t, s.RestoredFrom)
	assert.Equal(t, from, *s.RestoredFrom)
	assert.True(t, feb10.Equal(s.Timestamp))
}

func TestDecodeSnapshot_Versions(t *testing.T) {
	t.Run("unversioned rows are read as version 1", func(t *testing.T) {
		s, err := ledger.DecodeSnapshot([]byte(`{"old":{"group_id":1,"paid_by":1,"amount":"10.00","splits":[{"user_id":1,"owed_amount":"10.00"}]}}`))
		require.NoError(t, err)
		assert.Equal(t, 1, s.Version)
		require.NotNil(t, s.Old)
		assert.Equal(t, ledger.Cents(1000), s.Old.Amount)
	})

	t.Run("future version", func(t *testing.T) {
		_, err := ledger.DecodeSnapshot([]byte(`{"version":7}`))
		assert.ErrorIs(t, err, ledger.ErrUnsupportedSnapshot)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ledger.DecodeSnapshot([]byte(`{"old":`))
		assert.ErrorIs(t, err, ledger.ErrInvalidState)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ledger.DecodeSnapshot(nil)
		assert.ErrorIs(t, err, ledger.ErrInvalidState)
	})
}

func TestExpenseState_Validate(t *testing.T) {
	valid := func() *ledger.ExpenseState {
		return &ledger.ExpenseState{
			GroupID:   1,
			PaidBy:    1,
			Amount:    ledger.Cents(900),
			CreatedAt: time.Now(),
			Splits: []ledger.SplitState{
				{UserID: 1, Owed: ledger.Cents(450)},
				{UserID: 2, Owed: ledger.Cents(450)},
			},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*ledger.ExpenseState) *ledger.ExpenseState
	}{
		{"nil", func(*ledger.ExpenseState) *ledger.ExpenseState { return nil }},
		{"no group", func(s *ledger.ExpenseState) *ledger.ExpenseState { s.GroupID = 0; return s }},
		{"no payer", func(s *ledger.ExpenseState) *ledger.ExpenseState { s.PaidBy = 0; return s }},
		{"zero amount", func(s *ledger.ExpenseState) *ledger.ExpenseState { s.Amount = 0; return s }},
		{"no splits", func(s *ledger.ExpenseState) *ledger.ExpenseState { s.Splits = nil; return s }},
		{"splits off by a cent", func(s *ledger.ExpenseState) *ledger.ExpenseState { s.Splits[1].Owed = ledger.Cents(449); return s }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(valid()).Validate()
			assert.ErrorIs(t, err, ledger.ErrInvalidState)
		})
	}
}

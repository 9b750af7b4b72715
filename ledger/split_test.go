package ledger_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/splitledger/ledger"
)

// =============================================================================
// EQUAL SPLIT
// =============================================================================

func TestEqualSplit_RemainderGoesToLowestIDs(t *testing.T) {
	// GIVEN: 100.00 among three users, listed out of order
	// WHEN: split equally
	// THEN: 33.34 / 33.33 / 33.33, the extra cent to the lowest id
	shares, err := ledger.EqualSplit(ledger.Cents(10000), []ledger.UserID{7, 3, 5})
	require.NoError(t, err)

	assert.Equal(t, []ledger.Share{
		{UserID: 3, Amount: ledger.Cents(3334)},
		{UserID: 5, Amount: ledger.Cents(3333)},
		{UserID: 7, Amount: ledger.Cents(3333)},
	}, shares)
}

func TestEqualSplit_SumsExactly(t *testing.T) {
	totals := []int64{0, 1, 2, 99, 100, 101, 5999, 123457}
	for n := 1; n <= 7; n++ {
		ids := make([]ledger.UserID, n)
		for i := range ids {
			ids[i] = ledger.UserID(i + 1)
		}
		for _, total := range totals {
			shares, err := ledger.EqualSplit(ledger.Cents(total), ids)
			require.NoError(t, err)
			require.Len(t, shares, n)

			var sum ledger.Money
			lo, hi := shares[0].Amount, shares[0].Amount
			for _, s := range shares {
				sum += s.Amount
				lo = ledger.MinMoney(lo, s.Amount)
				if s.Amount > hi {
					hi = s.Amount
				}
			}
			assert.Equal(t, ledger.Cents(total), sum, "n=%d total=%d", n, total)
			assert.LessOrEqual(t, int64(hi-lo), int64(1), "shares differ by at most one cent")
		}
	}
}

func TestEqualSplit_DeduplicatesParticipants(t *testing.T) {
	shares, err := ledger.EqualSplit(ledger.Cents(1000), []ledger.UserID{2, 1, 2, 1})
	require.NoError(t, err)
	assert.Len(t, shares, 2)
	assert.Equal(t, ledger.Cents(500), shares[0].Amount)
}

func TestEqualSplit_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		total ledger.Money
		ids   []ledger.UserID
	}{
		{"no participants", ledger.Cents(100), nil},
		{"negative total", ledger.Cents(-1), []ledger.UserID{1}},
		{"zero id", ledger.Cents(100), []ledger.UserID{0, 1}},
		{"negative id", ledger.Cents(100), []ledger.UserID{-4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.EqualSplit(tt.total, tt.ids)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

// =============================================================================
// EXACT SPLIT
// =============================================================================

func TestExactSplit(t *testing.T) {
	shares, err := ledger.ExactSplit(ledger.Cents(5000), []ledger.Share{
		{UserID: 9, Amount: ledger.Cents(4000)},
		{UserID: 2, Amount: ledger.Cents(1000)},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID(2), shares[0].UserID, "sorted by user id")
}

func TestExactSplit_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		shares []ledger.Share
	}{
		{"empty", nil},
		{"sum short by a cent", []ledger.Share{{UserID: 1, Amount: ledger.Cents(4999)}}},
		{"duplicate user", []ledger.Share{{UserID: 1, Amount: ledger.Cents(2500)}, {UserID: 1, Amount: ledger.Cents(2500)}}},
		{"zero share", []ledger.Share{{UserID: 1, Amount: ledger.Cents(5000)}, {UserID: 2, Amount: 0}}},
		{"bad id", []ledger.Share{{UserID: 0, Amount: ledger.Cents(5000)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.ExactSplit(ledger.Cents(5000), tt.shares)
			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "splits", verr.Field)
		})
	}
}

// =============================================================================
// MONEY
// =============================================================================

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in   string
		want ledger.Money
	}{
		{"12.50", ledger.Cents(1250)},
		{"0.005", ledger.Cents(1)},
		{"-3.333", ledger.Cents(-333)},
		{" 7 ", ledger.Cents(700)},
	}
	for _, tt := range tests {
		got, err := ledger.ParseMoney(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ledger.ParseMoney("twelve")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	top, err := ledger.ParseMoney("92233720368547758.07")
	require.NoError(t, err)
	assert.Equal(t, ledger.Cents(math.MaxInt64), top)
}

func TestParseMoney_OutOfRange(t *testing.T) {
	for _, in := range []string{"200000000000000000", "1e17", "-1e17", "92233720368547758.08"} {
		t.Run(in, func(t *testing.T) {
			_, err := ledger.ParseMoney(in)
			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "amount", verr.Field)
		})
	}

	var m ledger.Money
	assert.ErrorIs(t, m.UnmarshalJSON([]byte(`200000000000000000`)), ledger.ErrValidation)
}

func TestMoney_JSON(t *testing.T) {
	b, err := ledger.Cents(1999).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "19.99", string(b))

	var m ledger.Money
	require.NoError(t, m.UnmarshalJSON([]byte(`"4.20"`)))
	assert.Equal(t, ledger.Cents(420), m)
	require.NoError(t, m.UnmarshalJSON([]byte(`15`)))
	assert.Equal(t, ledger.Cents(1500), m)
}

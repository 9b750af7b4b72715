package ledger

import (
	"fmt"
	"sort"
)

// =============================================================================
// SPLIT COMPUTATION - Equal shares in integer cents
// =============================================================================

// Share is one participant's computed portion of a total.
type Share struct {
	UserID UserID `json:"user_id"`
	Amount Money  `json:"amount"`
}

// EqualSplit divides total among distinct participants.
//
// base = floor(total / N), remainder = total mod N. The first remainder
// participants in ascending id order get base+1 cents. Shares always sum to
// total exactly and the result is sorted by user id.
func EqualSplit(total Money, participants []UserID) ([]Share, error) {
	if total.IsNegative() {
		return nil, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	ids := uniqueSorted(participants)
	if len(ids) == 0 {
		return nil, &ValidationError{Field: "participants", Reason: "at least one participant is required"}
	}
	for _, id := range ids {
		if id <= 0 {
			return nil, &ValidationError{Field: "participants", Reason: fmt.Sprintf("invalid user id %d", id)}
		}
	}

	n := int64(len(ids))
	base := total.Cents() / n
	remainder := total.Cents() % n

	shares := make([]Share, len(ids))
	for i, id := range ids {
		amt := base
		if int64(i) < remainder {
			amt++
		}
		shares[i] = Share{UserID: id, Amount: Cents(amt)}
	}
	return shares, nil
}

// ExactSplit validates caller-supplied shares. They must be positive, name
// each user once and sum to total to the cent.
func ExactSplit(total Money, shares []Share) ([]Share, error) {
	if len(shares) == 0 {
		return nil, &ValidationError{Field: "splits", Reason: "at least one share is required"}
	}
	seen := make(map[UserID]bool, len(shares))
	var sum Money
	out := make([]Share, 0, len(shares))
	for _, s := range shares {
		if s.UserID <= 0 {
			return nil, &ValidationError{Field: "splits", Reason: fmt.Sprintf("invalid user id %d", s.UserID)}
		}
		if seen[s.UserID] {
			return nil, &ValidationError{Field: "splits", Reason: fmt.Sprintf("user %d listed twice", s.UserID)}
		}
		if !s.Amount.IsPositive() {
			return nil, &ValidationError{Field: "splits", Reason: fmt.Sprintf("share for user %d must be positive", s.UserID)}
		}
		seen[s.UserID] = true
		sum += s.Amount
		out = append(out, s)
	}
	if sum != total {
		return nil, &ValidationError{Field: "splits", Reason: fmt.Sprintf("shares sum to %s, expected %s", sum, total)}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func uniqueSorted(ids []UserID) []UserID {
	seen := make(map[UserID]bool, len(ids))
	out := make([]UserID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

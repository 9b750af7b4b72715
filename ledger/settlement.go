/*
settlement.go - Greedy settlement optimizer

PURPOSE:
  Turns net balances into a short list of payments that zeroes everyone.

ALGORITHM:
  1. Partition into creditors (balance > 0) and debtors (balance < 0).
     At cent resolution "within one cent of zero" is exactly zero.
  2. Sort both lists descending by magnitude, ties by user id ascending.
  3. Match the largest remaining creditor against the largest remaining
     debtor for min(remaining), emit one Transfer, advance whichever side
     reaches zero.

  The greedy policy is not globally optimal in every case but it is
  deterministic: the same balances always give the same plan.

CONSERVATION:
  sum(amount paid by X)     == max(0, -balance(X))
  sum(amount received by X) == max(0,  balance(X))
*/
package ledger

import "sort"

// Transfer is one payment in a settlement plan.
type Transfer struct {
	From   UserID `json:"from"`
	To     UserID `json:"to"`
	Amount Money  `json:"amount"`
}

// NetBalance is the optimizer input. Positive means the user is owed money.
type NetBalance struct {
	UserID  UserID `json:"user_id"`
	Balance Money  `json:"balance"`
}

type party struct {
	id     UserID
	amount Money
}

// OptimizeSettlements computes the greedy settlement plan. Empty, all-zero
// and single-user inputs yield an empty (non-nil) plan.
func OptimizeSettlements(balances []NetBalance) []Transfer {
	var creditors, debtors []party
	for _, b := range balances {
		switch {
		case b.Balance.IsPositive():
			creditors = append(creditors, party{id: b.UserID, amount: b.Balance})
		case b.Balance.IsNegative():
			debtors = append(debtors, party{id: b.UserID, amount: b.Balance.Abs()})
		}
	}
	sortParties(creditors)
	sortParties(debtors)

	transfers := make([]Transfer, 0)
	i, j := 0, 0
	for i < len(creditors) && j < len(debtors) {
		amt := MinMoney(creditors[i].amount, debtors[j].amount)
		transfers = append(transfers, Transfer{
			From:   debtors[j].id,
			To:     creditors[i].id,
			Amount: amt,
		})
		creditors[i].amount -= amt
		debtors[j].amount -= amt
		if creditors[i].amount.IsZero() {
			i++
		}
		if debtors[j].amount.IsZero() {
			j++
		}
	}
	return transfers
}

func sortParties(ps []party) {
	sort.SliceStable(ps, func(a, b int) bool {
		if ps[a].amount != ps[b].amount {
			return ps[a].amount > ps[b].amount
		}
		return ps[a].id < ps[b].id
	})
}

/*
graph.go - Debt graph builder and visualization

PURPOSE:
  Builds the pairwise "who owes whom" graph of a group before netting,
  aggregates it for display and bundles it with the optimized plan and the
  circular debts found.

RAW GRAPH:
  Every split that is not self-owed yields one edge
      ower -> payer, amount = owed
  so a group can have many parallel and opposing edges.

AGGREGATION:
  For each unordered pair {A, B}:
      net = sum(A->B) - sum(B->A)
  One edge survives in the direction of the larger side with |net|.
  Pairs whose |net| is one cent or less are dropped.

SEE ALSO:
  - cycles.go: consumes the raw edges
  - settlement.go: consumes the net balances
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
)

// Node is a group member in the graph.
type Node struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// Edge is a debt from From to To. Raw edges carry their expense; aggregated
// edges do not.
type Edge struct {
	From      UserID    `json:"from"`
	FromName  string    `json:"from_name,omitempty"`
	To        UserID    `json:"to"`
	ToName    string    `json:"to_name,omitempty"`
	Amount    Money     `json:"amount"`
	ExpenseID ExpenseID `json:"expense_id,omitempty"`
	Label     string    `json:"expense,omitempty"`
}

// BuildDebtGraph emits one ower->payer edge per non-self split, in expense
// order and then split order.
func BuildDebtGraph(expenses []Expense, splits []Split) []Edge {
	byExpense := make(map[ExpenseID][]Split, len(expenses))
	for _, s := range splits {
		byExpense[s.ExpenseID] = append(byExpense[s.ExpenseID], s)
	}
	edges := make([]Edge, 0, len(splits))
	for _, e := range expenses {
		label := e.Description
		if label == "" {
			label = fmt.Sprintf("Expense #%d", e.ID)
		}
		for _, s := range byExpense[e.ID] {
			if s.UserID == e.PaidBy || !s.Owed.IsPositive() {
				continue
			}
			edges = append(edges, Edge{
				From:      s.UserID,
				To:        e.PaidBy,
				Amount:    s.Owed,
				ExpenseID: e.ID,
				Label:     label,
			})
		}
	}
	return edges
}

type pairKey struct{ lo, hi UserID }

// AggregateEdges nets each pair of users into at most one edge. Output is
// ordered by (From, To).
func AggregateEdges(raw []Edge) []Edge {
	net := make(map[pairKey]Money)
	for _, e := range raw {
		if e.From == e.To {
			continue
		}
		if e.From < e.To {
			net[pairKey{e.From, e.To}] += e.Amount
		} else {
			net[pairKey{e.To, e.From}] -= e.Amount
		}
	}

	out := make([]Edge, 0, len(net))
	for k, amt := range net {
		if amt.Abs() <= Cents(1) {
			continue
		}
		if amt > 0 {
			out = append(out, Edge{From: k.lo, To: k.hi, Amount: amt})
		} else {
			out = append(out, Edge{From: k.hi, To: k.lo, Amount: amt.Abs()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// =============================================================================
// VISUALIZATION
// =============================================================================

// GraphStats summarizes how much the optimizer simplified the graph.
type GraphStats struct {
	TotalMembers          int `json:"totalMembers"`
	TotalEdges            int `json:"totalEdges"`
	OptimizedTransactions int `json:"optimizedTransactions"`
	CircularDebtsFound    int `json:"circularDebtsFound"`
	SavingsPercent        int `json:"savingsPercent"`
}

// DebtVisualization is the full debt graph report for a group.
type DebtVisualization struct {
	GroupID              GroupID         `json:"group_id"`
	Nodes                []Node          `json:"nodes"`
	Edges                []Edge          `json:"edges"`
	NetBalances          []MemberBalance `json:"netBalances"`
	OptimizedSettlements []Transfer      `json:"optimizedSettlements"`
	CircularDebts        []Cycle         `json:"circularDebts"`
	Stats                GraphStats      `json:"stats"`
}

// Visualize assembles the report from already loaded rows. It is pure and
// never mutates the ledger.
func Visualize(members []Member, expenses []Expense, splits []Split) *DebtVisualization {
	balances := AggregateBalances(members, expenses, splits)
	names := make(map[UserID]string, len(balances))
	nodes := make([]Node, 0, len(balances))
	for _, b := range balances {
		names[b.UserID] = b.Name
		nodes = append(nodes, Node{ID: b.UserID, Name: b.Name})
	}

	raw := BuildDebtGraph(expenses, splits)
	edges := AggregateEdges(raw)
	for i := range edges {
		edges[i].FromName = names[edges[i].From]
		edges[i].ToName = names[edges[i].To]
	}
	plan := OptimizeSettlements(NetBalances(balances))
	cycles := DetectCycles(raw)

	return &DebtVisualization{
		Nodes:                nodes,
		Edges:                edges,
		NetBalances:          balances,
		OptimizedSettlements: plan,
		CircularDebts:        cycles,
		Stats: GraphStats{
			TotalMembers:          len(members),
			TotalEdges:            len(raw),
			OptimizedTransactions: len(plan),
			CircularDebtsFound:    len(cycles),
			SavingsPercent:        savingsPercent(len(plan), len(raw)),
		},
	}
}

func savingsPercent(optimized, raw int) int {
	if raw == 0 {
		return 0
	}
	pct := int(math.Round((1 - float64(optimized)/float64(raw)) * 100))
	if pct < 0 {
		return 0
	}
	return pct
}

// GraphService reads a group and builds its visualization.
type GraphService struct {
	store   LedgerReader
	timeout time.Duration
	logger  *slog.Logger
}

func NewGraphService(store LedgerReader, timeout time.Duration, logger *slog.Logger) *GraphService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphService{store: store, timeout: timeout, logger: logger}
}

func (s *GraphService) Visualize(ctx context.Context, id GroupID) (*DebtVisualization, error) {
	if err := validGroupID(id); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	gl, err := loadGroupLedger(ctx, s.store, id, nil)
	if err != nil {
		return nil, classifyRead("debt graph", err)
	}
	v := Visualize(gl.members, gl.expenses, gl.splits)
	v.GroupID = id
	s.logger.Debug("debt graph built",
		"group_id", id,
		"raw_edges", v.Stats.TotalEdges,
		"cycles", v.Stats.CircularDebtsFound,
	)
	return v, nil
}

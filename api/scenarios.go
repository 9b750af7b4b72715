/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built ledgers that populate the store with realistic data
	for demos. Each scenario creates users, groups and backdated expenses
	that exercise specific features.

AVAILABLE SCENARIOS:

	trip:  Three friends on a weekend trip. Everyone paid for something
	       the others shared, so the raw debt graph has cycles. One
	       expense is undone, leaving a redo-able history entry.
	flat:  Four flatmates with uneven (exact) splits, a cent remainder
	       and a groceries sub-group under the flat.

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create users and groups via the directory
 3. Record expenses through the expense service (history + hooks)
 4. Wait for post-commit hooks, then recompute every group's plan

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "trip"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to the loaders map

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: error mapping
  - ledger/expenses.go: ExpenseService.Create
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/splitledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "trip",
		Name:        "Weekend Trip",
		Description: "Three friends, everyone paid once: circular debts, one undone expense",
	},
	{
		ID:          "flat",
		Name:        "Shared Flat",
		Description: "Four flatmates, exact and equal splits, groceries sub-group",
	},
}

// resetter is implemented by stores that can be wiped for demos.
type resetter interface {
	Reset(ctx context.Context) error
}

// scenarioResult collects what a loader created.
type scenarioResult struct {
	users  []ledger.User
	groups []ledger.GroupID
}

type scenarioLoader func(h *Handler, ctx context.Context) (*scenarioResult, error)

var loaders = map[string]scenarioLoader{
	"trip": (*Handler).loadTripScenario,
	"flat": (*Handler).loadFlatScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.RLock()
	current := h.currentScenario
	h.scenarioMu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	res, err := h.loadScenario(r.Context(), s.ID)
	if err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	h.currentScenario = s.ID
	h.requestLogger(r).Info("scenario loaded", "scenario", s.ID, "groups", len(res.groups))

	writeJSON(w, http.StatusOK, LoadScenarioResponse{Scenario: s, Users: res.users, Groups: res.groups})
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

func (h *Handler) loadScenario(ctx context.Context, id string) (*scenarioResult, error) {
	rs, ok := h.Store.(resetter)
	if !ok {
		return nil, errors.New("store does not support reset")
	}
	// let hooks from earlier mutations finish before wiping their data
	h.Engine.Hooks.Wait()
	if err := rs.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset store: %w", err)
	}

	res, err := loaders[id](h, ctx)
	if err != nil {
		return nil, err
	}

	// the cache is keyed by group id and ids restart after a reset, so every
	// plan is rewritten once the hooks fired by the loader are done
	h.Engine.Hooks.Wait()
	for _, gid := range res.groups {
		if _, err := h.Engine.Settlements.Recompute(ctx, gid); err != nil {
			return nil, fmt.Errorf("recompute group %d: %w", gid, err)
		}
	}
	return res, nil
}

// =============================================================================
// SCENARIO: trip
// =============================================================================

func (h *Handler) loadTripScenario(ctx context.Context) (*scenarioResult, error) {
	b := newScenarioBuilder(ctx, h)
	alice := b.user("Alice", "alice@example.com")
	bob := b.user("Bob", "bob@example.com")
	carol := b.user("Carol", "carol@example.com")
	trip := b.group("Lisbon Weekend", alice, nil, bob, carol)

	day := func(d, hour int) time.Time { return time.Date(2026, 3, d, hour, 0, 0, 0, time.UTC) }

	b.equal(trip, alice, "300.00", "Hotel", day(6, 18))
	b.equal(trip, bob, "90.00", "Dinner at Ramiro", day(6, 21))
	b.exact(trip, carol, "Car rental", day(7, 9), map[ledger.UserID]string{
		alice: "40.00", bob: "40.00", carol: "40.00",
	})
	museum := b.equal(trip, alice, "45.00", "Museum tickets", day(7, 14), bob, carol)
	b.equal(trip, bob, "27.60", "Pastéis de nata", day(8, 10))

	if b.err != nil {
		return nil, b.err
	}
	// the museum visit was cancelled; the deletion stays in the audit trail
	if _, err := h.Engine.History.Undo(ctx, museum, alice); err != nil {
		return nil, fmt.Errorf("undo museum tickets: %w", err)
	}
	return b.result(), nil
}

// =============================================================================
// SCENARIO: flat
// =============================================================================

func (h *Handler) loadFlatScenario(ctx context.Context) (*scenarioResult, error) {
	b := newScenarioBuilder(ctx, h)
	dana := b.user("Dana", "dana@example.com")
	eli := b.user("Eli", "eli@example.com")
	fay := b.user("Fay", "fay@example.com")
	gus := b.user("Gus", "gus@example.com")

	flat := b.group("Flat 4B", dana, nil, eli, fay, gus)
	groceries := b.group("Flat 4B Groceries", dana, &flat, eli)

	month := func(m time.Month, d int) time.Time { return time.Date(2026, m, d, 12, 0, 0, 0, time.UTC) }

	b.equal(flat, dana, "2400.00", "January rent", month(time.January, 1))
	b.equal(flat, eli, "59.99", "Internet", month(time.January, 5))
	b.exact(flat, fay, "Deep clean", month(time.January, 12), map[ledger.UserID]string{
		dana: "30.00", eli: "30.00", gus: "60.00",
	})
	b.equal(flat, gus, "2400.00", "February rent", month(time.February, 1))
	b.equal(flat, eli, "59.99", "Internet", month(time.February, 5))

	b.equal(groceries, dana, "87.45", "Weekly shop", month(time.January, 8))
	b.equal(groceries, eli, "42.10", "Market", month(time.January, 15))
	b.equal(groceries, dana, "63.20", "Weekly shop", month(time.February, 8))

	if b.err != nil {
		return nil, b.err
	}
	return b.result(), nil
}

// =============================================================================
// BUILDER
// =============================================================================

// scenarioBuilder records the first error and turns later calls into no-ops.
type scenarioBuilder struct {
	h   *Handler
	ctx context.Context
	err error
	res scenarioResult
}

func newScenarioBuilder(ctx context.Context, h *Handler) *scenarioBuilder {
	return &scenarioBuilder{h: h, ctx: ctx}
}

func (b *scenarioBuilder) user(name, email string) ledger.UserID {
	if b.err != nil {
		return 0
	}
	u, err := b.h.Directory.CreateUser(b.ctx, name, email)
	if err != nil {
		b.err = fmt.Errorf("create user %s: %w", name, err)
		return 0
	}
	b.res.users = append(b.res.users, *u)
	return u.ID
}

func (b *scenarioBuilder) group(name string, creator ledger.UserID, parent *ledger.GroupID, members ...ledger.UserID) ledger.GroupID {
	if b.err != nil {
		return 0
	}
	g, err := b.h.Directory.CreateGroup(b.ctx, name, creator, parent, members)
	if err != nil {
		b.err = fmt.Errorf("create group %s: %w", name, err)
		return 0
	}
	b.res.groups = append(b.res.groups, g.ID)
	return g.ID
}

// equal records an equal split among participants, or all members when
// none are given.
func (b *scenarioBuilder) equal(gid ledger.GroupID, payer ledger.UserID, amount, desc string, at time.Time, participants ...ledger.UserID) ledger.ExpenseID {
	return b.expense(ledger.NewExpense{
		GroupID:      gid,
		PaidBy:       payer,
		Amount:       ledger.MustParseMoney(amount),
		Description:  desc,
		Participants: participants,
		CreatedAt:    at,
	})
}

func (b *scenarioBuilder) exact(gid ledger.GroupID, payer ledger.UserID, desc string, at time.Time, shares map[ledger.UserID]string) ledger.ExpenseID {
	in := ledger.NewExpense{GroupID: gid, PaidBy: payer, Description: desc, CreatedAt: at}
	for uid, amount := range shares {
		m := ledger.MustParseMoney(amount)
		in.Splits = append(in.Splits, ledger.Share{UserID: uid, Amount: m})
		in.Amount += m
	}
	return b.expense(in)
}

func (b *scenarioBuilder) expense(in ledger.NewExpense) ledger.ExpenseID {
	if b.err != nil {
		return 0
	}
	e, _, err := b.h.Engine.Expenses.Create(b.ctx, in)
	if err != nil {
		b.err = fmt.Errorf("create expense %q: %w", in.Description, err)
		return 0
	}
	return e.ID
}

func (b *scenarioBuilder) result() *scenarioResult {
	res := b.res
	return &res
}

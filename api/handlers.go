/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger services.

ENDPOINTS:
  Directory:
    POST   /api/users                         Create user
    POST   /api/groups                        Create group (optional parent)
    GET    /api/groups/{id}                   Group with members
    POST   /api/groups/{id}/members           Add members
    GET    /api/groups/{id}/subgroups         Sub-groups + consolidated balances

  Expenses:
    POST   /api/groups/{id}/expenses          Record expense (equal or exact split)
    GET    /api/expenses/{id}                 Expense with splits
    GET    /api/expenses/{id}/history         History entries of one expense
    POST   /api/expenses/{id}/undo            Delete, keeping a replayable snapshot
    POST   /api/history/{id}/redo             Restore from a "deleted" entry

  Reports:
    GET    /api/groups/{id}/balances[?at=]    Balances, time travel with ?at
    GET    /api/groups/{id}/settlements       Cached plan (?fresh=true recomputes)
    POST   /api/groups/{id}/settlements/recompute
    GET    /api/groups/{id}/debt-graph        Graph, plan and circular debts
    GET    /api/groups/{id}/audit-trail       Newest first (?limit=n, clamped)

  Scenarios:
    GET    /api/scenarios                     List demo scenarios
    POST   /api/scenarios/load                Load a demo scenario

ACTOR:
  Mutations read the acting user from the X-User-ID header. The header is
  trusted; there is no authentication.

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the ledger error
  category:
  - 400: Validation errors, invalid input
  - 404: Group, user, expense or history entry not found
  - 409: Conflict (transaction failed, retryable)
  - 422: Invalid state (e.g. redo from a non-deletion entry)
  - 503: Timeout or unavailable dependency
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/splitledger/ledger"
)

// ActorHeader carries the acting user id.
const ActorHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Directory *ledger.DirectoryService
	Store     ledger.Store

	logger *slog.Logger

	checksMu sync.RWMutex
	checks   []healthCheck

	// Track currently loaded scenario
	scenarioMu      sync.RWMutex
	currentScenario string
}

type healthCheck struct {
	name string
	fn   func(context.Context) error
}

// NewHandler creates a handler over an engine and the store it was built on.
func NewHandler(engine *ledger.Engine, store ledger.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:    engine,
		Directory: ledger.NewDirectoryService(store, store),
		Store:     store,
		logger:    logger,
	}
}

// AddHealthCheck registers a dependency check reported by /health.
func (h *Handler) AddHealthCheck(name string, fn func(context.Context) error) {
	h.checksMu.Lock()
	defer h.checksMu.Unlock()
	h.checks = append(h.checks, healthCheck{name: name, fn: fn})
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// CreateUser creates a user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	u, err := h.Directory.CreateUser(r.Context(), req.Name, req.Email)
	if err != nil {
		h.fail(w, r, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// CreateGroup creates a group; the creator becomes a member.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CreatedBy == 0 {
		actor, err := actorFrom(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+ActorHeader+" header", err)
			return
		}
		req.CreatedBy = actor
	}
	g, err := h.Directory.CreateGroup(r.Context(), req.Name, req.CreatedBy, req.ParentID, req.Members)
	if err != nil {
		h.fail(w, r, "Failed to create group", err)
		return
	}
	detail, err := h.Directory.GetGroup(r.Context(), g.ID)
	if err != nil {
		h.fail(w, r, "Failed to get group", err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

// GetGroup returns a group and its effective members.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	detail, err := h.Directory.GetGroup(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get group", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// AddMembers adds users to a group. Existing members are ignored.
func (h *Handler) AddMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	var req AddMembersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Directory.AddMembers(r.Context(), id, req.UserIDs); err != nil {
		h.fail(w, r, "Failed to add members", err)
		return
	}
	detail, err := h.Directory.GetGroup(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get group", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetSubGroups returns direct sub-groups with consolidated balances.
func (h *Handler) GetSubGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.Balances.Consolidated(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get consolidated balances", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// EXPENSE HANDLERS
// =============================================================================

// CreateExpense records an expense in the group.
func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	var req CreateExpenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+ActorHeader+" header", err)
		return
	}

	in := ledger.NewExpense{
		GroupID:      id,
		PaidBy:       req.PaidBy,
		Amount:       req.Amount,
		Description:  strings.TrimSpace(req.Description),
		Participants: req.Participants,
		Actor:        actor,
	}
	switch strings.ToLower(req.SplitType) {
	case "", SplitEqual:
		if len(req.Splits) > 0 {
			writeError(w, http.StatusBadRequest, "splits are only accepted with split_type \"exact\"", nil)
			return
		}
	case SplitExact:
		if len(req.Splits) == 0 {
			writeError(w, http.StatusBadRequest, "split_type \"exact\" requires splits", nil)
			return
		}
		in.Splits = make([]ledger.Share, len(req.Splits))
		for i, s := range req.Splits {
			in.Splits[i] = ledger.Share{UserID: s.UserID, Amount: s.Amount}
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown split_type %q", req.SplitType), nil)
		return
	}
	if req.CreatedAt != "" {
		at, err := ledger.ParseCutoff(req.CreatedAt)
		if err != nil {
			h.fail(w, r, "Invalid created_at", err)
			return
		}
		in.CreatedAt = *at
	}

	e, splits, err := h.Engine.Expenses.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, "Failed to create expense", err)
		return
	}
	writeJSON(w, http.StatusCreated, ExpenseDTO{Expense: *e, Splits: splits})
}

// GetExpense returns a live expense and its splits.
func (h *Handler) GetExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := expenseParam(w, r)
	if !ok {
		return
	}
	e, splits, err := h.Engine.Expenses.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get expense", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpenseDTO{Expense: *e, Splits: splits})
}

// GetExpenseHistory lists history entries of one expense, newest first.
// Deleted expenses keep their history.
func (h *Handler) GetExpenseHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := expenseParam(w, r)
	if !ok {
		return
	}
	entries, err := h.Engine.History.ExpenseHistory(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get expense history", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpenseHistoryResponse{ExpenseID: id, History: entries})
}

// UndoExpense deletes an expense, keeping a replayable snapshot.
func (h *Handler) UndoExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := expenseParam(w, r)
	if !ok {
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+ActorHeader+" header", err)
		return
	}
	res, err := h.Engine.History.Undo(r.Context(), id, actor)
	if err != nil {
		h.fail(w, r, "Failed to undo expense", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RedoHistory restores the expense captured by a "deleted" history entry.
func (h *Handler) RedoHistory(w http.ResponseWriter, r *http.Request) {
	raw, err := int64Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid history id", err)
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+ActorHeader+" header", err)
		return
	}
	res, err := h.Engine.History.Redo(r.Context(), ledger.HistoryID(raw), actor)
	if err != nil {
		h.fail(w, r, "Failed to redo expense", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// GetBalances returns current balances, or the time-travel report when
// ?at= is given.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	if at := r.URL.Query().Get("at"); at != "" {
		report, err := h.Engine.History.BalancesAtDate(r.Context(), id, at)
		if err != nil {
			h.fail(w, r, "Failed to get balances", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	rows, err := h.Engine.Balances.Balances(r.Context(), id, nil)
	if err != nil {
		h.fail(w, r, "Failed to get balances", err)
		return
	}
	writeJSON(w, http.StatusOK, BalancesResponse{
		GroupID:     id,
		Balances:    rows,
		NetBalances: ledger.NetBalances(rows),
	})
}

// GetSettlements serves the cached plan, computing it on a miss.
func (h *Handler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	fresh, err := boolQuery(r, "fresh")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fresh parameter", err)
		return
	}
	res, err := h.Engine.Settlements.GetOrCompute(r.Context(), id, fresh)
	if err != nil {
		h.fail(w, r, "Failed to get settlements", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecomputeSettlements forces a recompute. A failed cache write still
// returns the computed plan.
func (h *Handler) RecomputeSettlements(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.Settlements.Recompute(r.Context(), id)
	if err != nil && !(res != nil && errors.Is(err, ledger.ErrDependency)) {
		h.fail(w, r, "Failed to recompute settlements", err)
		return
	}
	if err != nil {
		h.requestLogger(r).Warn("settlement cache not updated", "group_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// GetDebtGraph returns the debt graph with optimized settlements and
// circular debts.
func (h *Handler) GetDebtGraph(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	viz, err := h.Engine.Graph.Visualize(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to build debt graph", err)
		return
	}
	writeJSON(w, http.StatusOK, viz)
}

// GetAuditTrail returns the group's history, newest first.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	entries, err := h.Engine.History.AuditTrail(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, "Failed to get audit trail", err)
		return
	}
	writeJSON(w, http.StatusOK, AuditTrailResponse{
		GroupID: id,
		Limit:   h.Engine.History.ClampLimit(limit),
		Entries: entries,
	})
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.checksMu.RLock()
	checks := append([]healthCheck(nil), h.checks...)
	h.checksMu.RUnlock()

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if len(checks) > 0 {
		resp.Checks = make(map[string]string, len(checks))
	}
	for _, c := range checks {
		if err := c.fn(r.Context()); err != nil {
			resp.Checks[c.name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a ledger error category to an HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusUnprocessableEntity, "invalid_state"
	case errors.Is(err, ledger.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrDependency):
		return http.StatusServiceUnavailable, "dependency"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// fail writes err with its mapped status. Server-side failures are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.requestLogger(r).Error(message, "error", err, "retryable", ledger.IsRetryable(err))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, raw)
	}
	return id, nil
}

func groupParam(w http.ResponseWriter, r *http.Request) (ledger.GroupID, bool) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid group id", err)
		return 0, false
	}
	return ledger.GroupID(id), true
}

func expenseParam(w http.ResponseWriter, r *http.Request) (ledger.ExpenseID, bool) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expense id", err)
		return 0, false
	}
	return ledger.ExpenseID(id), true
}

// actorFrom reads the acting user. A missing header yields 0, which the
// ledger services reject where an actor is required.
func actorFrom(r *http.Request) (ledger.UserID, error) {
	raw := strings.TrimSpace(r.Header.Get(ActorHeader))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("expected a positive user id, got %q", raw)
	}
	return ledger.UserID(id), nil
}

func boolQuery(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

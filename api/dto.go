/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Engine result types
  (balances, plans, graphs, audit records) are already JSON-tagged and are
  returned as-is; this file only holds request bodies and thin wrappers.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Directory:
    CreateUserRequest, CreateGroupRequest, AddMembersRequest

  Expenses:
    CreateExpenseRequest, ShareDTO, ExpenseDTO

  Reports:
    BalancesResponse, AuditTrailResponse, ExpenseHistoryResponse

  Scenarios:
    ScenarioDTO, LoadScenarioRequest, LoadScenarioResponse

VALIDATION:
  Validation is done by the ledger services, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Money JSON encoding (number or quoted decimal)
*/
package api

import (
	"github.com/warp/splitledger/ledger"
)

// =============================================================================
// DIRECTORY
// =============================================================================

type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateGroupRequest creates a group. CreatedBy falls back to the X-User-ID
// header.
type CreateGroupRequest struct {
	Name      string          `json:"name"`
	CreatedBy ledger.UserID   `json:"created_by"`
	ParentID  *ledger.GroupID `json:"parent_id,omitempty"`
	Members   []ledger.UserID `json:"members"`
}

type AddMembersRequest struct {
	UserIDs []ledger.UserID `json:"user_ids"`
}

// =============================================================================
// EXPENSES
// =============================================================================

// Split strategies accepted by CreateExpenseRequest.SplitType.
const (
	SplitEqual = "equal"
	SplitExact = "exact"
)

// CreateExpenseRequest records an expense in the group named by the URL.
type CreateExpenseRequest struct {
	PaidBy       ledger.UserID   `json:"paid_by"`
	Amount       ledger.Money    `json:"amount"`
	Description  string          `json:"description"`
	SplitType    string          `json:"split_type,omitempty"` // "equal" (default) or "exact"
	Participants []ledger.UserID `json:"participants,omitempty"`
	Splits       []ShareDTO      `json:"splits,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"` // backdate, any ParseCutoff layout
}

// ShareDTO is one exact share.
type ShareDTO struct {
	UserID ledger.UserID `json:"user_id"`
	Amount ledger.Money  `json:"amount"`
}

// ExpenseDTO is an expense with its splits.
type ExpenseDTO struct {
	ledger.Expense
	Splits []ledger.Split `json:"splits"`
}

// =============================================================================
// REPORTS
// =============================================================================

// BalancesResponse is the current (no cutoff) balance report.
type BalancesResponse struct {
	GroupID     ledger.GroupID         `json:"group_id"`
	Balances    []ledger.MemberBalance `json:"balances"`
	NetBalances []ledger.NetBalance    `json:"net_balances"`
}

type AuditTrailResponse struct {
	GroupID ledger.GroupID       `json:"group_id"`
	Limit   int                  `json:"limit"`
	Entries []ledger.AuditRecord `json:"audit_trail"`
}

type ExpenseHistoryResponse struct {
	ExpenseID ledger.ExpenseID      `json:"expense_id"`
	History   []ledger.HistoryEntry `json:"history"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario ScenarioDTO      `json:"scenario"`
	Users    []ledger.User    `json:"users"`
	Groups   []ledger.GroupID `json:"groups"`
}

// =============================================================================
// MISC
// =============================================================================

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// =============================================================================
// EXPENSE SERVICE - The mutation that invalidates settlement plans
// =============================================================================

// NewExpense is a request to record an expense.
//
// Splits selects the exact strategy: caller-supplied shares that must sum
// to Amount. Without Splits the amount is divided equally among
// Participants; if Participants is empty too, among every group member.
type NewExpense struct {
	GroupID      GroupID
	PaidBy       UserID
	Amount       Money
	Description  string
	Participants []UserID
	Splits       []Share
	// CreatedAt backdates the expense. Zero means now.
	CreatedAt time.Time
	// Actor defaults to PaidBy.
	Actor UserID
}

const maxDescriptionLen = 255

func (in NewExpense) validate() error {
	if err := validGroupID(in.GroupID); err != nil {
		return err
	}
	if in.PaidBy <= 0 {
		return &ValidationError{Field: "paid_by", Reason: fmt.Sprintf("must be positive, got %d", in.PaidBy)}
	}
	if !in.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if len(in.Description) > maxDescriptionLen {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("longer than %d characters", maxDescriptionLen)}
	}
	for _, id := range in.Participants {
		if id <= 0 {
			return &ValidationError{Field: "participants", Reason: fmt.Sprintf("invalid user id %d", id)}
		}
	}
	return nil
}

// ExpenseStore is the store surface used by ExpenseService.
type ExpenseStore interface {
	LedgerReader
	TxStore
}

type ExpenseService struct {
	store   ExpenseStore
	hooks   *HookRunner
	rec     historyRecorder
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
	newOpID func() string
}

func NewExpenseService(store ExpenseStore, hooks *HookRunner, cfg EngineConfig, logger *slog.Logger, metrics Metrics) *ExpenseService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	cfg = cfg.withDefaults()
	return &ExpenseService{
		store:   store,
		hooks:   hooks,
		rec:     historyRecorder{logger: logger, metrics: metrics},
		logger:  logger,
		metrics: metrics,
		now:     cfg.Now,
		newOpID: cfg.NewOperationID,
	}
}

// Create inserts the expense, its splits and a "created" history entry in
// one transaction, then fires post-commit hooks.
func (s *ExpenseService) Create(ctx context.Context, in NewExpense) (*Expense, []Split, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	in.Description = strings.TrimSpace(in.Description)

	var shares []Share
	if len(in.Splits) > 0 {
		var err error
		if shares, err = ExactSplit(in.Amount, in.Splits); err != nil {
			return nil, nil, err
		}
	}

	actor := in.Actor
	if actor <= 0 {
		actor = in.PaidBy
	}
	opID := s.newOpID()

	var (
		exp    Expense
		splits []Split
	)
	err := s.store.WithTx(ctx, func(l Ledger) error {
		if _, err := l.GetGroup(ctx, in.GroupID); err != nil {
			return err
		}
		members, err := l.ListMembers(ctx, in.GroupID)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		inGroup := make(map[UserID]bool, len(members))
		all := make([]UserID, 0, len(members))
		for _, m := range members {
			inGroup[m.ID] = true
			all = append(all, m.ID)
		}
		if !inGroup[in.PaidBy] {
			return &ValidationError{Field: "paid_by", Reason: fmt.Sprintf("user %d is not in group %d", in.PaidBy, in.GroupID)}
		}

		if shares == nil {
			participants := in.Participants
			if len(participants) == 0 {
				participants = all
			}
			if shares, err = EqualSplit(in.Amount, participants); err != nil {
				return err
			}
		}
		for _, sh := range shares {
			if !inGroup[sh.UserID] {
				return &ValidationError{Field: "participants", Reason: fmt.Sprintf("user %d is not in group %d", sh.UserID, in.GroupID)}
			}
		}

		createdAt := in.CreatedAt.UTC()
		if in.CreatedAt.IsZero() {
			createdAt = s.now()
		}
		exp = Expense{
			GroupID:     in.GroupID,
			PaidBy:      in.PaidBy,
			Amount:      in.Amount,
			Description: in.Description,
			CreatedAt:   createdAt,
		}
		if err := l.InsertExpense(ctx, &exp); err != nil {
			return fmt.Errorf("insert expense: %w", err)
		}
		splits = make([]Split, len(shares))
		for i, sh := range shares {
			splits[i] = Split{ExpenseID: exp.ID, UserID: sh.UserID, Owed: sh.Amount}
		}
		if err := l.InsertSplits(ctx, splits); err != nil {
			return fmt.Errorf("insert splits: %w", err)
		}

		now := s.now()
		s.rec.record(ctx, l, &HistoryEntry{
			ExpenseID:   exp.ID,
			GroupID:     exp.GroupID,
			Action:      ActionCreated,
			ChangedBy:   actor,
			Snapshot:    Snapshot{Version: SnapshotVersion, New: StateOf(exp, splits), Timestamp: now},
			OperationID: opID,
			ChangedAt:   now,
		})
		return nil
	})
	s.metrics.Mutation("create", err)
	if err != nil {
		return nil, nil, mutationFailed("create expense", err)
	}

	s.logger.Info("expense created",
		"expense_id", exp.ID,
		"group_id", exp.GroupID,
		"amount", exp.Amount.String(),
		"splits", len(splits),
		"operation_id", opID,
	)
	s.hooks.Fire(ctx, MutationEvent{Op: "expense.create", GroupID: exp.GroupID, ExpenseID: exp.ID, OperationID: opID})
	return &exp, splits, nil
}

// Get returns a live expense with its splits.
func (s *ExpenseService) Get(ctx context.Context, id ExpenseID) (*Expense, []Split, error) {
	if id <= 0 {
		return nil, nil, &ValidationError{Field: "expense_id", Reason: fmt.Sprintf("must be positive, got %d", id)}
	}
	exp, splits, err := s.store.GetExpense(ctx, id)
	if err != nil {
		return nil, nil, classifyRead("get expense", err)
	}
	return exp, splits, nil
}

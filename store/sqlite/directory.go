package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/splitledger/ledger"
)

// =============================================================================
// DIRECTORY (ledger.Directory)
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u *ledger.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, created_at) VALUES (?, ?, ?)`,
		u.Name, nullString(u.Email), toNanos(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = ledger.UserID(id)
	return nil
}

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		u       ledger.User
		email   sql.NullString
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NewNotFound("user", int64(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Email = email.String
	u.CreatedAt = fromNanos(created)
	return &u, nil
}

// CreateGroup inserts the group and its membership rows, creator included,
// in one transaction.
func (s *Store) CreateGroup(ctx context.Context, g *ledger.Group, members []ledger.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkUsers(ctx, tx, append([]ledger.UserID{g.CreatedBy}, members...)); err != nil {
		return err
	}
	var parent sql.NullInt64
	if g.ParentID != nil {
		if _, err := getGroup(ctx, tx, *g.ParentID); err != nil {
			return err
		}
		parent = sql.NullInt64{Int64: int64(*g.ParentID), Valid: true}
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO expense_groups (name, created_by, parent_id, created_at) VALUES (?, ?, ?, ?)`,
		g.Name, g.CreatedBy, parent, toNanos(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := addMembers(ctx, tx, ledger.GroupID(id), append([]ledger.UserID{g.CreatedBy}, members...)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	g.ID = ledger.GroupID(id)
	return nil
}

func (s *Store) AddMembers(ctx context.Context, id ledger.GroupID, members []ledger.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := getGroup(ctx, tx, id); err != nil {
		return err
	}
	if err := checkUsers(ctx, tx, members); err != nil {
		return err
	}
	if err := addMembers(ctx, tx, id, members); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) ListSubGroups(ctx context.Context, parent ledger.GroupID) ([]ledger.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_by, parent_id, created_at FROM expense_groups WHERE parent_id = ? ORDER BY id`, parent)
	if err != nil {
		return nil, fmt.Errorf("failed to list subgroups: %w", err)
	}
	defer rows.Close()

	groups := make([]ledger.Group, 0)
	for rows.Next() {
		var (
			g       ledger.Group
			p       sql.NullInt64
			created int64
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedBy, &p, &created); err != nil {
			return nil, err
		}
		if p.Valid {
			pid := ledger.GroupID(p.Int64)
			g.ParentID = &pid
		}
		g.CreatedAt = fromNanos(created)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func checkUsers(ctx context.Context, q querier, ids []ledger.UserID) error {
	for _, id := range ids {
		var exists int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.NewNotFound("user", int64(id))
		}
		if err != nil {
			return fmt.Errorf("failed to check user: %w", err)
		}
	}
	return nil
}

func addMembers(ctx context.Context, q querier, id ledger.GroupID, members []ledger.UserID) error {
	for _, uid := range members {
		_, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, id, uid)
		if err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
	}
	return nil
}

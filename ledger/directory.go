package ledger

import (
	"context"
	"fmt"
	"strings"
)

// DirectoryService validates directory input before it reaches the store.
// Users and groups are created here only to exercise the engine end to end;
// identity itself is owned elsewhere.
type DirectoryService struct {
	store  Directory
	ledger LedgerReader
}

func NewDirectoryService(store Directory, reader LedgerReader) *DirectoryService {
	return &DirectoryService{store: store, ledger: reader}
}

func (d *DirectoryService) CreateUser(ctx context.Context, name, email string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	u := &User{Name: name, Email: strings.TrimSpace(email)}
	if err := d.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (d *DirectoryService) GetUser(ctx context.Context, id UserID) (*User, error) {
	if id <= 0 {
		return nil, &ValidationError{Field: "user_id", Reason: fmt.Sprintf("must be positive, got %d", id)}
	}
	return d.store.GetUser(ctx, id)
}

// CreateGroup records a group. The creator is always a member. A parent
// makes it a sub-group.
func (d *DirectoryService) CreateGroup(ctx context.Context, name string, creator UserID, parent *GroupID, members []UserID) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	if creator <= 0 {
		return nil, &ValidationError{Field: "created_by", Reason: "creating user is required"}
	}
	if parent != nil {
		if err := validGroupID(*parent); err != nil {
			return nil, err
		}
	}
	ids, err := validMemberIDs(members)
	if err != nil {
		return nil, err
	}
	g := &Group{Name: name, CreatedBy: creator, ParentID: parent}
	if err := d.store.CreateGroup(ctx, g, ids); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

// GroupDetail is a group with its effective member list.
type GroupDetail struct {
	Group
	Members []Member `json:"members"`
}

func (d *DirectoryService) GetGroup(ctx context.Context, id GroupID) (*GroupDetail, error) {
	if err := validGroupID(id); err != nil {
		return nil, err
	}
	g, err := d.ledger.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := d.ledger.ListMembers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return &GroupDetail{Group: *g, Members: members}, nil
}

func (d *DirectoryService) AddMembers(ctx context.Context, id GroupID, members []UserID) error {
	if err := validGroupID(id); err != nil {
		return err
	}
	ids, err := validMemberIDs(members)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return &ValidationError{Field: "members", Reason: "at least one user is required"}
	}
	if err := d.store.AddMembers(ctx, id, ids); err != nil {
		return fmt.Errorf("add members: %w", err)
	}
	return nil
}

func validMemberIDs(ids []UserID) ([]UserID, error) {
	for _, id := range ids {
		if id <= 0 {
			return nil, &ValidationError{Field: "members", Reason: fmt.Sprintf("invalid user id %d", id)}
		}
	}
	return uniqueSorted(ids), nil
}

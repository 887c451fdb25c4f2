// Package directory looks up the users and roles approval tasks are assigned to.
package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

// ErrUserNotFound is returned when a reference matches no user.
var ErrUserNotFound = errors.New("user not found")

// Directory resolves assignee references.
type Directory interface {
	// LookupUser resolves an id or username. Inactive users are returned too;
	// callers decide what to do with them.
	LookupUser(ctx context.Context, ref types.UserRef) (types.User, error)

	// UsersByRole returns the active members of a role ordered by ID.
	UsersByRole(ctx context.Context, role string) ([]types.User, error)
}

// Static is an in-memory Directory.
type Static struct {
	mu    sync.RWMutex
	users map[uint64]types.User
}

// NewStatic creates a Static directory holding users.
func NewStatic(users ...types.User) *Static {
	s := &Static{users: make(map[uint64]types.User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Put adds or replaces a user.
func (s *Static) Put(u types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// LookupUser implements Directory.
func (s *Static) LookupUser(ctx context.Context, ref types.UserRef) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref.IsID() {
		if u, ok := s.users[ref.ID]; ok {
			return u, nil
		}
		return types.User{}, errors.Wrapf(ErrUserNotFound, "id=%d", ref.ID)
	}
	for _, u := range s.users {
		if u.Name == ref.Name {
			return u, nil
		}
	}
	return types.User{}, errors.Wrapf(ErrUserNotFound, "name=%s", ref.Name)
}

// UsersByRole implements Directory.
func (s *Static) UsersByRole(ctx context.Context, role string) ([]types.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.User
	for _, u := range s.users {
		if !u.Active {
			continue
		}
		for _, r := range u.Roles {
			if r == role {
				out = append(out, u)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

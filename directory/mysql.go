package directory

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

type userRow struct {
	ID       uint64 `db:"id"`
	Username string `db:"username"`
	IsActive bool   `db:"is_active"`
}

// MySQL reads users from the CRM's users and user_roles tables.
type MySQL struct {
	db *sqlx.DB
}

// NewMySQL creates a MySQL directory.
func NewMySQL(db *sqlx.DB) *MySQL {
	return &MySQL{db: db}
}

// LookupUser implements Directory.
func (d *MySQL) LookupUser(ctx context.Context, ref types.UserRef) (types.User, error) {
	var row userRow
	var err error
	if ref.IsID() {
		err = d.db.GetContext(ctx, &row, "SELECT id, username, is_active FROM users WHERE id = ?", ref.ID)
	} else {
		err = d.db.GetContext(ctx, &row, "SELECT id, username, is_active FROM users WHERE username = ?", ref.Name)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, errors.Wrapf(ErrUserNotFound, "%+v", ref)
	}
	if err != nil {
		return types.User{}, errors.Wrap(err, "lookup user")
	}

	var roles []string
	if err := d.db.SelectContext(ctx, &roles, "SELECT role FROM user_roles WHERE user_id = ? ORDER BY role", row.ID); err != nil {
		return types.User{}, errors.Wrapf(err, "roles of user %d", row.ID)
	}
	return types.User{ID: row.ID, Name: row.Username, Active: row.IsActive, Roles: roles}, nil
}

// UsersByRole implements Directory.
func (d *MySQL) UsersByRole(ctx context.Context, role string) ([]types.User, error) {
	var rows []userRow
	err := d.db.SelectContext(ctx, &rows, `
		SELECT u.id, u.username, u.is_active
		FROM users u
		JOIN user_roles r ON r.user_id = u.id
		WHERE r.role = ? AND u.is_active = 1
		ORDER BY u.id`, role)
	if err != nil {
		return nil, errors.Wrapf(err, "users of role %s", role)
	}
	out := make([]types.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.User{ID: r.ID, Name: r.Username, Active: r.IsActive, Roles: []string{role}})
	}
	return out, nil
}

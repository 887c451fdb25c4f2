package directory

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func TestStatic(t *testing.T) {
	dir := NewStatic(
		types.User{ID: 3, Name: "carol", Active: true, Roles: []string{"finance"}},
		types.User{ID: 1, Name: "alice", Active: true, Roles: []string{"manager", "finance"}},
		types.User{ID: 2, Name: "bob", Active: false, Roles: []string{"finance"}},
	)
	ctx := context.Background()

	u, err := dir.LookupUser(ctx, types.UserRef{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Name)

	u, err = dir.LookupUser(ctx, types.UserRef{Name: "carol"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), u.ID)

	_, err = dir.LookupUser(ctx, types.UserRef{Name: "dave"})
	assert.True(t, errors.Is(err, ErrUserNotFound))

	users, err := dir.UsersByRole(ctx, "finance")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, uint64(1), users[0].ID)
	assert.Equal(t, uint64(3), users[1].ID)

	users, err = dir.UsersByRole(ctx, "legal")
	require.NoError(t, err)
	assert.Empty(t, users)

	dir.Put(types.User{ID: 4, Name: "dave", Active: true, Roles: []string{"legal"}})
	users, err = dir.UsersByRole(ctx, "legal")
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func newMockDirectory(t *testing.T) (*MySQL, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Error creating mock database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewMySQL(sqlx.NewDb(db, "sqlmock")), mock
}

func TestMySQLLookupUser(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE username = ?")).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "is_active"}).AddRow(1, "alice", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT role FROM user_roles WHERE user_id = ?")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("finance").AddRow("manager"))

	u, err := dir.LookupUser(context.Background(), types.UserRef{Name: "alice"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.ID)
	assert.True(t, u.Active)
	assert.Equal(t, []string{"finance", "manager"}, u.Roles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLookupUserNotFound(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = ?")).
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "is_active"}))

	_, err := dir.LookupUser(context.Background(), types.UserRef{ID: 9})
	assert.True(t, errors.Is(err, ErrUserNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLUsersByRole(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(regexp.QuoteMeta("JOIN user_roles r ON r.user_id = u.id")).
		WithArgs("manager").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "is_active"}).
			AddRow(1, "alice", 1).
			AddRow(5, "eve", 1))

	users, err := dir.UsersByRole(context.Background(), "manager")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "eve", users[1].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

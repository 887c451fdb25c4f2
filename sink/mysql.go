package sink

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

// ErrUnknownModule is returned for a module type without a status table.
var ErrUnknownModule = errors.New("no status table for module type")

// DefaultStatusTables maps module types to the CRM tables carrying approval_status.
var DefaultStatusTables = map[types.ModuleType]string{
	types.ModuleContract:    "contracts",
	types.ModuleInvoice:     "invoices",
	types.ModuleOpportunity: "opportunities",
	types.ModuleProject:     "projects",
	types.ModuleCustomer:    "customers",
	types.ModulePayment:     "payments",
}

// MySQLStatusSink sets the approval_status column of the business record.
type MySQLStatusSink struct {
	db     *sqlx.DB
	tables map[types.ModuleType]string
}

// NewMySQLStatusSink creates a status sink. A nil tables map uses DefaultStatusTables.
func NewMySQLStatusSink(db *sqlx.DB, tables map[types.ModuleType]string) *MySQLStatusSink {
	if tables == nil {
		tables = DefaultStatusTables
	}
	return &MySQLStatusSink{db: db, tables: tables}
}

// SetStatus implements StatusSink.
func (s *MySQLStatusSink) SetStatus(ctx context.Context, moduleType types.ModuleType, moduleID uint64, status types.ModuleStatus) error {
	table, ok := s.tables[moduleType]
	if !ok {
		return errors.Wrapf(ErrUnknownModule, "%s", moduleType)
	}
	// table names come from the fixed map above, never from input
	_, err := s.db.ExecContext(ctx, "UPDATE "+table+" SET approval_status = ? WHERE id = ?", string(status), moduleID)
	return errors.Wrapf(err, "set %s status of %s", status, types.ModuleKey(moduleType, moduleID))
}

// Todo item states.
const (
	TodoOpen = "open"
	TodoDone = "done"
)

// MySQLTodoSink keeps one todo_items row per correlation token.
type MySQLTodoSink struct {
	db *sqlx.DB
}

// NewMySQLTodoSink creates a to-do sink.
func NewMySQLTodoSink(db *sqlx.DB) *MySQLTodoSink {
	return &MySQLTodoSink{db: db}
}

// Notify implements NotificationSink. Re-sending the same token reopens the row.
func (s *MySQLTodoSink) Notify(ctx context.Context, n Notification) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO todo_items (token, user_id, title, description, module_type, module_id, instance_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE user_id = VALUES(user_id), title = VALUES(title), description = VALUES(description),
			status = VALUES(status), updated_at = VALUES(updated_at)`,
		n.Token, n.AssigneeID, n.Title, n.Description, string(n.ModuleType), n.ModuleID, n.InstanceID, TodoOpen, now, now)
	return errors.Wrapf(err, "insert todo %s", n.Token)
}

// Resolve implements NotificationSink.
func (s *MySQLTodoSink) Resolve(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE todo_items SET status = ?, updated_at = ? WHERE token = ? AND status = ?",
		TodoDone, time.Now().UnixMilli(), token, TodoOpen)
	return errors.Wrapf(err, "resolve todo %s", token)
}

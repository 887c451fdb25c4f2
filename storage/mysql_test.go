package storage

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func newMockStorage(t *testing.T, retries int) (*MySQLStorage, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Error creating mock database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewMySQLStorage(sqlx.NewDb(db, "sqlmock"), retries), mock
}

func instanceRowColumns() []string {
	return strings.Split(strings.ReplaceAll(instanceColumns, " ", ""), ",")
}

func TestMySQLOptionsDSN(t *testing.T) {
	dsn := MySQLOptions{Addr: "localhost:3306", User: "crm", Password: "secret", Database: "crm"}.DSN()
	assert.True(t, strings.HasPrefix(dsn, "crm:secret@tcp(localhost:3306)/crm?"))
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestMySQLGetInstance(t *testing.T) {
	s, mock := newMockStorage(t, 1)

	rows := sqlmock.NewRows(instanceRowColumns()).AddRow(
		11, types.KindGraph, 3, 0, "contract", 7, types.InstanceRunning, "manager", 0, 1, 42,
		[]byte(`{"amount":1500}`), []byte(`{"source":"api"}`), 1000, 0, 1000)
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_instances WHERE id = ?")).
		WithArgs(11).
		WillReturnRows(rows)

	inst, err := s.GetInstance(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), inst.ID)
	assert.Equal(t, types.ModuleContract, inst.ModuleType)
	assert.Equal(t, "manager", inst.CurrentNode)
	assert.Equal(t, 1500.0, inst.Payload["amount"])
	assert.Equal(t, "api", inst.Metadata["source"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLGetInstanceNotFound(t *testing.T) {
	s, mock := newMockStorage(t, 1)

	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_instances WHERE id = ?")).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows(instanceRowColumns()))

	_, err := s.GetInstance(context.Background(), 99)
	assert.True(t, errors.Is(err, ErrInstanceNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLGetDefinition(t *testing.T) {
	s, mock := newMockStorage(t, 1)

	defCols := strings.Split(strings.ReplaceAll(definitionColumns, " ", ""), ",")
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_definitions WHERE id = ?")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(defCols).AddRow(5, "contract-large", "contract", 2, 1, 10, "1000.00", nil, 1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_nodes WHERE definition_id = ?")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"node_key", "node_type", "name", "config", "sort"}).
			AddRow("start", types.NodeStart, "Start", nil, 0).
			AddRow("manager", types.NodeApproval, "Manager", []byte(`{"assignee_type":"role","assignees":["manager"],"mode":"or"}`), 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_routes WHERE definition_id = ?")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "from_key", "to_key", "condition_type", "condition_config", "sort"}).
			AddRow(1, "start", "manager", types.ConditionField, []byte(`{"field":"amount","operator":"gte","value":1000}`), 0))

	def, err := s.GetDefinition(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)
	assert.True(t, def.Active)
	require.NotNil(t, def.MinAmount)
	assert.Equal(t, 1000.0, *def.MinAmount)
	assert.Nil(t, def.MaxAmount)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, []string{"manager"}, def.Nodes[1].Config.Assignees)
	assert.Equal(t, types.ModeOr, def.Nodes[1].Config.Mode)
	require.Len(t, def.Routes, 1)
	assert.Equal(t, "gte", def.Routes[0].Condition.Operator)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLInsertInstanceRunningConflict(t *testing.T) {
	s, mock := newMockStorage(t, 1)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_instances")).
		WillReturnError(&mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry 'contract:7' for key 'uk_instances_running'"})
	mock.ExpectRollback()

	inst := types.Instance{ID: 1, Kind: types.KindGraph, ModuleType: types.ModuleContract, ModuleID: 7, Status: types.InstanceRunning}
	err := s.RunInTx(context.Background(), func(tx Tx) error {
		return tx.InsertInstance(context.Background(), inst)
	})
	assert.True(t, errors.Is(err, ErrRunningExists))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRunInTxRetriesDeadlock(t *testing.T) {
	s, mock := newMockStorage(t, 3)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_tasks")).
		WillReturnError(&mysql.MySQLError{Number: mysqlDeadlock, Message: "Deadlock found"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_tasks")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempts := 0
	err := s.RunInTx(context.Background(), func(tx Tx) error {
		attempts++
		return tx.UpdateTask(context.Background(), types.Task{ID: 3, Status: types.TaskApproved, Action: types.ActionApprove})
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRunInTxDoesNotRetryOtherErrors(t *testing.T) {
	s, mock := newMockStorage(t, 3)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_tasks")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	attempts := 0
	err := s.RunInTx(context.Background(), func(tx Tx) error {
		attempts++
		return tx.UpdateTask(context.Background(), types.Task{ID: 404})
	})
	assert.True(t, errors.Is(err, ErrTaskNotFound))
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLUpdateInstanceReleasesRunningKey(t *testing.T) {
	s, mock := newMockStorage(t, 1)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_instances SET")).
		WithArgs(types.InstanceCompleted, "end", 0, 1, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, int64(2000), int64(2000), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inst := types.Instance{
		ID: 1, ModuleType: types.ModuleContract, ModuleID: 7, Status: types.InstanceCompleted,
		CurrentNode: "end", Round: 1, EndedAt: 2000, UpdatedAt: 2000,
	}
	err := s.RunInTx(context.Background(), func(tx Tx) error {
		return tx.UpdateInstance(context.Background(), inst)
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLListPendingTasks(t *testing.T) {
	s, mock := newMockStorage(t, 1)

	cols := strings.Split(strings.ReplaceAll(taskColumns, " ", ""), ",")
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_tasks WHERE assignee_id = ? AND status = ?")).
		WithArgs(42, types.TaskPending).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, 10, "manager", 1, 42, types.TaskPending, "", "", "tok-1", 0, 100, 0).
			AddRow(2, 11, "finance", 1, 42, types.TaskPending, "", "", "tok-2", 0, 200, 0))

	tasks, err := s.ListPendingTasks(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "tok-2", tasks[1].CorrelationToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

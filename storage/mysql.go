package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

//go:embed schema.sql
var schemaSQL string

// MySQL error numbers the store reacts to.
const (
	mysqlDuplicateEntry = 1062
	mysqlLockWait       = 1205
	mysqlDeadlock       = 1213
)

// MySQLOptions configures the connection pool.
type MySQLOptions struct {
	Addr            string
	User            string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	TxRetries       int
}

// DSN renders the driver connection string.
func (o MySQLOptions) DSN() string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = o.Addr
	cfg.User = o.User
	cfg.Passwd = o.Password
	cfg.DBName = o.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// OpenMySQL opens and pings a pooled connection.
func OpenMySQL(ctx context.Context, opts MySQLOptions) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", opts.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		// keep idle == open so connections are not churned under load
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping mysql")
	}
	return db, nil
}

// MySQLStorage is a MySQL-backed implementation of the Storage interface.
// Transactions lock the instance row with SELECT ... FOR UPDATE and the
// running-uniqueness rule is a UNIQUE index on running_key.
type MySQLStorage struct {
	db        *sqlx.DB
	txRetries int
}

// NewMySQLStorage wraps an open connection.
func NewMySQLStorage(db *sqlx.DB, txRetries int) *MySQLStorage {
	if txRetries < 1 {
		txRetries = 1
	}
	return &MySQLStorage{db: db, txRetries: txRetries}
}

// Migrate creates the engine tables when missing.
func (s *MySQLStorage) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate schema")
		}
	}
	return nil
}

// Close closes the underlying pool.
func (s *MySQLStorage) Close() error {
	return s.db.Close()
}

const (
	definitionColumns = "id, name, module_type, version, active, priority, min_amount, max_amount, created_at, updated_at"
	legacyColumns     = "id, name, module_type, active, priority, min_amount, max_amount, steps, created_at"
	instanceColumns   = "id, kind, definition_id, legacy_workflow_id, module_type, module_id, status, current_node, current_step, round, initiator_id, payload, metadata, started_at, ended_at, updated_at"
	taskColumns       = "id, instance_id, node_key, round, assignee_id, status, action, comment, correlation_token, transferred_from, created_at, completed_at"
	recordColumns     = "id, instance_id, workflow_id, module_type, module_id, step_index, approver_id, status, comment, correlation_token, created_at, handled_at"
)

type definitionRow struct {
	ID         uint64          `db:"id"`
	Name       string          `db:"name"`
	ModuleType string          `db:"module_type"`
	Version    int             `db:"version"`
	Active     bool            `db:"active"`
	Priority   int             `db:"priority"`
	MinAmount  sql.NullFloat64 `db:"min_amount"`
	MaxAmount  sql.NullFloat64 `db:"max_amount"`
	CreatedAt  int64           `db:"created_at"`
	UpdatedAt  int64           `db:"updated_at"`
}

func (r definitionRow) toDefinition() types.Definition {
	return types.Definition{
		ID:         r.ID,
		Name:       r.Name,
		ModuleType: types.ModuleType(r.ModuleType),
		Version:    r.Version,
		Active:     r.Active,
		Priority:   r.Priority,
		MinAmount:  fromNullFloat(r.MinAmount),
		MaxAmount:  fromNullFloat(r.MaxAmount),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

type nodeRow struct {
	Key    string `db:"node_key"`
	Type   string `db:"node_type"`
	Name   string `db:"name"`
	Config []byte `db:"config"`
	Sort   int    `db:"sort"`
}

type routeRow struct {
	ID            uint64 `db:"id"`
	From          string `db:"from_key"`
	To            string `db:"to_key"`
	ConditionType string `db:"condition_type"`
	Condition     []byte `db:"condition_config"`
	Sort          int    `db:"sort"`
}

type legacyRow struct {
	ID         uint64          `db:"id"`
	Name       string          `db:"name"`
	ModuleType string          `db:"module_type"`
	Active     bool            `db:"active"`
	Priority   int             `db:"priority"`
	MinAmount  sql.NullFloat64 `db:"min_amount"`
	MaxAmount  sql.NullFloat64 `db:"max_amount"`
	Steps      []byte          `db:"steps"`
	CreatedAt  int64           `db:"created_at"`
}

func (r legacyRow) toWorkflow() (types.LegacyWorkflow, error) {
	wf := types.LegacyWorkflow{
		ID:         r.ID,
		Name:       r.Name,
		ModuleType: types.ModuleType(r.ModuleType),
		Active:     r.Active,
		Priority:   r.Priority,
		MinAmount:  fromNullFloat(r.MinAmount),
		MaxAmount:  fromNullFloat(r.MaxAmount),
		CreatedAt:  r.CreatedAt,
	}
	if err := unmarshalJSON(r.Steps, &wf.Steps); err != nil {
		return types.LegacyWorkflow{}, errors.Wrapf(err, "legacy workflow %d steps", r.ID)
	}
	return wf, nil
}

type instanceRow struct {
	ID               uint64 `db:"id"`
	Kind             string `db:"kind"`
	DefinitionID     uint64 `db:"definition_id"`
	LegacyWorkflowID uint64 `db:"legacy_workflow_id"`
	ModuleType       string `db:"module_type"`
	ModuleID         uint64 `db:"module_id"`
	Status           string `db:"status"`
	CurrentNode      string `db:"current_node"`
	CurrentStep      int    `db:"current_step"`
	Round            int    `db:"round"`
	InitiatorID      uint64 `db:"initiator_id"`
	Payload          []byte `db:"payload"`
	Metadata         []byte `db:"metadata"`
	StartedAt        int64  `db:"started_at"`
	EndedAt          int64  `db:"ended_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

func (r instanceRow) toInstance() (types.Instance, error) {
	inst := types.Instance{
		ID:               r.ID,
		Kind:             r.Kind,
		DefinitionID:     r.DefinitionID,
		LegacyWorkflowID: r.LegacyWorkflowID,
		ModuleType:       types.ModuleType(r.ModuleType),
		ModuleID:         r.ModuleID,
		Status:           r.Status,
		CurrentNode:      r.CurrentNode,
		CurrentStep:      r.CurrentStep,
		Round:            r.Round,
		InitiatorID:      r.InitiatorID,
		StartedAt:        r.StartedAt,
		EndedAt:          r.EndedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if err := unmarshalJSON(r.Payload, &inst.Payload); err != nil {
		return types.Instance{}, errors.Wrapf(err, "instance %d payload", r.ID)
	}
	if err := unmarshalJSON(r.Metadata, &inst.Metadata); err != nil {
		return types.Instance{}, errors.Wrapf(err, "instance %d metadata", r.ID)
	}
	return inst, nil
}

type taskRow struct {
	ID               uint64 `db:"id"`
	InstanceID       uint64 `db:"instance_id"`
	NodeKey          string `db:"node_key"`
	Round            int    `db:"round"`
	AssigneeID       uint64 `db:"assignee_id"`
	Status           string `db:"status"`
	Action           string `db:"action"`
	Comment          string `db:"comment"`
	CorrelationToken string `db:"correlation_token"`
	TransferredFrom  uint64 `db:"transferred_from"`
	CreatedAt        int64  `db:"created_at"`
	CompletedAt      int64  `db:"completed_at"`
}

func (r taskRow) toTask() types.Task {
	return types.Task(r)
}

type recordRow struct {
	ID               uint64 `db:"id"`
	InstanceID       uint64 `db:"instance_id"`
	WorkflowID       uint64 `db:"workflow_id"`
	ModuleType       string `db:"module_type"`
	ModuleID         uint64 `db:"module_id"`
	StepIndex        int    `db:"step_index"`
	ApproverID       uint64 `db:"approver_id"`
	Status           string `db:"status"`
	Comment          string `db:"comment"`
	CorrelationToken string `db:"correlation_token"`
	CreatedAt        int64  `db:"created_at"`
	HandledAt        int64  `db:"handled_at"`
}

func (r recordRow) toRecord() types.ApprovalRecord {
	return types.ApprovalRecord{
		ID:               r.ID,
		InstanceID:       r.InstanceID,
		WorkflowID:       r.WorkflowID,
		ModuleType:       types.ModuleType(r.ModuleType),
		ModuleID:         r.ModuleID,
		StepIndex:        r.StepIndex,
		ApproverID:       r.ApproverID,
		Status:           r.Status,
		Comment:          r.Comment,
		CorrelationToken: r.CorrelationToken,
		CreatedAt:        r.CreatedAt,
		HandledAt:        r.HandledAt,
	}
}

// SaveDefinition inserts a definition and its graph in one transaction.
func (s *MySQLStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin definition tx")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO approval_definitions ("+definitionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		def.ID, def.Name, string(def.ModuleType), def.Version, def.Active, def.Priority,
		toNullFloat(def.MinAmount), toNullFloat(def.MaxAmount), def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "insert definition %d", def.ID)
	}
	for _, node := range def.Nodes {
		cfg, err := json.Marshal(node.Config)
		if err != nil {
			return errors.Wrapf(err, "marshal node %s config", node.Key)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO approval_nodes (definition_id, node_key, node_type, name, config, sort) VALUES (?, ?, ?, ?, ?, ?)",
			def.ID, node.Key, node.Type, node.Name, cfg, node.Sort)
		if err != nil {
			return errors.Wrapf(err, "insert node %s", node.Key)
		}
	}
	for _, route := range def.Routes {
		cond, err := json.Marshal(route.Condition)
		if err != nil {
			return errors.Wrapf(err, "marshal route %s->%s condition", route.From, route.To)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO approval_routes (definition_id, from_key, to_key, condition_type, condition_config, sort) VALUES (?, ?, ?, ?, ?, ?)",
			def.ID, route.From, route.To, route.ConditionType, cond, route.Sort)
		if err != nil {
			return errors.Wrapf(err, "insert route %s->%s", route.From, route.To)
		}
	}
	return errors.Wrap(tx.Commit(), "commit definition")
}

// GetDefinition loads a definition, its nodes and its routes.
func (s *MySQLStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, "SELECT "+definitionColumns+" FROM approval_definitions WHERE id = ?", id)
	if err != nil {
		return types.Definition{}, notFound(err, ErrDefinitionNotFound, "definition %d", id)
	}
	def := row.toDefinition()

	var nodes []nodeRow
	err = s.db.SelectContext(ctx, &nodes,
		"SELECT node_key, node_type, name, config, sort FROM approval_nodes WHERE definition_id = ? ORDER BY sort, node_key", id)
	if err != nil {
		return types.Definition{}, errors.Wrapf(err, "select nodes of definition %d", id)
	}
	for _, n := range nodes {
		node := types.Node{Key: n.Key, Type: n.Type, Name: n.Name, Sort: n.Sort}
		if err := unmarshalJSON(n.Config, &node.Config); err != nil {
			return types.Definition{}, errors.Wrapf(err, "node %s config", n.Key)
		}
		def.Nodes = append(def.Nodes, node)
	}

	var routes []routeRow
	err = s.db.SelectContext(ctx, &routes,
		"SELECT id, from_key, to_key, condition_type, condition_config, sort FROM approval_routes WHERE definition_id = ? ORDER BY sort, id", id)
	if err != nil {
		return types.Definition{}, errors.Wrapf(err, "select routes of definition %d", id)
	}
	for _, r := range routes {
		route := types.Route{ID: r.ID, From: r.From, To: r.To, ConditionType: r.ConditionType, Sort: r.Sort}
		if err := unmarshalJSON(r.Condition, &route.Condition); err != nil {
			return types.Definition{}, errors.Wrapf(err, "route %d condition", r.ID)
		}
		def.Routes = append(def.Routes, route)
	}
	return def, nil
}

// ListDefinitions returns active definition headers of a module type.
func (s *MySQLStorage) ListDefinitions(ctx context.Context, moduleType types.ModuleType) ([]types.Definition, error) {
	var rows []definitionRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+definitionColumns+" FROM approval_definitions WHERE module_type = ? AND active = 1 ORDER BY id",
		string(moduleType))
	if err != nil {
		return nil, errors.Wrapf(err, "list definitions of %s", moduleType)
	}
	out := make([]types.Definition, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDefinition())
	}
	return out, nil
}

// DeactivateDefinitions deactivates the other versions of a named definition.
func (s *MySQLStorage) DeactivateDefinitions(ctx context.Context, moduleType types.ModuleType, name string, keepID uint64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE approval_definitions SET active = 0, updated_at = ? WHERE module_type = ? AND name = ? AND id <> ? AND active = 1",
		time.Now().UnixMilli(), string(moduleType), name, keepID)
	return errors.Wrapf(err, "deactivate definitions %s/%s", moduleType, name)
}

// LatestVersion returns the newest version number of a named definition.
func (s *MySQLStorage) LatestVersion(ctx context.Context, moduleType types.ModuleType, name string) (int, error) {
	var version int
	err := s.db.GetContext(ctx, &version,
		"SELECT COALESCE(MAX(version), 0) FROM approval_definitions WHERE module_type = ? AND name = ?",
		string(moduleType), name)
	return version, errors.Wrapf(err, "latest version of %s/%s", moduleType, name)
}

// SaveLegacyWorkflow inserts a legacy step-list workflow.
func (s *MySQLStorage) SaveLegacyWorkflow(ctx context.Context, wf types.LegacyWorkflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return errors.Wrap(err, "marshal legacy steps")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO legacy_workflows ("+legacyColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		wf.ID, wf.Name, string(wf.ModuleType), wf.Active, wf.Priority,
		toNullFloat(wf.MinAmount), toNullFloat(wf.MaxAmount), steps, wf.CreatedAt)
	return errors.Wrapf(err, "insert legacy workflow %d", wf.ID)
}

// GetLegacyWorkflow loads a legacy workflow.
func (s *MySQLStorage) GetLegacyWorkflow(ctx context.Context, id uint64) (types.LegacyWorkflow, error) {
	var row legacyRow
	err := s.db.GetContext(ctx, &row, "SELECT "+legacyColumns+" FROM legacy_workflows WHERE id = ?", id)
	if err != nil {
		return types.LegacyWorkflow{}, notFound(err, ErrWorkflowNotFound, "legacy workflow %d", id)
	}
	return row.toWorkflow()
}

// ListLegacyWorkflows returns the active legacy workflows of a module type.
func (s *MySQLStorage) ListLegacyWorkflows(ctx context.Context, moduleType types.ModuleType) ([]types.LegacyWorkflow, error) {
	var rows []legacyRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+legacyColumns+" FROM legacy_workflows WHERE module_type = ? AND active = 1 ORDER BY id",
		string(moduleType))
	if err != nil {
		return nil, errors.Wrapf(err, "list legacy workflows of %s", moduleType)
	}
	out := make([]types.LegacyWorkflow, 0, len(rows))
	for _, r := range rows {
		wf, err := r.toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// RunInTx runs fn in a transaction, retrying on deadlock or lock wait timeout.
// fn must therefore be safe to run more than once.
func (s *MySQLStorage) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.txRetries; attempt++ {
		lastErr = s.runOnce(ctx, fn)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < s.txRetries-1 {
			backoff := time.Millisecond * time.Duration(50*(1<<uint(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return errors.Wrapf(lastErr, "transaction failed after %d attempts", s.txRetries)
}

func (s *MySQLStorage) runOnce(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(mysqlTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// GetInstance reads an instance without locking it.
func (s *MySQLStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getInstance(ctx, s.db, "WHERE id = ?", id)
}

// GetTask reads a task.
func (s *MySQLStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getTask(ctx, s.db, "WHERE id = ?", id)
}

// GetTaskByToken finds a task by its correlation token.
func (s *MySQLStorage) GetTaskByToken(ctx context.Context, token string) (types.Task, error) {
	return getTask(ctx, s.db, "WHERE correlation_token = ?", token)
}

// ListTasks lists the tasks of an instance.
func (s *MySQLStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return selectTasks(ctx, s.db, "WHERE instance_id = ? ORDER BY id", instanceID)
}

// ListPendingTasks lists the pending tasks of an assignee.
func (s *MySQLStorage) ListPendingTasks(ctx context.Context, assigneeID uint64) ([]types.Task, error) {
	return selectTasks(ctx, s.db, "WHERE assignee_id = ? AND status = ? ORDER BY id", assigneeID, types.TaskPending)
}

// GetRecord reads a legacy approval record.
func (s *MySQLStorage) GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error) {
	return getRecord(ctx, s.db, "WHERE id = ?", id)
}

// GetRecordByToken finds a legacy record by its correlation token.
func (s *MySQLStorage) GetRecordByToken(ctx context.Context, token string) (types.ApprovalRecord, error) {
	return getRecord(ctx, s.db, "WHERE correlation_token = ?", token)
}

// ListRecords lists the legacy records of an instance.
func (s *MySQLStorage) ListRecords(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	return selectRecords(ctx, s.db, "WHERE instance_id = ? ORDER BY id", instanceID)
}

type mysqlTx struct {
	tx *sqlx.Tx
}

func (t mysqlTx) InsertInstance(ctx context.Context, inst types.Instance) error {
	payload, metadata, err := marshalInstanceMaps(inst)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		"INSERT INTO approval_instances ("+instanceColumns+", running_key) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		inst.ID, inst.Kind, inst.DefinitionID, inst.LegacyWorkflowID, string(inst.ModuleType), inst.ModuleID,
		inst.Status, inst.CurrentNode, inst.CurrentStep, inst.Round, inst.InitiatorID, payload, metadata,
		inst.StartedAt, inst.EndedAt, inst.UpdatedAt, runningKey(inst))
	if isDuplicate(err) {
		return errors.Wrapf(ErrRunningExists, "key=%s", inst.Key())
	}
	return errors.Wrapf(err, "insert instance %d", inst.ID)
}

func (t mysqlTx) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getInstance(ctx, t.tx, "WHERE id = ? FOR UPDATE", id)
}

func (t mysqlTx) FindRunningInstance(ctx context.Context, moduleType types.ModuleType, moduleID uint64) (types.Instance, error) {
	return getInstance(ctx, t.tx, "WHERE running_key = ? FOR UPDATE", types.ModuleKey(moduleType, moduleID))
}

func (t mysqlTx) UpdateInstance(ctx context.Context, inst types.Instance) error {
	payload, metadata, err := marshalInstanceMaps(inst)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		"UPDATE approval_instances SET status = ?, current_node = ?, current_step = ?, round = ?, payload = ?, metadata = ?, running_key = ?, ended_at = ?, updated_at = ? WHERE id = ?",
		inst.Status, inst.CurrentNode, inst.CurrentStep, inst.Round, payload, metadata, runningKey(inst),
		inst.EndedAt, inst.UpdatedAt, inst.ID)
	if err != nil {
		return errors.Wrapf(err, "update instance %d", inst.ID)
	}
	return requireAffected(res, ErrInstanceNotFound, inst.ID)
}

func (t mysqlTx) InsertTasks(ctx context.Context, tasks []types.Task) error {
	for _, task := range tasks {
		_, err := t.tx.ExecContext(ctx,
			"INSERT INTO approval_tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			task.ID, task.InstanceID, task.NodeKey, task.Round, task.AssigneeID, task.Status, task.Action,
			task.Comment, task.CorrelationToken, task.TransferredFrom, task.CreatedAt, task.CompletedAt)
		if err != nil {
			return errors.Wrapf(err, "insert task %d", task.ID)
		}
	}
	return nil
}

func (t mysqlTx) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getTask(ctx, t.tx, "WHERE id = ? FOR UPDATE", id)
}

func (t mysqlTx) ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return selectTasks(ctx, t.tx, "WHERE instance_id = ? ORDER BY id FOR UPDATE", instanceID)
}

func (t mysqlTx) UpdateTask(ctx context.Context, task types.Task) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE approval_tasks SET assignee_id = ?, status = ?, action = ?, comment = ?, correlation_token = ?, transferred_from = ?, completed_at = ? WHERE id = ?",
		task.AssigneeID, task.Status, task.Action, task.Comment, task.CorrelationToken, task.TransferredFrom,
		task.CompletedAt, task.ID)
	if err != nil {
		return errors.Wrapf(err, "update task %d", task.ID)
	}
	return requireAffected(res, ErrTaskNotFound, task.ID)
}

func (t mysqlTx) InsertRecords(ctx context.Context, records []types.ApprovalRecord) error {
	for _, rec := range records {
		_, err := t.tx.ExecContext(ctx,
			"INSERT INTO approval_records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			rec.ID, rec.InstanceID, rec.WorkflowID, string(rec.ModuleType), rec.ModuleID, rec.StepIndex,
			rec.ApproverID, rec.Status, rec.Comment, rec.CorrelationToken, rec.CreatedAt, rec.HandledAt)
		if err != nil {
			return errors.Wrapf(err, "insert record %d", rec.ID)
		}
	}
	return nil
}

func (t mysqlTx) GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error) {
	return getRecord(ctx, t.tx, "WHERE id = ? FOR UPDATE", id)
}

func (t mysqlTx) ListRecords(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	return selectRecords(ctx, t.tx, "WHERE instance_id = ? ORDER BY id FOR UPDATE", instanceID)
}

func (t mysqlTx) UpdateRecord(ctx context.Context, rec types.ApprovalRecord) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE approval_records SET status = ?, comment = ?, handled_at = ? WHERE id = ?",
		rec.Status, rec.Comment, rec.HandledAt, rec.ID)
	if err != nil {
		return errors.Wrapf(err, "update record %d", rec.ID)
	}
	return requireAffected(res, ErrRecordNotFound, rec.ID)
}

func getInstance(ctx context.Context, q sqlx.QueryerContext, where string, args ...interface{}) (types.Instance, error) {
	var row instanceRow
	if err := sqlx.GetContext(ctx, q, &row, "SELECT "+instanceColumns+" FROM approval_instances "+where, args...); err != nil {
		return types.Instance{}, notFound(err, ErrInstanceNotFound, "instance %v", args)
	}
	return row.toInstance()
}

func getTask(ctx context.Context, q sqlx.QueryerContext, where string, args ...interface{}) (types.Task, error) {
	var row taskRow
	if err := sqlx.GetContext(ctx, q, &row, "SELECT "+taskColumns+" FROM approval_tasks "+where, args...); err != nil {
		return types.Task{}, notFound(err, ErrTaskNotFound, "task %v", args)
	}
	return row.toTask(), nil
}

func selectTasks(ctx context.Context, q sqlx.QueryerContext, where string, args ...interface{}) ([]types.Task, error) {
	var rows []taskRow
	if err := sqlx.SelectContext(ctx, q, &rows, "SELECT "+taskColumns+" FROM approval_tasks "+where, args...); err != nil {
		return nil, errors.Wrap(err, "select tasks")
	}
	out := make([]types.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTask())
	}
	return out, nil
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, where string, args ...interface{}) (types.ApprovalRecord, error) {
	var row recordRow
	if err := sqlx.GetContext(ctx, q, &row, "SELECT "+recordColumns+" FROM approval_records "+where, args...); err != nil {
		return types.ApprovalRecord{}, notFound(err, ErrRecordNotFound, "record %v", args)
	}
	return row.toRecord(), nil
}

func selectRecords(ctx context.Context, q sqlx.QueryerContext, where string, args ...interface{}) ([]types.ApprovalRecord, error) {
	var rows []recordRow
	if err := sqlx.SelectContext(ctx, q, &rows, "SELECT "+recordColumns+" FROM approval_records "+where, args...); err != nil {
		return nil, errors.Wrap(err, "select records")
	}
	out := make([]types.ApprovalRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func marshalInstanceMaps(inst types.Instance) ([]byte, []byte, error) {
	payload, err := json.Marshal(inst.Payload)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "marshal instance %d payload", inst.ID)
	}
	metadata, err := json.Marshal(inst.Metadata)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "marshal instance %d metadata", inst.ID)
	}
	return payload, metadata, nil
}

func runningKey(inst types.Instance) sql.NullString {
	if !inst.Running() {
		return sql.NullString{}
	}
	return sql.NullString{String: inst.Key(), Valid: true}
}

func requireAffected(res sql.Result, errNotFound error, id uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errNotFound, "id=%d", id)
	}
	return nil
}

func notFound(err, sentinel error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(sentinel, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

func isRetryable(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWait
}

func unmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

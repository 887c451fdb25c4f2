package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrWorkflowNotFound   = errors.New("legacy workflow not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrRecordNotFound     = errors.New("approval record not found")
	// ErrRunningExists is returned by InsertInstance when the module key
	// already has a running instance.
	ErrRunningExists = errors.New("module already has a running instance")
)

// DefinitionStore persists published definitions and legacy workflows.
type DefinitionStore interface {
	// SaveDefinition stores a definition together with its nodes and routes.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition loads a definition with its full graph.
	GetDefinition(ctx context.Context, id uint64) (types.Definition, error)

	// ListDefinitions returns the active definitions of a module type.
	// Nodes and Routes may be left empty; use GetDefinition for the graph.
	ListDefinitions(ctx context.Context, moduleType types.ModuleType) ([]types.Definition, error)

	// DeactivateDefinitions marks every version of (moduleType, name) except keepID inactive.
	DeactivateDefinitions(ctx context.Context, moduleType types.ModuleType, name string, keepID uint64) error

	// LatestVersion returns the highest version published for (moduleType, name), 0 if none.
	LatestVersion(ctx context.Context, moduleType types.ModuleType, name string) (int, error)

	SaveLegacyWorkflow(ctx context.Context, wf types.LegacyWorkflow) error
	GetLegacyWorkflow(ctx context.Context, id uint64) (types.LegacyWorkflow, error)
	ListLegacyWorkflows(ctx context.Context, moduleType types.ModuleType) ([]types.LegacyWorkflow, error)
}

// Tx is the unit of work of one engine operation. Reads of an instance
// through a Tx serialize against other transactions on the same instance.
type Tx interface {
	// InsertInstance returns ErrRunningExists when a running instance holds the module key.
	InsertInstance(ctx context.Context, inst types.Instance) error
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)
	FindRunningInstance(ctx context.Context, moduleType types.ModuleType, moduleID uint64) (types.Instance, error)
	UpdateInstance(ctx context.Context, inst types.Instance) error

	InsertTasks(ctx context.Context, tasks []types.Task) error
	GetTask(ctx context.Context, id uint64) (types.Task, error)
	ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error)
	UpdateTask(ctx context.Context, task types.Task) error

	InsertRecords(ctx context.Context, records []types.ApprovalRecord) error
	GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error)
	ListRecords(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error)
	UpdateRecord(ctx context.Context, rec types.ApprovalRecord) error
}

// Storage defines the interface for persisting definitions, instances, tasks and records.
type Storage interface {
	DefinitionStore

	// RunInTx runs fn in a single transaction; an error from fn rolls everything back.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Non-locking reads.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)
	GetTask(ctx context.Context, id uint64) (types.Task, error)
	GetTaskByToken(ctx context.Context, token string) (types.Task, error)
	ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error)
	ListPendingTasks(ctx context.Context, assigneeID uint64) ([]types.Task, error)
	GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error)
	GetRecordByToken(ctx context.Context, token string) (types.ApprovalRecord, error)
	ListRecords(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

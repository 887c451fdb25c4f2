package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

// Helper function to create a sample definition
func newDefinition(id uint64, name string, version int) types.Definition {
	return types.Definition{
		ID:         id,
		Name:       name,
		ModuleType: types.ModuleContract,
		Version:    version,
		Active:     true,
		Nodes: []types.Node{
			{Key: "start", Type: types.NodeStart},
			{Key: "manager", Type: types.NodeApproval, Config: types.NodeConfig{
				AssigneeType: types.AssigneeRole, Assignees: []string{"manager"}, Mode: types.ModeOr,
			}},
			{Key: "end", Type: types.NodeEnd},
		},
		Routes: []types.Route{
			{From: "start", To: "manager", ConditionType: types.ConditionAlways},
			{From: "manager", To: "end", ConditionType: types.ConditionAlways},
		},
		CreatedAt: time.Now().UnixMilli(),
		UpdatedAt: time.Now().UnixMilli(),
	}
}

// Helper function to create a sample instance
func newInstance(id, moduleID uint64, status string) types.Instance {
	return types.Instance{
		ID:          id,
		Kind:        types.KindGraph,
		ModuleType:  types.ModuleContract,
		ModuleID:    moduleID,
		Status:      status,
		CurrentNode: "manager",
		Round:       1,
		Payload:     map[string]interface{}{"amount": 100},
		StartedAt:   time.Now().UnixMilli(),
		UpdatedAt:   time.Now().UnixMilli(),
	}
}

func TestMemoryStorage(t *testing.T) {
	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.Empty(t, store.definitions)
		assert.Empty(t, store.instances)
		assert.Empty(t, store.running)
	})

	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		def := newDefinition(1, "contract-default", 1)
		err := store.SaveDefinition(ctx, def)
		assert.NoError(t, err)

		got, err := store.GetDefinition(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, def, got)

		// the stored graph does not alias the caller's slices
		got.Nodes[0].Key = "mutated"
		again, _ := store.GetDefinition(ctx, 1)
		assert.Equal(t, "start", again.Nodes[0].Key)

		_, err = store.GetDefinition(ctx, 2)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("Versions", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		require.NoError(t, store.SaveDefinition(ctx, newDefinition(1, "contract-default", 1)))
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(2, "contract-default", 2)))
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(3, "contract-large", 1)))

		v, err := store.LatestVersion(ctx, types.ModuleContract, "contract-default")
		assert.NoError(t, err)
		assert.Equal(t, 2, v)

		v, err = store.LatestVersion(ctx, types.ModuleInvoice, "contract-default")
		assert.NoError(t, err)
		assert.Equal(t, 0, v)

		require.NoError(t, store.DeactivateDefinitions(ctx, types.ModuleContract, "contract-default", 2))
		active, err := store.ListDefinitions(ctx, types.ModuleContract)
		assert.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, uint64(2), active[0].ID)
		assert.Equal(t, uint64(3), active[1].ID)
	})

	t.Run("RunInTxCommit", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		err := store.RunInTx(ctx, func(tx Tx) error {
			if err := tx.InsertInstance(ctx, newInstance(1, 7, types.InstanceRunning)); err != nil {
				return err
			}
			return tx.InsertTasks(ctx, []types.Task{
				{ID: 10, InstanceID: 1, NodeKey: "manager", Round: 1, AssigneeID: 42, Status: types.TaskPending, CorrelationToken: "tok"},
			})
		})
		require.NoError(t, err)

		inst, err := store.GetInstance(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, types.InstanceRunning, inst.Status)
		assert.Equal(t, 1, store.RunningCount(types.ModuleContract, 7))

		task, err := store.GetTaskByToken(ctx, "tok")
		assert.NoError(t, err)
		assert.Equal(t, uint64(10), task.ID)

		pending, err := store.ListPendingTasks(ctx, 42)
		assert.NoError(t, err)
		assert.Len(t, pending, 1)

		_, err = store.GetTaskByToken(ctx, "")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("RunInTxRollback", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		boom := errors.New("boom")

		err := store.RunInTx(ctx, func(tx Tx) error {
			if err := tx.InsertInstance(ctx, newInstance(1, 7, types.InstanceRunning)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.GetInstance(ctx, 1)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		assert.Equal(t, 0, store.RunningCount(types.ModuleContract, 7))

		// the running index was restored too
		err = store.RunInTx(ctx, func(tx Tx) error {
			return tx.InsertInstance(ctx, newInstance(2, 7, types.InstanceRunning))
		})
		assert.NoError(t, err)
	})

	t.Run("RunningUniqueness", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		insert := func(inst types.Instance) error {
			return store.RunInTx(ctx, func(tx Tx) error { return tx.InsertInstance(ctx, inst) })
		}

		require.NoError(t, insert(newInstance(1, 7, types.InstanceRunning)))
		assert.ErrorIs(t, insert(newInstance(2, 7, types.InstanceRunning)), ErrRunningExists)
		assert.NoError(t, insert(newInstance(3, 8, types.InstanceRunning)))
		assert.NoError(t, insert(newInstance(4, 7, types.InstanceCompleted)))

		err := store.RunInTx(ctx, func(tx Tx) error {
			inst, err := tx.FindRunningInstance(ctx, types.ModuleContract, 7)
			if err != nil {
				return err
			}
			assert.Equal(t, uint64(1), inst.ID)
			inst.Status = types.InstanceRejected
			return tx.UpdateInstance(ctx, inst)
		})
		require.NoError(t, err)

		assert.NoError(t, insert(newInstance(5, 7, types.InstanceRunning)))
		assert.Equal(t, 1, store.RunningCount(types.ModuleContract, 7))
	})

	t.Run("Records", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		err := store.RunInTx(ctx, func(tx Tx) error {
			return tx.InsertRecords(ctx, []types.ApprovalRecord{
				{ID: 2, InstanceID: 1, StepIndex: 0, ApproverID: 5, Status: types.RecordPending, CorrelationToken: "r2"},
				{ID: 1, InstanceID: 1, StepIndex: 0, ApproverID: 4, Status: types.RecordPending, CorrelationToken: "r1"},
			})
		})
		require.NoError(t, err)

		recs, err := store.ListRecords(ctx, 1)
		assert.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, uint64(1), recs[0].ID)

		rec, err := store.GetRecordByToken(ctx, "r2")
		assert.NoError(t, err)
		assert.Equal(t, uint64(5), rec.ApproverID)

		err = store.RunInTx(ctx, func(tx Tx) error {
			return tx.UpdateRecord(ctx, types.ApprovalRecord{ID: 9})
		})
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.SaveDefinition(ctx, newDefinition(1, "contract-default", 1))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.GetDefinition(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)

		err = store.RunInTx(ctx, func(tx Tx) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.ListPendingTasks(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		var wg sync.WaitGroup

		for i := uint64(1); i <= 50; i++ {
			wg.Add(1)
			go func(id uint64) {
				defer wg.Done()
				err := store.RunInTx(ctx, func(tx Tx) error {
					return tx.InsertInstance(ctx, newInstance(id, 1, types.InstanceRunning))
				})
				if err != nil {
					assert.ErrorIs(t, err, ErrRunningExists)
				}
				assert.NoError(t, store.SaveDefinition(ctx, newDefinition(id, fmt.Sprintf("def-%d", id), 1)))
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, store.RunningCount(types.ModuleContract, 1))
		defs, err := store.ListDefinitions(ctx, types.ModuleContract)
		assert.NoError(t, err)
		assert.Len(t, defs, 50)
	})
}

package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// A transaction holds the write lock for its whole duration and restores a
// snapshot when fn fails.
type MemoryStorage struct {
	defMu       sync.RWMutex
	definitions map[uint64]types.Definition
	workflows   map[uint64]types.LegacyWorkflow

	mu        sync.RWMutex
	instances map[uint64]types.Instance
	running   map[string]uint64
	tasks     map[uint64]types.Task
	records   map[uint64]types.ApprovalRecord
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.Definition),
		workflows:   make(map[uint64]types.LegacyWorkflow),
		instances:   make(map[uint64]types.Instance),
		running:     make(map[string]uint64),
		tasks:       make(map[uint64]types.Task),
		records:     make(map[uint64]types.ApprovalRecord),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, errors.Wrapf(errNotFound, "id=%d", id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.defMu.Lock()
		defer s.defMu.Unlock()
		s.definitions[def.ID] = cloneDefinition(def)
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	def, err := getItem(ctx, s.definitions, id, ErrDefinitionNotFound)
	if err != nil {
		return types.Definition{}, err
	}
	return cloneDefinition(def), nil
}

// ListDefinitions returns the active definitions of a module type ordered by ID.
func (s *MemoryStorage) ListDefinitions(ctx context.Context, moduleType types.ModuleType) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		s.defMu.RLock()
		defer s.defMu.RUnlock()
		var out []types.Definition
		for _, def := range s.definitions {
			if def.Active && def.ModuleType == moduleType {
				out = append(out, cloneDefinition(def))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// DeactivateDefinitions deactivates the other versions of a named definition.
func (s *MemoryStorage) DeactivateDefinitions(ctx context.Context, moduleType types.ModuleType, name string, keepID uint64) error {
	return withContextError(ctx, func() error {
		s.defMu.Lock()
		defer s.defMu.Unlock()
		for id, def := range s.definitions {
			if id != keepID && def.ModuleType == moduleType && def.Name == name && def.Active {
				def.Active = false
				s.definitions[id] = def
			}
		}
		return nil
	})
}

// LatestVersion returns the newest version number of a named definition.
func (s *MemoryStorage) LatestVersion(ctx context.Context, moduleType types.ModuleType, name string) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.defMu.RLock()
		defer s.defMu.RUnlock()
		latest := 0
		for _, def := range s.definitions {
			if def.ModuleType == moduleType && def.Name == name && def.Version > latest {
				latest = def.Version
			}
		}
		return latest, nil
	})
}

// SaveLegacyWorkflow saves a legacy step-list workflow.
func (s *MemoryStorage) SaveLegacyWorkflow(ctx context.Context, wf types.LegacyWorkflow) error {
	return withContextError(ctx, func() error {
		s.defMu.Lock()
		defer s.defMu.Unlock()
		wf.Steps = append([]types.LegacyStep(nil), wf.Steps...)
		s.workflows[wf.ID] = wf
		return nil
	})
}

// GetLegacyWorkflow retrieves a legacy workflow.
func (s *MemoryStorage) GetLegacyWorkflow(ctx context.Context, id uint64) (types.LegacyWorkflow, error) {
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	return getItem(ctx, s.workflows, id, ErrWorkflowNotFound)
}

// ListLegacyWorkflows returns the active legacy workflows of a module type ordered by ID.
func (s *MemoryStorage) ListLegacyWorkflows(ctx context.Context, moduleType types.ModuleType) ([]types.LegacyWorkflow, error) {
	return withContext(ctx, func() ([]types.LegacyWorkflow, error) {
		s.defMu.RLock()
		defer s.defMu.RUnlock()
		var out []types.LegacyWorkflow
		for _, wf := range s.workflows {
			if wf.Active && wf.ModuleType == moduleType {
				out = append(out, wf)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// RunInTx runs fn with exclusive access to the runtime tables.
func (s *MemoryStorage) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		snap := s.snapshot()
		if err := fn(memoryTx{s: s}); err != nil {
			s.restore(snap)
			return err
		}
		return nil
	})
}

type memorySnapshot struct {
	instances map[uint64]types.Instance
	running   map[string]uint64
	tasks     map[uint64]types.Task
	records   map[uint64]types.ApprovalRecord
}

func (s *MemoryStorage) snapshot() memorySnapshot {
	snap := memorySnapshot{
		instances: make(map[uint64]types.Instance, len(s.instances)),
		running:   make(map[string]uint64, len(s.running)),
		tasks:     make(map[uint64]types.Task, len(s.tasks)),
		records:   make(map[uint64]types.ApprovalRecord, len(s.records)),
	}
	for k, v := range s.instances {
		snap.instances[k] = v
	}
	for k, v := range s.running {
		snap.running[k] = v
	}
	for k, v := range s.tasks {
		snap.tasks[k] = v
	}
	for k, v := range s.records {
		snap.records[k] = v
	}
	return snap
}

func (s *MemoryStorage) restore(snap memorySnapshot) {
	s.instances = snap.instances
	s.running = snap.running
	s.tasks = snap.tasks
	s.records = snap.records
}

// GetInstance retrieves an instance without taking the transaction lock.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, err := getItem(ctx, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return types.Instance{}, err
	}
	return cloneInstance(inst), nil
}

// GetTask retrieves a task.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.tasks, id, ErrTaskNotFound)
}

// GetTaskByToken finds a task by its correlation token.
func (s *MemoryStorage) GetTaskByToken(ctx context.Context, token string) (types.Task, error) {
	return withContext(ctx, func() (types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, task := range s.tasks {
			if token != "" && task.CorrelationToken == token {
				return task, nil
			}
		}
		return types.Task{}, errors.Wrapf(ErrTaskNotFound, "token=%s", token)
	})
}

// ListTasks lists the tasks of an instance ordered by ID.
func (s *MemoryStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.listTasks(instanceID), nil
	})
}

// ListPendingTasks lists the pending tasks of an assignee ordered by ID.
func (s *MemoryStorage) ListPendingTasks(ctx context.Context, assigneeID uint64) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Task
		for _, task := range s.tasks {
			if task.AssigneeID == assigneeID && task.Pending() {
				out = append(out, task)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// GetRecord retrieves a legacy approval record.
func (s *MemoryStorage) GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.records, id, ErrRecordNotFound)
}

// GetRecordByToken finds a legacy record by its correlation token.
func (s *MemoryStorage) GetRecordByToken(ctx context.Context, token string) (types.ApprovalRecord, error) {
	return withContext(ctx, func() (types.ApprovalRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, rec := range s.records {
			if token != "" && rec.CorrelationToken == token {
				return rec, nil
			}
		}
		return types.ApprovalRecord{}, errors.Wrapf(ErrRecordNotFound, "token=%s", token)
	})
}

// ListRecords lists the legacy records of an instance ordered by ID.
func (s *MemoryStorage) ListRecords(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	return withContext(ctx, func() ([]types.ApprovalRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.listRecords(instanceID), nil
	})
}

func (s *MemoryStorage) listTasks(instanceID uint64) []types.Task {
	var out []types.Task
	for _, task := range s.tasks {
		if task.InstanceID == instanceID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStorage) listRecords(instanceID uint64) []types.ApprovalRecord {
	var out []types.ApprovalRecord
	for _, rec := range s.records {
		if rec.InstanceID == instanceID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunningCount returns how many instances are running for a module key.
func (s *MemoryStorage) RunningCount(moduleType types.ModuleType, moduleID uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, inst := range s.instances {
		if inst.Running() && inst.ModuleType == moduleType && inst.ModuleID == moduleID {
			n++
		}
	}
	return n
}

// memoryTx operates on the store while RunInTx holds the write lock.
type memoryTx struct {
	s *MemoryStorage
}

func (t memoryTx) InsertInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		if inst.Running() {
			if id, ok := t.s.running[inst.Key()]; ok {
				return errors.Wrapf(ErrRunningExists, "key=%s instance=%d", inst.Key(), id)
			}
			t.s.running[inst.Key()] = inst.ID
		}
		t.s.instances[inst.ID] = cloneInstance(inst)
		return nil
	})
}

func (t memoryTx) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	inst, err := getItem(ctx, t.s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return types.Instance{}, err
	}
	return cloneInstance(inst), nil
}

func (t memoryTx) FindRunningInstance(ctx context.Context, moduleType types.ModuleType, moduleID uint64) (types.Instance, error) {
	id, ok := t.s.running[types.ModuleKey(moduleType, moduleID)]
	if !ok {
		return types.Instance{}, errors.Wrapf(ErrInstanceNotFound, "no running instance for %s", types.ModuleKey(moduleType, moduleID))
	}
	return t.GetInstance(ctx, id)
}

func (t memoryTx) UpdateInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		if _, ok := t.s.instances[inst.ID]; !ok {
			return errors.Wrapf(ErrInstanceNotFound, "id=%d", inst.ID)
		}
		if !inst.Running() && t.s.running[inst.Key()] == inst.ID {
			delete(t.s.running, inst.Key())
		}
		t.s.instances[inst.ID] = cloneInstance(inst)
		return nil
	})
}

func (t memoryTx) InsertTasks(ctx context.Context, tasks []types.Task) error {
	return withContextError(ctx, func() error {
		for _, task := range tasks {
			t.s.tasks[task.ID] = task
		}
		return nil
	})
}

func (t memoryTx) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getItem(ctx, t.s.tasks, id, ErrTaskNotFound)
}

func (t memoryTx) ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		return t.s.listTasks(instanceID), nil
	})
}

func (t memoryTx) UpdateTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		if _, ok := t.s.tasks[task.ID]; !ok {
			return errors.Wrapf(ErrTaskNotFound, "id=%d", task.ID)
		}
		t.s.tasks[task.ID] = task
		return nil
	})
}

func (t memoryTx) InsertRecords(ctx context.Context, records []types.ApprovalRecord) error {
	return withContextError(ctx, func() error {
		for _, rec := range records {
			t.s.records[rec.ID] = rec
		}
		return nil
	})
}

func (t memoryTx) GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error) {
	return getItem(ctx, t.s.records, id, ErrRecordNotFound)
}

func (t memoryTx) ListRecords(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	return withContext(ctx, func() ([]types.ApprovalRecord, error) {
		return t.s.listRecords(instanceID), nil
	})
}

func (t memoryTx) UpdateRecord(ctx context.Context, rec types.ApprovalRecord) error {
	return withContextError(ctx, func() error {
		if _, ok := t.s.records[rec.ID]; !ok {
			return errors.Wrapf(ErrRecordNotFound, "id=%d", rec.ID)
		}
		t.s.records[rec.ID] = rec
		return nil
	})
}

func cloneDefinition(def types.Definition) types.Definition {
	def.Nodes = append([]types.Node(nil), def.Nodes...)
	def.Routes = append([]types.Route(nil), def.Routes...)
	return def
}

func cloneInstance(inst types.Instance) types.Instance {
	inst.Payload = cloneMap(inst.Payload)
	inst.Metadata = cloneMap(inst.Metadata)
	return inst
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

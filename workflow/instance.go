package workflow

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// SubmitRequest asks for approval of one business record.
type SubmitRequest struct {
	// ModuleType accepts any spelling NormalizeModuleType understands.
	ModuleType  string `json:"module_type"`
	ModuleID    uint64 `json:"module_id"`
	InitiatorID uint64 `json:"-"`
	// Title is shown on the assignees' to-do items.
	Title   string                 `json:"title,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SubmitResult describes the instance a submission started or reused.
type SubmitResult struct {
	Kind     string                 `json:"kind"`
	Instance types.Instance         `json:"instance"`
	Tasks    []types.Task           `json:"tasks,omitempty"`
	Records  []types.ApprovalRecord `json:"records,omitempty"`
	// Reused is set when the record already had a running instance.
	Reused bool `json:"reused"`
}

// Submit starts approval of a business record with the definition the
// registry resolves for it. If the record already has a running instance,
// that instance is returned instead and nothing new is created.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	mt, err := checkRequest(req)
	if err != nil {
		return nil, err
	}
	unlock, err := e.lockModule(ctx, mt, req.ModuleID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := e.reuse(ctx, mt, req.ModuleID)
	if err != nil || res != nil {
		return res, err
	}

	resolution, err := e.registry.Resolve(ctx, mt, req.Payload)
	if err != nil {
		return nil, err
	}
	if resolution.Kind == types.KindLegacy {
		return e.startLegacy(ctx, *resolution.Legacy, mt, req)
	}
	return e.start(ctx, *resolution.Definition, mt, req)
}

// StartInstance starts approval of a business record on a given definition.
func (e *Engine) StartInstance(ctx context.Context, def types.Definition, req SubmitRequest) (*SubmitResult, error) {
	mt, err := checkRequest(req)
	if err != nil {
		return nil, err
	}
	if def.ModuleType != mt {
		return nil, errors.Wrapf(ErrInvalidRequest, "definition %d is for %s, not %s", def.ID, def.ModuleType, mt)
	}
	// Validate normalizes in place; keep the caller's graph untouched.
	def.Nodes = append([]types.Node(nil), def.Nodes...)
	def.Routes = append([]types.Route(nil), def.Routes...)
	if err := e.registry.Validate(&def); err != nil {
		return nil, err
	}
	unlock, err := e.lockModule(ctx, mt, req.ModuleID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := e.reuse(ctx, mt, req.ModuleID)
	if err != nil || res != nil {
		return res, err
	}
	return e.start(ctx, def, mt, req)
}

func checkRequest(req SubmitRequest) (types.ModuleType, error) {
	mt, err := types.NormalizeModuleType(req.ModuleType)
	if err != nil {
		return "", errors.Wrap(ErrInvalidRequest, err.Error())
	}
	if req.ModuleID == 0 {
		return "", errors.Wrap(ErrInvalidRequest, "module id is required")
	}
	if req.InitiatorID == 0 {
		return "", errors.Wrap(ErrInvalidRequest, "initiator is required")
	}
	return mt, nil
}

// reuse returns the running instance of the module key, or nil if there is none.
func (e *Engine) reuse(ctx context.Context, mt types.ModuleType, moduleID uint64) (*SubmitResult, error) {
	var res *SubmitResult
	_, err := e.runTx(ctx, func(t *txn) error {
		res = nil
		inst, err := t.tx.FindRunningInstance(ctx, mt, moduleID)
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "find running instance")
		}
		res = &SubmitResult{}
		return t.reused(res, inst)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *txn) reused(res *SubmitResult, inst types.Instance) error {
	tasks, err := t.tx.ListTasks(t.ctx, inst.ID)
	if err != nil {
		return errors.Wrap(err, "list tasks")
	}
	records, err := t.tx.ListRecords(t.ctx, inst.ID)
	if err != nil {
		return errors.Wrap(err, "list records")
	}
	*res = SubmitResult{Kind: inst.Kind, Instance: inst, Tasks: tasks, Records: records, Reused: true}
	t.publish(events.InstanceReused, inst, nil)
	return nil
}

func (t *txn) newInstance(kind string, mt types.ModuleType, req SubmitRequest) (types.Instance, error) {
	id, err := t.nextID()
	if err != nil {
		return types.Instance{}, err
	}
	inst := types.Instance{
		ID:          id,
		Kind:        kind,
		ModuleType:  mt,
		ModuleID:    req.ModuleID,
		Status:      types.InstanceRunning,
		InitiatorID: req.InitiatorID,
		Payload:     req.Payload,
		Metadata:    make(map[string]interface{}),
		StartedAt:   t.now,
		UpdatedAt:   t.now,
	}
	if req.Title != "" {
		inst.Metadata[metaTitle] = req.Title
	}
	return inst, nil
}

// insert stores a new running instance. It reports false when another
// instance won the module key, in which case res describes that one.
func (t *txn) insert(res *SubmitResult, inst types.Instance) (bool, error) {
	err := t.tx.InsertInstance(t.ctx, inst)
	if errors.Is(err, storage.ErrRunningExists) {
		existing, err := t.tx.FindRunningInstance(t.ctx, inst.ModuleType, inst.ModuleID)
		if err != nil {
			return false, errors.Wrap(err, "find running instance")
		}
		return false, t.reused(res, existing)
	}
	if err != nil {
		return false, errors.Wrap(err, "insert instance")
	}
	t.setStatus(inst, types.ModuleStatusPending)
	t.publish(events.InstanceStarted, inst, func(ev *events.Event) { ev.ActorID = inst.InitiatorID })
	t.logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"kind":        inst.Kind,
		"module_type": inst.ModuleType,
		"module_id":   inst.ModuleID,
	}).Info("approval started")
	return true, nil
}

func (e *Engine) start(ctx context.Context, def types.Definition, mt types.ModuleType, req SubmitRequest) (*SubmitResult, error) {
	var start types.Node
	for _, n := range def.Nodes {
		if n.Type == types.NodeStart {
			start = n
			break
		}
	}
	if start.Key == "" {
		return nil, errors.Wrapf(ErrNodeNotFound, "definition %d has no start node", def.ID)
	}

	res := &SubmitResult{}
	_, err := e.runTx(ctx, func(t *txn) error {
		*res = SubmitResult{Kind: types.KindGraph}
		inst, err := t.newInstance(types.KindGraph, mt, req)
		if err != nil {
			return err
		}
		inst.DefinitionID = def.ID
		inst.CurrentNode = start.Key

		ok, err := t.insert(res, inst)
		if err != nil || !ok {
			return err
		}
		created, err := t.advance(&inst, def, start.Key)
		if err != nil {
			return err
		}
		if err := t.tx.UpdateInstance(ctx, inst); err != nil {
			return errors.Wrap(err, "update instance")
		}
		res.Instance = inst
		res.Tasks = created
		return nil
	})
	if err != nil && !errors.Is(err, ErrStuckTransition) {
		return nil, err
	}
	return res, err
}

// WithdrawInstance lets the initiator pull back a running instance. Pending tasks and
// records are cancelled and the module status returns to draft.
func (e *Engine) WithdrawInstance(ctx context.Context, instanceID, actorID uint64, comment string) (types.Instance, error) {
	unlock, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		return types.Instance{}, err
	}
	defer unlock()

	var out types.Instance
	_, err = e.runTx(ctx, func(t *txn) error {
		inst, err := t.tx.GetInstance(ctx, instanceID)
		if err != nil {
			return errors.Wrapf(err, "instance %d", instanceID)
		}
		if inst.InitiatorID != actorID {
			return errors.Wrapf(ErrNotAuthorized, "user %d did not submit instance %d", actorID, instanceID)
		}
		if !inst.Running() {
			return errors.Wrapf(ErrInstanceNotRunning, "instance %d is %s", instanceID, inst.Status)
		}

		tasks, err := t.tx.ListTasks(ctx, inst.ID)
		if err != nil {
			return errors.Wrap(err, "list tasks")
		}
		if _, err := t.cancelPending(tasks, 0); err != nil {
			return err
		}
		if err := t.cancelRecords(inst.ID, 0); err != nil {
			return err
		}

		inst.Status = types.InstanceCancelled
		inst.EndedAt = t.now
		inst.UpdatedAt = t.now
		if inst.Metadata == nil {
			inst.Metadata = make(map[string]interface{})
		}
		inst.Metadata[metaWithdrawn] = map[string]interface{}{"by": actorID, "comment": comment, "at": t.now}
		if err := t.tx.UpdateInstance(ctx, inst); err != nil {
			return errors.Wrap(err, "update instance")
		}
		t.setStatus(inst, types.ModuleStatusDraft)
		t.publish(events.InstanceWithdrawn, inst, func(ev *events.Event) { ev.ActorID = actorID })
		out = inst
		return nil
	})
	if err != nil {
		return types.Instance{}, err
	}
	return out, nil
}

// Reevaluate retries the transition of an instance parked on a condition
// node. A non-nil payload replaces the instance payload first.
func (e *Engine) Reevaluate(ctx context.Context, instanceID uint64, payload map[string]interface{}) (*TransitionResult, error) {
	unlock, err := e.lockInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &TransitionResult{}
	_, err = e.runTx(ctx, func(t *txn) error {
		*res = TransitionResult{}
		inst, err := t.tx.GetInstance(ctx, instanceID)
		if err != nil {
			return errors.Wrapf(err, "instance %d", instanceID)
		}
		if !inst.Running() {
			return errors.Wrapf(ErrInstanceNotRunning, "instance %d is %s", instanceID, inst.Status)
		}
		if _, stuck := inst.Metadata[metaStuck]; !stuck || inst.Kind != types.KindGraph {
			return errors.Wrapf(ErrNotStuck, "instance %d", instanceID)
		}
		def, err := t.registry.Definition(ctx, inst.DefinitionID)
		if err != nil {
			return err
		}

		delete(inst.Metadata, metaStuck)
		if payload != nil {
			inst.Payload = payload
		}
		created, err := t.advance(&inst, def, inst.CurrentNode)
		if err != nil {
			return err
		}
		inst.UpdatedAt = t.now
		if err := t.tx.UpdateInstance(ctx, inst); err != nil {
			return errors.Wrap(err, "update instance")
		}
		res.Instance = inst
		res.CreatedTasks = created
		return nil
	})
	if err != nil && !errors.Is(err, ErrStuckTransition) {
		return nil, err
	}
	return res, err
}

// lockInstance takes the module lock of an existing instance.
func (e *Engine) lockInstance(ctx context.Context, instanceID uint64) (func(), error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "instance %d", instanceID)
	}
	return e.lockModule(ctx, inst.ModuleType, inst.ModuleID)
}

package workflow

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// HandleOptions carries the extra input of return and transfer actions.
type HandleOptions struct {
	// ReturnToNodeKey is the earlier approval node a "return" sends the instance back to.
	ReturnToNodeKey string
	// TransferTo is the user a "transfer" hands the task over to.
	TransferTo uint64
}

// TransitionResult describes what one action changed.
type TransitionResult struct {
	Instance       types.Instance         `json:"instance"`
	Task           *types.Task            `json:"task,omitempty"`
	Record         *types.ApprovalRecord  `json:"record,omitempty"`
	CreatedTasks   []types.Task           `json:"created_tasks,omitempty"`
	CreatedRecords []types.ApprovalRecord `json:"created_records,omitempty"`
	CancelledTasks []types.Task           `json:"cancelled_tasks,omitempty"`
	// Idempotent is set when the item had already been handled with the same action.
	Idempotent bool `json:"idempotent"`
}

// Callback is a decision delivered by an external to-do or messaging system.
type Callback struct {
	Token    string
	Decision string
	// ActorID defaults to the assignee of the token.
	ActorID    uint64
	Comment    string
	ExternalID string
}

// normalizeAction maps the action spellings accepted at the boundary.
func normalizeAction(action string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case types.ActionApprove, "agree", "approved":
		return types.ActionApprove, nil
	case types.ActionReject, "refuse", "rejected":
		return types.ActionReject, nil
	case types.ActionReturn:
		return types.ActionReturn, nil
	case types.ActionTransfer:
		return types.ActionTransfer, nil
	}
	return "", errors.Wrapf(ErrInvalidAction, "%q", action)
}

// HandleTask applies an assignee's decision to a task.
//
// Repeating a decision that was already applied is reported as success with
// Idempotent set; any other action on a handled task fails with
// ErrAlreadyHandled.
func (e *Engine) HandleTask(ctx context.Context, taskID, actorID uint64, action, comment string, opts HandleOptions) (*TransitionResult, error) {
	return e.handleTask(ctx, taskID, actorID, action, comment, opts, nil)
}

// HandleCallback applies a decision identified only by its correlation token.
// It serves both graph tasks and legacy records.
func (e *Engine) HandleCallback(ctx context.Context, cb Callback) (*TransitionResult, error) {
	action, err := normalizeAction(cb.Decision)
	if err != nil {
		return nil, err
	}
	if action != types.ActionApprove && action != types.ActionReject {
		return nil, errors.Wrapf(ErrInvalidAction, "callbacks cannot %s", action)
	}
	if cb.Token == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "token is required")
	}

	annotate := func(inst *types.Instance) {
		if inst.Metadata == nil {
			inst.Metadata = make(map[string]interface{})
		}
		inst.Metadata[metaCallback] = map[string]interface{}{
			"token":       cb.Token,
			"decision":    cb.Decision,
			"external_id": cb.ExternalID,
		}
	}

	task, err := e.store.GetTaskByToken(ctx, cb.Token)
	if err == nil {
		actor := cb.ActorID
		if actor == 0 {
			actor = task.AssigneeID
		}
		return e.handleTask(ctx, task.ID, actor, action, cb.Comment, HandleOptions{}, annotate)
	}
	if !errors.Is(err, storage.ErrTaskNotFound) {
		return nil, err
	}

	rec, err := e.store.GetRecordByToken(ctx, cb.Token)
	if errors.Is(err, storage.ErrRecordNotFound) {
		return nil, errors.Wrap(ErrTaskNotFound, "unknown correlation token")
	}
	if err != nil {
		return nil, err
	}
	actor := cb.ActorID
	if actor == 0 {
		actor = rec.ApproverID
	}
	return e.handleRecord(ctx, rec.ID, actor, action, cb.Comment, annotate)
}

func (e *Engine) handleTask(ctx context.Context, taskID, actorID uint64, action, comment string, opts HandleOptions, annotate func(*types.Instance)) (*TransitionResult, error) {
	action, err := normalizeAction(action)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "task %d", taskID)
	}
	unlock, err := e.lockInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &TransitionResult{}
	_, err = e.runTx(ctx, func(t *txn) error {
		*res = TransitionResult{}
		inst, err := t.tx.GetInstance(ctx, task.InstanceID)
		if err != nil {
			return errors.Wrapf(err, "instance %d", task.InstanceID)
		}
		task, err := t.tx.GetTask(ctx, taskID)
		if err != nil {
			return errors.Wrapf(err, "task %d", taskID)
		}
		if task.AssigneeID != actorID {
			return errors.Wrapf(ErrNotAuthorized, "task %d is assigned to another user", taskID)
		}
		if !task.Pending() {
			if task.Action == action {
				res.Instance, res.Task, res.Idempotent = inst, &task, true
				return nil
			}
			return errors.Wrapf(ErrAlreadyHandled, "task %d is %s", taskID, task.Status)
		}
		if !inst.Running() {
			return errors.Wrapf(ErrInstanceNotRunning, "instance %d is %s", inst.ID, inst.Status)
		}
		if task.NodeKey != inst.CurrentNode || task.Round != inst.Round {
			return errors.Wrapf(ErrAlreadyHandled, "task %d belongs to an earlier visit of %q", taskID, task.NodeKey)
		}

		def, err := t.registry.Definition(ctx, inst.DefinitionID)
		if err != nil {
			return err
		}
		node, ok := findNode(def, task.NodeKey)
		if !ok {
			return errors.Wrapf(ErrNodeNotFound, "node %q", task.NodeKey)
		}
		if annotate != nil {
			annotate(&inst)
		}

		switch action {
		case types.ActionApprove:
			err = t.approveTask(res, &inst, def, node, task, comment)
		case types.ActionReject:
			err = t.rejectTask(res, &inst, task, comment)
		case types.ActionReturn:
			err = t.returnTask(res, &inst, def, node, task, comment, opts.ReturnToNodeKey)
		case types.ActionTransfer:
			err = t.transferTask(res, &inst, node, task, comment, opts.TransferTo)
		}
		if err != nil {
			return err
		}

		inst.UpdatedAt = t.now
		if err := t.tx.UpdateInstance(ctx, inst); err != nil {
			return errors.Wrap(err, "update instance")
		}
		res.Instance = inst
		return nil
	})
	if err != nil && !errors.Is(err, ErrStuckTransition) {
		return nil, err
	}
	return res, err
}

// decide records the decision on task.
func (t *txn) decide(res *TransitionResult, inst types.Instance, task types.Task, status, action, comment string) error {
	task.Status = status
	task.Action = action
	task.Comment = comment
	task.CompletedAt = t.now
	if err := t.tx.UpdateTask(t.ctx, task); err != nil {
		return errors.Wrapf(err, "update task %d", task.ID)
	}
	t.resolved = append(t.resolved, task.CorrelationToken)
	res.Task = &task
	t.publish(events.TaskHandled, inst, func(ev *events.Event) {
		ev.NodeKey = task.NodeKey
		ev.TaskID = task.ID
		ev.ActorID = task.AssigneeID
		ev.Data = map[string]interface{}{"action": action}
	})
	return nil
}

func (t *txn) approveTask(res *TransitionResult, inst *types.Instance, def types.Definition, node types.Node, task types.Task, comment string) error {
	if err := t.decide(res, *inst, task, types.TaskApproved, types.ActionApprove, comment); err != nil {
		return err
	}
	tasks, err := t.tx.ListTasks(t.ctx, inst.ID)
	if err != nil {
		return errors.Wrap(err, "list tasks")
	}
	round := currentRound(*inst, tasks)
	ok, err := satisfied(node.Config.Mode, round)
	if err != nil || !ok {
		return err
	}

	// remaining OR siblings are no longer needed
	cancelled, err := t.cancelPending(round, 0)
	if err != nil {
		return err
	}
	res.CancelledTasks = cancelled
	created, err := t.advance(inst, def, node.Key)
	if err != nil {
		return err
	}
	res.CreatedTasks = created
	return nil
}

func (t *txn) rejectTask(res *TransitionResult, inst *types.Instance, task types.Task, comment string) error {
	if err := t.decide(res, *inst, task, types.TaskRejected, types.ActionReject, comment); err != nil {
		return err
	}
	tasks, err := t.tx.ListTasks(t.ctx, inst.ID)
	if err != nil {
		return errors.Wrap(err, "list tasks")
	}
	cancelled, err := t.cancelPending(tasks, 0)
	if err != nil {
		return err
	}
	res.CancelledTasks = cancelled
	t.reject(inst, task.AssigneeID)
	return nil
}

func (t *txn) returnTask(res *TransitionResult, inst *types.Instance, def types.Definition, node types.Node, task types.Task, comment, to string) error {
	target, ok := findNode(def, to)
	if !ok || target.Type != types.NodeApproval || !isAncestor(def, to, node.Key) {
		return errors.Wrapf(ErrInvalidReturnTarget, "%q is not an earlier approval node of %q", to, node.Key)
	}
	if err := t.decide(res, *inst, task, types.TaskCancelled, types.ActionReturn, comment); err != nil {
		return err
	}
	tasks, err := t.tx.ListTasks(t.ctx, inst.ID)
	if err != nil {
		return errors.Wrap(err, "list tasks")
	}
	cancelled, err := t.cancelPending(currentRound(*inst, tasks), 0)
	if err != nil {
		return err
	}
	res.CancelledTasks = cancelled

	created, err := t.enterApproval(inst, target)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		created, err = t.advance(inst, def, target.Key)
		if err != nil {
			return err
		}
	}
	res.CreatedTasks = created
	return nil
}

func (t *txn) transferTask(res *TransitionResult, inst *types.Instance, node types.Node, task types.Task, comment string, to uint64) error {
	if to == 0 || to == task.AssigneeID {
		return errors.Wrapf(ErrInvalidTransfer, "user %d", to)
	}
	u, err := t.dir.LookupUser(t.ctx, types.UserRef{ID: to})
	if errors.Is(err, directory.ErrUserNotFound) || (err == nil && !u.Active) {
		return errors.Wrapf(ErrInvalidTransfer, "user %d is not an active user", to)
	}
	if err != nil {
		return errors.Wrapf(err, "lookup user %d", to)
	}

	tasks, err := t.tx.ListTasks(t.ctx, inst.ID)
	if err != nil {
		return errors.Wrap(err, "list tasks")
	}
	for _, sibling := range currentRound(*inst, tasks) {
		if sibling.Status != types.TaskCancelled && sibling.AssigneeID == to {
			return errors.Wrapf(ErrInvalidTransfer, "user %d already holds task %d on this node", to, sibling.ID)
		}
	}

	from := task.AssigneeID
	t.resolved = append(t.resolved, task.CorrelationToken)
	task.AssigneeID = to
	task.TransferredFrom = from
	task.Comment = comment
	task.CorrelationToken = uuid.NewString()
	if err := t.tx.UpdateTask(t.ctx, task); err != nil {
		return errors.Wrapf(err, "update task %d", task.ID)
	}
	res.Task = &task
	t.notifyTask(*inst, node, task)
	t.publish(events.TaskTransferred, *inst, func(ev *events.Event) {
		ev.TaskID = task.ID
		ev.ActorID = from
		ev.Data = map[string]interface{}{"to": to}
	})
	return nil
}

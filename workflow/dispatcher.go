package workflow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/sink"
	"github.com/songzhibin97/approval-engine/types"
)

// metadata keys
const (
	metaTitle     = "title"
	metaStuck     = "stuck"
	metaWithdrawn = "withdrawn"
	metaCallback  = "callback"
)

// resolveUsers turns user references into active user IDs. Unknown and
// inactive users are dropped; the result keeps the first occurrence order.
func (t *txn) resolveUsers(refs []string) ([]uint64, error) {
	var ids []uint64
	seen := make(map[uint64]bool)
	for _, s := range refs {
		ref, err := types.ParseUserRef(s)
		if err != nil {
			continue
		}
		u, err := t.dir.LookupUser(t.ctx, ref)
		if errors.Is(err, directory.ErrUserNotFound) {
			t.logger.WithField("assignee", s).Warn("assignee not found, skipping")
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "lookup user %q", s)
		}
		if !u.Active || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (t *txn) resolveRoles(roles []string) ([]uint64, error) {
	var ids []uint64
	seen := make(map[uint64]bool)
	for _, role := range roles {
		users, err := t.dir.UsersByRole(t.ctx, role)
		if err != nil {
			return nil, errors.Wrapf(err, "users of role %q", role)
		}
		for _, u := range users {
			if !u.Active || seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

// assignees resolves the users an approval node dispatches to.
func (t *txn) assignees(node types.Node) ([]uint64, error) {
	if node.Config.AssigneeType == types.AssigneeRole {
		return t.resolveRoles(node.Config.Assignees)
	}
	return t.resolveUsers(node.Config.Assignees)
}

// enterApproval opens a new round on an approval node and creates one task
// per assignee. It returns no tasks when the node was skipped.
func (t *txn) enterApproval(inst *types.Instance, node types.Node) ([]types.Task, error) {
	ids, err := t.assignees(node)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if t.emptyPolicy == FailEmpty {
			return nil, errors.Wrapf(ErrUnassignable, "node %q", node.Key)
		}
		t.logger.WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"node":        node.Key,
		}).Warn("approval node has no assignees, skipping")
		t.publish(events.NodeSkipped, *inst, func(ev *events.Event) { ev.NodeKey = node.Key })
		return nil, nil
	}

	inst.Round++
	inst.CurrentNode = node.Key
	tasks := make([]types.Task, 0, len(ids))
	for _, uid := range ids {
		id, err := t.nextID()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, types.Task{
			ID:               id,
			InstanceID:       inst.ID,
			NodeKey:          node.Key,
			Round:            inst.Round,
			AssigneeID:       uid,
			Status:           types.TaskPending,
			CorrelationToken: uuid.NewString(),
			CreatedAt:        t.now,
		})
	}
	if err := t.tx.InsertTasks(t.ctx, tasks); err != nil {
		return nil, errors.Wrap(err, "insert tasks")
	}

	t.publish(events.NodeEntered, *inst, func(ev *events.Event) {
		ev.Data = map[string]interface{}{"round": inst.Round, "assignees": ids}
	})
	for _, task := range tasks {
		t.notifyTask(*inst, node, task)
		task := task
		t.publish(events.TaskCreated, *inst, func(ev *events.Event) {
			ev.TaskID = task.ID
			ev.ActorID = task.AssigneeID
		})
	}
	return tasks, nil
}

func (t *txn) notifyTask(inst types.Instance, node types.Node, task types.Task) {
	name := node.Name
	if name == "" {
		name = node.Key
	}
	t.notices = append(t.notices, sink.Notification{
		Token:       task.CorrelationToken,
		AssigneeID:  task.AssigneeID,
		Title:       title(inst),
		Description: fmt.Sprintf("Approval step %q is waiting for your decision", name),
		InstanceID:  inst.ID,
		TaskID:      task.ID,
		ModuleType:  inst.ModuleType,
		ModuleID:    inst.ModuleID,
	})
}

func title(inst types.Instance) string {
	if s, ok := inst.Metadata[metaTitle].(string); ok && s != "" {
		return s
	}
	return fmt.Sprintf("Approve %s #%d", inst.ModuleType, inst.ModuleID)
}

// satisfied reports whether the tasks of the current round meet the
// node's aggregation mode. An empty mode means AND.
func satisfied(mode string, round []types.Task) (bool, error) {
	approved, active := 0, 0
	for _, task := range round {
		if task.Status == types.TaskCancelled {
			continue
		}
		active++
		if task.Status == types.TaskApproved {
			approved++
		}
	}
	switch strings.ToLower(mode) {
	case "", types.ModeAnd:
		return active > 0 && approved == active, nil
	case types.ModeOr:
		return approved > 0, nil
	default:
		return false, errors.Wrapf(ErrInvalidDefinition, "unknown approval mode %q", mode)
	}
}

// currentRound returns the tasks of the node visit the instance is on.
func currentRound(inst types.Instance, tasks []types.Task) []types.Task {
	var round []types.Task
	for _, task := range tasks {
		if task.NodeKey == inst.CurrentNode && task.Round == inst.Round {
			round = append(round, task)
		}
	}
	return round
}

// cancelPending cancels every pending task in tasks, except keep.
func (t *txn) cancelPending(tasks []types.Task, keep uint64) ([]types.Task, error) {
	var cancelled []types.Task
	for _, task := range tasks {
		if !task.Pending() || task.ID == keep {
			continue
		}
		task.Status = types.TaskCancelled
		task.CompletedAt = t.now
		if err := t.tx.UpdateTask(t.ctx, task); err != nil {
			return nil, errors.Wrapf(err, "cancel task %d", task.ID)
		}
		t.resolved = append(t.resolved, task.CorrelationToken)
		cancelled = append(cancelled, task)
	}
	return cancelled, nil
}

// advance leaves the node from and walks the graph until it reaches an
// approval node that dispatched tasks, an end node, or a condition node with
// no matching route. In the last case the instance is parked on that node and
// t.stuck is set; the transaction still commits.
func (t *txn) advance(inst *types.Instance, def types.Definition, from string) ([]types.Task, error) {
	cur := from
	for depth := 0; ; depth++ {
		if depth >= MaxTraversalDepth {
			return nil, errors.Wrapf(ErrMaxDepth, "instance %d", inst.ID)
		}
		next, err := NextNode(t.matcher, def, cur, *inst)
		if errors.Is(err, ErrStuckTransition) {
			t.park(inst, cur, err)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		switch next.Type {
		case types.NodeEnd:
			t.complete(inst, next.Key)
			return nil, nil
		case types.NodeApproval:
			created, err := t.enterApproval(inst, next)
			if err != nil {
				return nil, err
			}
			if len(created) > 0 {
				return created, nil
			}
		default:
			inst.CurrentNode = next.Key
		}
		cur = next.Key
	}
}

func (t *txn) park(inst *types.Instance, node string, cause error) {
	inst.CurrentNode = node
	if inst.Metadata == nil {
		inst.Metadata = make(map[string]interface{})
	}
	inst.Metadata[metaStuck] = map[string]interface{}{"node": node, "at": t.now}
	t.stuck = cause
	t.logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"node":        node,
	}).Error("no route matched, instance parked on condition node")
	t.publish(events.TransitionStuck, *inst, nil)
}

func (t *txn) complete(inst *types.Instance, endKey string) {
	inst.Status = types.InstanceCompleted
	inst.CurrentNode = endKey
	inst.EndedAt = t.now
	t.setStatus(*inst, types.ModuleStatusApproved)
	t.publish(events.InstanceCompleted, *inst, nil)
	t.logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"module_type": inst.ModuleType,
		"module_id":   inst.ModuleID,
	}).Info("approval completed")
}

func (t *txn) reject(inst *types.Instance, actorID uint64) {
	inst.Status = types.InstanceRejected
	inst.EndedAt = t.now
	t.setStatus(*inst, types.ModuleStatusRejected)
	t.publish(events.InstanceRejected, *inst, func(ev *events.Event) { ev.ActorID = actorID })
	t.logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"module_type": inst.ModuleType,
		"module_id":   inst.ModuleID,
		"actor_id":    actorID,
	}).Info("approval rejected")
}

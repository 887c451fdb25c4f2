package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/sink"
	"github.com/songzhibin97/approval-engine/types"
)

// Legacy workflows are ordered steps. Every approver of a step gets a record;
// the next step opens once all of them approved, and any rejection ends the
// instance.

func (e *Engine) startLegacy(ctx context.Context, wf types.LegacyWorkflow, mt types.ModuleType, req SubmitRequest) (*SubmitResult, error) {
	res := &SubmitResult{}
	_, err := e.runTx(ctx, func(t *txn) error {
		*res = SubmitResult{Kind: types.KindLegacy}
		inst, err := t.newInstance(types.KindLegacy, mt, req)
		if err != nil {
			return err
		}
		inst.LegacyWorkflowID = wf.ID

		ok, err := t.insert(res, inst)
		if err != nil || !ok {
			return err
		}
		records, err := t.openStep(&inst, wf, 0)
		if err != nil {
			return err
		}
		if err := t.tx.UpdateInstance(ctx, inst); err != nil {
			return errors.Wrap(err, "update instance")
		}
		res.Instance = inst
		res.Records = records
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// openStep creates the records of the first step at or after from that has
// approvers. The instance completes when no such step is left.
func (t *txn) openStep(inst *types.Instance, wf types.LegacyWorkflow, from int) ([]types.ApprovalRecord, error) {
	for i := from; i < len(wf.Steps); i++ {
		step := wf.Steps[i]
		ids, err := t.resolveUsers(step.Approvers)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			if t.emptyPolicy == FailEmpty {
				return nil, errors.Wrapf(ErrUnassignable, "step %d of workflow %d", i, wf.ID)
			}
			t.logger.WithFields(logrus.Fields{
				"instance_id": inst.ID,
				"step":        i,
			}).Warn("legacy step has no approvers, skipping")
			continue
		}

		inst.CurrentStep = i
		records := make([]types.ApprovalRecord, 0, len(ids))
		for _, uid := range ids {
			id, err := t.nextID()
			if err != nil {
				return nil, err
			}
			records = append(records, types.ApprovalRecord{
				ID:               id,
				InstanceID:       inst.ID,
				WorkflowID:       wf.ID,
				ModuleType:       inst.ModuleType,
				ModuleID:         inst.ModuleID,
				StepIndex:        i,
				ApproverID:       uid,
				Status:           types.RecordPending,
				CorrelationToken: uuid.NewString(),
				CreatedAt:        t.now,
			})
		}
		if err := t.tx.InsertRecords(t.ctx, records); err != nil {
			return nil, errors.Wrap(err, "insert records")
		}

		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}
		for _, rec := range records {
			t.notices = append(t.notices, sink.Notification{
				Token:       rec.CorrelationToken,
				AssigneeID:  rec.ApproverID,
				Title:       title(*inst),
				Description: fmt.Sprintf("Approval step %q is waiting for your decision", name),
				InstanceID:  inst.ID,
				RecordID:    rec.ID,
				ModuleType:  inst.ModuleType,
				ModuleID:    inst.ModuleID,
			})
		}
		return records, nil
	}
	t.complete(inst, "")
	return nil, nil
}

// cancelRecords cancels every pending record of an instance, except keep.
func (t *txn) cancelRecords(instanceID, keep uint64) error {
	records, err := t.tx.ListRecords(t.ctx, instanceID)
	if err != nil {
		return errors.Wrap(err, "list records")
	}
	for _, rec := range records {
		if rec.Status != types.RecordPending || rec.ID == keep {
			continue
		}
		rec.Status = types.RecordCancelled
		rec.HandledAt = t.now
		if err := t.tx.UpdateRecord(t.ctx, rec); err != nil {
			return errors.Wrapf(err, "cancel record %d", rec.ID)
		}
		t.resolved = append(t.resolved, rec.CorrelationToken)
	}
	return nil
}

// HandleRecord applies an approver's decision to a legacy approval record.
// Only approve and reject are valid on records.
func (e *Engine) HandleRecord(ctx context.Context, recordID, actorID uint64, action, comment string) (*TransitionResult, error) {
	return e.handleRecord(ctx, recordID, actorID, action, comment, nil)
}

func (e *Engine) handleRecord(ctx context.Context, recordID, actorID uint64, action, comment string, annotate func(*types.Instance)) (*TransitionResult, error) {
	action, err := normalizeAction(action)
	if err != nil {
		return nil, err
	}
	if action != types.ActionApprove && action != types.ActionReject {
		return nil, errors.Wrapf(ErrInvalidAction, "records cannot %s", action)
	}
	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, errors.Wrapf(err, "record %d", recordID)
	}
	unlock, err := e.lockInstance(ctx, rec.InstanceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// record statuses share the action spelling
	status := types.RecordApprove
	if action == types.ActionReject {
		status = types.RecordReject
	}

	res := &TransitionResult{}
	_, err = e.runTx(ctx, func(t *txn) error {
		*res = TransitionResult{}
		inst, err := t.tx.GetInstance(ctx, rec.InstanceID)
		if err != nil {
			return errors.Wrapf(err, "instance %d", rec.InstanceID)
		}
		rec, err := t.tx.GetRecord(ctx, recordID)
		if err != nil {
			return errors.Wrapf(err, "record %d", recordID)
		}
		if rec.ApproverID != actorID {
			return errors.Wrapf(ErrNotAuthorized, "record %d belongs to another approver", recordID)
		}
		if rec.Status != types.RecordPending {
			if rec.Status == status {
				res.Instance, res.Record, res.Idempotent = inst, &rec, true
				return nil
			}
			return errors.Wrapf(ErrAlreadyHandled, "record %d is %s", recordID, rec.Status)
		}
		if !inst.Running() {
			return errors.Wrapf(ErrInstanceNotRunning, "instance %d is %s", inst.ID, inst.Status)
		}
		if annotate != nil {
			annotate(&inst)
		}

		rec.Status = status
		rec.Comment = comment
		rec.HandledAt = t.now
		if err := t.tx.UpdateRecord(ctx, rec); err != nil {
			return errors.Wrapf(err, "update record %d", rec.ID)
		}
		t.resolved = append(t.resolved, rec.CorrelationToken)
		res.Record = &rec
		t.publish(events.RecordHandled, inst, func(ev *events.Event) {
			ev.ActorID = actorID
			ev.Data = map[string]interface{}{"record_id": rec.ID, "step": rec.StepIndex, "action": action}
		})

		if action == types.ActionReject {
			if err := t.cancelRecords(inst.ID, 0); err != nil {
				return err
			}
			t.reject(&inst, actorID)
		} else {
			records, err := t.tx.ListRecords(ctx, inst.ID)
			if err != nil {
				return errors.Wrap(err, "list records")
			}
			if stepDone(records, rec.StepIndex) {
				wf, err := t.registry.LegacyWorkflow(ctx, inst.LegacyWorkflowID)
				if err != nil {
					return err
				}
				created, err := t.openStep(&inst, wf, rec.StepIndex+1)
				if err != nil {
					return err
				}
				res.CreatedRecords = created
			}
		}

		inst.UpdatedAt = t.now
		if err := t.tx.UpdateInstance(ctx, inst); err != nil {
			return errors.Wrap(err, "update instance")
		}
		res.Instance = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func stepDone(records []types.ApprovalRecord, step int) bool {
	for _, rec := range records {
		if rec.StepIndex == step && rec.Status == types.RecordPending {
			return false
		}
	}
	return true
}

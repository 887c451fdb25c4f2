// Package workflow drives approval instances: it starts them, dispatches
// tasks to assignees, applies their decisions and walks the definition graph.
package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/lock"
	"github.com/songzhibin97/approval-engine/registry"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/sink"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// EmptyAssigneePolicy decides what happens when an approval node resolves to nobody.
type EmptyAssigneePolicy int

const (
	// SkipEmpty passes through the node as if it were approved.
	SkipEmpty EmptyAssigneePolicy = iota
	// FailEmpty aborts the operation with ErrUnassignable.
	FailEmpty
)

// Registry is the part of registry.Registry the engine depends on.
type Registry interface {
	Resolve(ctx context.Context, moduleType types.ModuleType, payload map[string]interface{}) (registry.Resolution, error)
	Definition(ctx context.Context, id uint64) (types.Definition, error)
	LegacyWorkflow(ctx context.Context, id uint64) (types.LegacyWorkflow, error)
	Validate(def *types.Definition) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithStatusSink sets where module approval statuses are written.
func WithStatusSink(s sink.StatusSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.status = s
		}
	}
}

// WithNotificationSink sets where to-do notifications go.
func WithNotificationSink(s sink.NotificationSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.notifier = s
		}
	}
}

// WithLocker sets the per-module lock. The default is process local.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEmptyAssigneePolicy sets the behavior for approval nodes without assignees.
func WithEmptyAssigneePolicy(p EmptyAssigneePolicy) Option {
	return func(e *Engine) {
		e.emptyPolicy = p
	}
}

// WithEventBus replaces the engine's event bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithMatcher sets the route condition matcher.
func WithMatcher(m *rules.Matcher) Option {
	return func(e *Engine) {
		if m != nil {
			e.matcher = m
		}
	}
}

// Engine manages approval instances and their tasks.
type Engine struct {
	gen         generator.Generator
	store       storage.Storage
	registry    Registry
	dir         directory.Directory
	matcher     *rules.Matcher
	status      sink.StatusSink
	notifier    sink.NotificationSink
	locker      lock.Locker
	bus         *events.EventBus
	logger      logrus.FieldLogger
	emptyPolicy EmptyAssigneePolicy
	now         func() int64
}

// New creates an Engine. gen assigns instance, task and record IDs.
func New(gen generator.Generator, store storage.Storage, reg Registry, dir directory.Directory, opts ...Option) (*Engine, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if dir == nil {
		return nil, errors.New("directory is required")
	}

	e := &Engine{
		gen:      gen,
		store:    store,
		registry: reg,
		dir:      dir,
		matcher:  rules.NewMatcher(nil),
		status:   sink.NopStatus{},
		notifier: sink.NopNotifier{},
		locker:   lock.NewLocalLocker(),
		logger:   logrus.StandardLogger(),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = events.NewEventBus(events.WithLogger(e.logger))
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.bus.Subscribe(eventType, handler)
}

// Stop drains queued events.
func (e *Engine) Stop() {
	e.bus.Stop()
}

// GetInstance returns an instance by ID.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return types.Instance{}, errors.Wrapf(err, "instance %d", id)
	}
	return inst, nil
}

// ListTasks returns every task of an instance, oldest first.
func (e *Engine) ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return e.store.ListTasks(ctx, instanceID)
}

// PendingTasks returns the tasks waiting on assigneeID.
func (e *Engine) PendingTasks(ctx context.Context, assigneeID uint64) ([]types.Task, error) {
	return e.store.ListPendingTasks(ctx, assigneeID)
}

// ListRecords returns the legacy approval records of an instance.
func (e *Engine) ListRecords(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	return e.store.ListRecords(ctx, instanceID)
}

func (e *Engine) nextID() (uint64, error) {
	id, err := e.gen.NextID()
	if err != nil {
		return 0, errors.Wrap(err, "generate id")
	}
	return id, nil
}

// lockModule serializes operations on one business record.
func (e *Engine) lockModule(ctx context.Context, mt types.ModuleType, id uint64) (func(), error) {
	unlock, err := e.locker.Lock(ctx, types.ModuleKey(mt, id))
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", types.ModuleKey(mt, id))
	}
	return unlock, nil
}

// txn carries the state of one engine operation inside a storage transaction.
// Side effects are queued on it and flushed only after commit.
type txn struct {
	*Engine
	ctx context.Context
	tx  storage.Tx
	now int64

	statuses []statusUpdate
	notices  []sink.Notification
	resolved []string
	events   []events.Event
	// stuck is set when the operation parked the instance on a condition node.
	stuck error
}

type statusUpdate struct {
	moduleType types.ModuleType
	moduleID   uint64
	status     types.ModuleStatus
}

// runTx runs fn in a transaction and flushes its side effects after commit.
// fn sees a fresh txn on every attempt.
func (e *Engine) runTx(ctx context.Context, fn func(t *txn) error) (*txn, error) {
	var t *txn
	err := e.store.RunInTx(ctx, func(tx storage.Tx) error {
		t = &txn{Engine: e, ctx: ctx, tx: tx, now: e.now()}
		return fn(t)
	})
	if err != nil {
		return nil, err
	}
	t.flush(context.WithoutCancel(ctx))
	return t, t.stuck
}

func (t *txn) setStatus(inst types.Instance, status types.ModuleStatus) {
	t.statuses = append(t.statuses, statusUpdate{moduleType: inst.ModuleType, moduleID: inst.ModuleID, status: status})
}

func (t *txn) publish(typ string, inst types.Instance, fill func(*events.Event)) {
	ev := events.Event{
		Type:       typ,
		InstanceID: inst.ID,
		ModuleType: inst.ModuleType,
		ModuleID:   inst.ModuleID,
		NodeKey:    inst.CurrentNode,
		At:         t.now,
	}
	if fill != nil {
		fill(&ev)
	}
	t.events = append(t.events, ev)
}

// flush delivers committed side effects. Failures are logged and never
// undo the committed transition.
func (t *txn) flush(ctx context.Context) {
	for _, s := range t.statuses {
		if err := t.status.SetStatus(ctx, s.moduleType, s.moduleID, s.status); err != nil {
			t.logger.WithFields(logrus.Fields{
				"module_type": s.moduleType,
				"module_id":   s.moduleID,
				"status":      s.status,
			}).WithError(err).Error("write module status failed")
			t.emit(ctx, events.Event{
				Type: events.SinkFailed, ModuleType: s.moduleType, ModuleID: s.moduleID,
				Data: map[string]interface{}{"sink": "status", "error": err.Error()},
			})
		}
	}
	for _, token := range t.resolved {
		if err := t.notifier.Resolve(ctx, token); err != nil {
			t.logger.WithField("token", token).WithError(err).Warn("resolve notification failed")
		}
	}
	for _, n := range t.notices {
		if err := t.notifier.Notify(ctx, n); err != nil {
			t.logger.WithFields(logrus.Fields{
				"task_id":     n.TaskID,
				"record_id":   n.RecordID,
				"assignee_id": n.AssigneeID,
			}).WithError(err).Warn("send notification failed")
			t.emit(ctx, events.Event{
				Type: events.SinkFailed, InstanceID: n.InstanceID, ModuleType: n.ModuleType, ModuleID: n.ModuleID,
				TaskID: n.TaskID, Data: map[string]interface{}{"sink": "notification", "error": err.Error()},
			})
		}
	}
	for _, ev := range t.events {
		t.emit(ctx, ev)
	}
}

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	err := e.bus.Publish(ctx, ev)
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.WithFields(logrus.Fields{
			"event":       ev.Type,
			"instance_id": ev.InstanceID,
		}).WithError(err).Warn("publish event failed")
	}
}

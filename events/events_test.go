package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) got() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestEventBusDeliversInCommitOrder(t *testing.T) {
	eb := NewEventBus()
	rec := &recorder{}
	for _, typ := range []string{InstanceStarted, NodeEntered, TaskCreated, InstanceCompleted} {
		eb.Subscribe(typ, rec)
	}

	sequence := []Event{
		{Type: InstanceStarted, InstanceID: 7, ModuleType: types.ModuleContract, ModuleID: 42},
		{Type: NodeEntered, InstanceID: 7, NodeKey: "manager"},
		{Type: TaskCreated, InstanceID: 7, TaskID: 1, ActorID: 10},
		{Type: TaskCreated, InstanceID: 7, TaskID: 2, ActorID: 11},
		{Type: InstanceCompleted, InstanceID: 7},
	}
	for _, ev := range sequence {
		require.NoError(t, eb.Publish(context.Background(), ev))
	}
	eb.Stop()

	got := rec.got()
	require.Len(t, got, len(sequence))
	for i, ev := range got {
		assert.Equal(t, sequence[i].Type, ev.Type)
		assert.Equal(t, sequence[i].TaskID, ev.TaskID)
		assert.NotZero(t, ev.At)
	}
	assert.Equal(t, types.ModuleContract, got[0].ModuleType)
}

func TestEventBusKeepsGivenTimestamp(t *testing.T) {
	eb := NewEventBus()
	rec := &recorder{}
	eb.Subscribe(TaskHandled, rec)

	require.NoError(t, eb.Publish(context.Background(), Event{Type: TaskHandled, At: 1234}))
	eb.Stop()

	require.Len(t, rec.got(), 1)
	assert.Equal(t, int64(1234), rec.got()[0].At)
}

func TestEventBusPublishErrors(t *testing.T) {
	eb := NewEventBus()
	eb.Subscribe(InstanceStarted, &recorder{})

	err := eb.Publish(context.Background(), Event{Type: TransitionStuck})
	assert.True(t, errors.Is(err, ErrNoHandler))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(eb.Publish(ctx, Event{Type: InstanceStarted}), context.Canceled))

	eb.Stop()
	eb.Stop()
	assert.Equal(t, ErrBusClosed, eb.Publish(context.Background(), Event{Type: InstanceStarted}))
}

func TestEventBusQueueFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	eb := NewEventBus(WithBufferSize(1))
	eb.Subscribe(NodeEntered, EventHandlerFunc(func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}))

	require.NoError(t, eb.Publish(context.Background(), Event{Type: NodeEntered}))
	<-started
	require.NoError(t, eb.Publish(context.Background(), Event{Type: NodeEntered}))
	err := eb.Publish(context.Background(), Event{Type: NodeEntered, InstanceID: 3})
	assert.True(t, errors.Is(err, ErrChannelFull))

	close(block)
	eb.Stop()
}

func TestEventBusLogsHandlerFailures(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	eb := NewEventBus(WithLogger(logger))

	eb.Subscribe(InstanceRejected, EventHandlerFunc(func(ctx context.Context, event Event) error {
		return errors.New("todo service unavailable")
	}))
	eb.Subscribe(InstanceRejected, EventHandlerFunc(func(ctx context.Context, event Event) error {
		panic("boom")
	}))
	rec := &recorder{}
	eb.Subscribe(InstanceRejected, rec)

	require.NoError(t, eb.Publish(context.Background(), Event{Type: InstanceRejected, InstanceID: 9, ModuleID: 42}))
	eb.Stop()

	assert.Len(t, rec.got(), 1)
	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, logrus.ErrorLevel, entry.Level)
		assert.Equal(t, uint64(9), entry.Data["instance_id"])
		assert.Equal(t, uint64(42), entry.Data["module_id"])
	}
}

func TestEventBusHandlerTimeout(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	eb := NewEventBus(WithLogger(logger), WithHandlerTimeout(20*time.Millisecond))

	eb.Subscribe(SinkFailed, EventHandlerFunc(func(ctx context.Context, event Event) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, eb.Publish(context.Background(), Event{Type: SinkFailed}))
	eb.Stop()

	require.Len(t, hook.AllEntries(), 1)
	assert.True(t, errors.Is(hook.LastEntry().Data[logrus.ErrorKey].(error), context.DeadlineExceeded))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(InstanceCompleted))
	assert.True(t, Terminal(InstanceRejected))
	assert.True(t, Terminal(InstanceWithdrawn))
	assert.False(t, Terminal(InstanceStarted))
	assert.False(t, Terminal(TransitionStuck))
}

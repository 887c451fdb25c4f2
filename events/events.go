// Package events delivers committed approval state changes to observers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/songzhibin97/approval-engine/types"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event queue cannot take more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Approval lifecycle event types.
const (
	InstanceStarted   = "instance_started"
	InstanceReused    = "instance_reused"
	InstanceCompleted = "instance_completed"
	InstanceRejected  = "instance_rejected"
	InstanceWithdrawn = "instance_withdrawn"
	NodeEntered       = "node_entered"
	NodeSkipped       = "node_skipped"
	TaskCreated       = "task_created"
	TaskHandled       = "task_handled"
	TaskTransferred   = "task_transferred"
	RecordHandled     = "record_handled"
	TransitionStuck   = "transition_stuck"
	SinkFailed        = "sink_failed"
)

// Terminal reports whether typ ends an instance.
func Terminal(typ string) bool {
	return typ == InstanceCompleted || typ == InstanceRejected || typ == InstanceWithdrawn
}

// Event is a committed state change of an approval instance.
type Event struct {
	Type       string                 `json:"type"`
	InstanceID uint64                 `json:"instance_id"`
	ModuleType types.ModuleType       `json:"module_type"`
	ModuleID   uint64                 `json:"module_id"`
	NodeKey    string                 `json:"node_key,omitempty"`
	TaskID     uint64                 `json:"task_id,omitempty"`
	ActorID    uint64                 `json:"actor_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	At         int64                  `json:"at"`
}

// EventHandler reacts to one event.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus queues events and delivers them from a single goroutine, so a
// handler sees the events of an instance in commit order. The handlers of one
// event run concurrently.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler

	queue   chan Event
	stateMu sync.RWMutex
	closed  bool
	done    chan struct{}

	timeout time.Duration
	logger  logrus.FieldLogger
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithLogger sets the logger handler failures are reported to.
func WithLogger(logger logrus.FieldLogger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// WithHandlerTimeout bounds how long the handlers of one event may run.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.timeout = d
		}
	}
}

// NewEventBus starts a bus with a queue of 100 events and a 5 second handler timeout.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]EventHandler),
		queue:    make(chan Event, 100),
		done:     make(chan struct{}),
		timeout:  5 * time.Second,
		logger:   logrus.StandardLogger(),
	}
	for _, option := range options {
		option(eb)
	}

	go eb.run()
	return eb
}

// Subscribe adds handler for eventType.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

func (eb *EventBus) subscribers(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return append([]EventHandler(nil), eb.handlers[eventType]...)
}

// Publish queues event without blocking. It fails when ctx is done, the bus
// is stopped, nobody subscribed to the type or the queue is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.stateMu.RLock()
	defer eb.stateMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if len(eb.subscribers(event.Type)) == 0 {
		return errors.Wrap(ErrNoHandler, event.Type)
	}
	if event.At == 0 {
		event.At = time.Now().UnixMilli()
	}

	select {
	case eb.queue <- event:
		return nil
	default:
		return errors.Wrapf(ErrChannelFull, "dropping %s of instance %d", event.Type, event.InstanceID)
	}
}

// Stop delivers the queued events and stops the bus. It is safe to call twice.
func (eb *EventBus) Stop() {
	eb.stateMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.stateMu.Unlock()

	<-eb.done
}

func (eb *EventBus) run() {
	defer close(eb.done)
	for event := range eb.queue {
		if err := eb.deliver(event); err != nil {
			for _, e := range multierr.Errors(err) {
				eb.logger.WithFields(logrus.Fields{
					"event":       event.Type,
					"instance_id": event.InstanceID,
					"module_type": event.ModuleType,
					"module_id":   event.ModuleID,
				}).WithError(e).Error("event handler failed")
			}
		}
	}
}

// deliver runs the handlers of event and joins their errors.
func (eb *EventBus) deliver(event Event) error {
	handlers := eb.subscribers(event.Type)
	if len(handlers) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), eb.timeout)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, h := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := safeHandle(ctx, h, event); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return errs
}

func safeHandle(ctx context.Context, h EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

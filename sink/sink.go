// Package sink carries engine outcomes to the rest of the CRM: the status
// column of the business record and the assignee's to-do list.
package sink

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/approval-engine/types"
)

// StatusSink writes the approval status back to a business record.
// Implementations must be idempotent.
type StatusSink interface {
	SetStatus(ctx context.Context, moduleType types.ModuleType, moduleID uint64, status types.ModuleStatus) error
}

// NopStatus discards status updates.
type NopStatus struct{}

// SetStatus implements StatusSink.
func (NopStatus) SetStatus(context.Context, types.ModuleType, uint64, types.ModuleStatus) error {
	return nil
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(ctx context.Context, moduleType types.ModuleType, moduleID uint64, status types.ModuleStatus) error

// SetStatus implements StatusSink.
func (f StatusFunc) SetStatus(ctx context.Context, moduleType types.ModuleType, moduleID uint64, status types.ModuleStatus) error {
	return f(ctx, moduleType, moduleID, status)
}

// Notification asks an assignee to act on a task or legacy record. Token is
// the correlation token an external platform must echo back in its callback.
type Notification struct {
	Token       string           `json:"token"`
	AssigneeID  uint64           `json:"assignee_id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	InstanceID  uint64           `json:"instance_id"`
	TaskID      uint64           `json:"task_id,omitempty"`
	RecordID    uint64           `json:"record_id,omitempty"`
	ModuleType  types.ModuleType `json:"module_type"`
	ModuleID    uint64           `json:"module_id"`
}

// NotificationSink registers and closes actionable to-dos.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
	// Resolve closes the to-do registered under token. Unknown tokens are not an error.
	Resolve(ctx context.Context, token string) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// Notify implements NotificationSink.
func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// Resolve implements NotificationSink.
func (NopNotifier) Resolve(context.Context, string) error { return nil }

// Fanout forwards to several sinks concurrently and returns all their errors combined.
type Fanout []NotificationSink

// Notify implements NotificationSink.
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	return f.each(func(s NotificationSink) error { return s.Notify(ctx, n) })
}

// Resolve implements NotificationSink.
func (f Fanout) Resolve(ctx context.Context, token string) error {
	return f.each(func(s NotificationSink) error { return s.Resolve(ctx, token) })
}

func (f Fanout) each(fn func(NotificationSink) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, s := range f {
		s := s
		g.Go(func() error {
			if err := fn(s); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

package notification

import (
	"context"

	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// Task is one notification delivery. The notification ID is fixed before the first attempt so
// that retries write the same record.
type Task struct {
	Notification model.Notification
	deliver      func(ctx context.Context, n *model.Notification) error
}

// NewTask creates a task delivering n with deliver.
func NewTask(n model.Notification, deliver func(ctx context.Context, n *model.Notification) error) Task {
	return Task{Notification: n, deliver: deliver}
}

// Run makes one delivery attempt.
func (t Task) Run(ctx context.Context) error {
	return t.deliver(ctx, &t.Notification)
}

type queued struct {
	ctx  context.Context
	task Task
}

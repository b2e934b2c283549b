// Package notification delivers step-change, assignment, validation and SLA notifications off the
// transition path. Delivery persists one immutable record per notification and then fans the
// record out on the message broker.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/metrics"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// Store persists notification records.
type Store interface {
	Save(ctx context.Context, n *model.Notification) error
}

// ErrPublisherClosed is returned by publishers after Close.
var ErrPublisherClosed = errors.New("notification publisher closed")

// Publisher fans a persisted notification out to downstream channels.
type Publisher interface {
	Publish(ctx context.Context, n *model.Notification) error
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
	Retry     RetryPolicy
}

// StepChange describes a committed transition.
type StepChange struct {
	AlertID      uuid.UUID `json:"alertId"`
	FromStepName string    `json:"fromStepName"`
	ToStepName   string    `json:"toStepName"`
	UserID       string    `json:"userId"`
	OwnerID      string    `json:"ownerId,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	Deadline     time.Time `json:"deadline"`
	Assignee     string    `json:"assignee,omitempty"`
}

// ValidationFailure describes a transition rejected by business rules.
type ValidationFailure struct {
	AlertID      uuid.UUID `json:"alertId"`
	FromStepName string    `json:"fromStepName"`
	ToStepName   string    `json:"toStepName"`
	UserID       string    `json:"userId"`
	Errors       []string  `json:"errors"`
}

// SLAAlert describes a deadline that is approaching or has passed.
type SLAAlert struct {
	AlertID    uuid.UUID `json:"alertId"`
	Violation  bool      `json:"violation"`
	StepName   string    `json:"stepName"`
	Deadline   time.Time `json:"deadline"`
	Recipients []string  `json:"-"`
}

// Dispatcher runs notification tasks on a bounded worker pool. A full or stopped queue makes the
// caller run the task itself; tasks are never dropped. Failures never reach the caller.
type Dispatcher struct {
	store     Store
	publisher Publisher
	policy    RetryPolicy
	workers   int
	queue     chan queued
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to run the workers; until then tasks run on the
// caller.
func NewDispatcher(store Store, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	d := &Dispatcher{
		store:   store,
		policy:  cfg.Retry,
		workers: cfg.Workers,
		queue:   make(chan queued, cfg.QueueSize),
		logger:  logging.WithModule("notification"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if d.policy.Fallback == nil {
		d.policy.Fallback = d.logFallback
	}
	return d
}

// SetPublisher sets the optional broker publisher.
func (d *Dispatcher) SetPublisher(p Publisher) {
	d.publisher = p
}

// SetMetrics sets the metrics recorder.
func (d *Dispatcher) SetMetrics(m *metrics.Recorder) {
	d.metrics = m
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.logger.Info("notification dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
}

// Stop closes the queue and waits for queued tasks to drain, or for ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification dispatcher did not drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for q := range d.queue {
		d.execute(q.ctx, q.task)
	}
}

// Dispatch schedules the delivery of n. The ID and creation time are assigned when missing.
func (d *Dispatcher) Dispatch(ctx context.Context, n model.Notification) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	d.enqueue(context.WithoutCancel(ctx), NewTask(n, d.store.Save))
}

func (d *Dispatcher) enqueue(ctx context.Context, task Task) {
	d.mu.RLock()
	if d.started && !d.closed {
		select {
		case d.queue <- queued{ctx: ctx, task: task}:
			d.mu.RUnlock()
			return
		default:
		}
	}
	d.mu.RUnlock()

	d.metrics.NotificationRanSync()
	d.logger.DebugContext(ctx, "notification queue unavailable, delivering on caller",
		"notification_id", task.Notification.ID, "type", task.Notification.Type)
	d.execute(ctx, task)
}

func (d *Dispatcher) execute(ctx context.Context, task Task) {
	n := task.Notification
	err := d.policy.Run(ctx, task, func(err error, wait time.Duration) {
		d.metrics.NotificationRetried(string(n.Type))
		d.logger.WarnContext(ctx, "notification delivery failed, retrying",
			"notification_id", n.ID, "type", n.Type, "alert_id", n.AlertID, "retry_in", wait, "error", err)
	})
	if err != nil {
		d.metrics.NotificationFailed(string(n.Type))
		return
	}
	d.metrics.NotificationDelivered(string(n.Type))

	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, &n); err != nil {
		d.logger.WarnContext(ctx, "failed to publish notification",
			"notification_id", n.ID, "type", n.Type, "alert_id", n.AlertID, "error", err)
	}
}

func (d *Dispatcher) logFallback(ctx context.Context, task Task, err error) {
	n := task.Notification
	d.logger.ErrorContext(ctx, "notification delivery exhausted retries",
		"notification_id", n.ID,
		"type", n.Type,
		"alert_id", n.AlertID,
		"recipient", n.Recipient,
		"message", n.Message,
		"payload", string(n.Payload),
		"attempts", d.policy.MaxAttempts,
		"error", err)
}

// SendStepChangeNotifications schedules the STEP_CHANGE notification of a transition and, when an
// assignee was resolved, the ASSIGNMENT notification.
func (d *Dispatcher) SendStepChangeNotifications(ctx context.Context, change StepChange) {
	payload := d.payload(ctx, change)

	recipient := firstNonEmpty(change.Assignee, change.OwnerID, change.UserID)
	d.Dispatch(ctx, model.Notification{
		Type:      model.NotificationTypeStepChange,
		AlertID:   change.AlertID,
		Recipient: recipient,
		Message: fmt.Sprintf("Alert %s moved from %s to %s by %s after %s",
			change.AlertID, change.FromStepName, change.ToStepName, change.UserID,
			(time.Duration(change.DurationMs) * time.Millisecond).Round(time.Second)),
		Payload: payload,
	})

	if change.Assignee == "" {
		return
	}
	d.Dispatch(ctx, model.Notification{
		Type:      model.NotificationTypeAssignment,
		AlertID:   change.AlertID,
		Recipient: change.Assignee,
		Message: fmt.Sprintf("Alert %s has been assigned to you in step %s, due %s",
			change.AlertID, change.ToStepName, change.Deadline.Format(time.RFC3339)),
		Payload: payload,
	})
}

// SendValidationFailure schedules a VALIDATION_FAILURE notification for the acting user.
func (d *Dispatcher) SendValidationFailure(ctx context.Context, failure ValidationFailure) {
	d.Dispatch(ctx, model.Notification{
		Type:      model.NotificationTypeValidationFailure,
		AlertID:   failure.AlertID,
		Recipient: failure.UserID,
		Message: fmt.Sprintf("Moving alert %s from %s to %s was rejected: %s",
			failure.AlertID, failure.FromStepName, failure.ToStepName, strings.Join(failure.Errors, "; ")),
		Payload: d.payload(ctx, failure),
	})
}

// SendSLAAlert schedules one SLA notification per recipient.
func (d *Dispatcher) SendSLAAlert(ctx context.Context, alert SLAAlert) {
	notificationType := model.NotificationTypeSLAApproaching
	message := fmt.Sprintf("Alert %s is approaching its deadline in step %s (due %s)",
		alert.AlertID, alert.StepName, alert.Deadline.Format(time.RFC3339))
	if alert.Violation {
		notificationType = model.NotificationTypeSLAViolation
		message = fmt.Sprintf("Alert %s missed its deadline in step %s (due %s)",
			alert.AlertID, alert.StepName, alert.Deadline.Format(time.RFC3339))
	}

	payload := d.payload(ctx, alert)
	for _, recipient := range dedupe(alert.Recipients) {
		d.Dispatch(ctx, model.Notification{
			Type:      notificationType,
			AlertID:   alert.AlertID,
			Recipient: recipient,
			Message:   message,
			Payload:   payload,
		})
	}
}

func (d *Dispatcher) payload(ctx context.Context, v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to encode notification payload", "error", err)
		return nil
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

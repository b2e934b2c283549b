package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/metrics"
	"github.com/OpenNSW/caseflow/internal/notification"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
	"github.com/OpenNSW/caseflow/internal/workflow/service"
)

const (
	phaseApproach  = "approach"
	phaseViolation = "violation"

	actionOutcomeSuccess = "success"
	actionOutcomeFailed  = "failed"
)

// Transitioner moves an alert to another step.
type Transitioner interface {
	TransitionTo(ctx context.Context, req service.TransitionRequest) (*model.Alert, error)
}

// AlertNotifier sends SLA notifications.
type AlertNotifier interface {
	SendSLAAlert(ctx context.Context, alert notification.SLAAlert)
}

// MonitorConfig tunes the sweep.
type MonitorConfig struct {
	Schedule     string // cron spec, e.g. "@every 1m"
	Concurrency  int
	BatchSize    int
	SystemUserID string // acting user of automatic step changes
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned    int
	Approached int
	Violated   int
}

// Monitor periodically runs the onApproach and onViolation actions of alerts whose deadline is
// near or has passed. Each action runs at most once per step visit.
type Monitor struct {
	alerts       service.AlertRepository
	graph        service.GraphReader
	calc         *Calculator
	transitioner Transitioner
	notifier     AlertNotifier
	cfg          MonitorConfig
	metrics      *metrics.Recorder
	cron         *cron.Cron
	logger       *slog.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(
	alerts service.AlertRepository,
	graph service.GraphReader,
	calc *Calculator,
	transitioner Transitioner,
	notifier AlertNotifier,
	cfg MonitorConfig,
) *Monitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.SystemUserID == "" {
		cfg.SystemUserID = "system:sla"
	}
	return &Monitor{
		alerts:       alerts,
		graph:        graph,
		calc:         calc,
		transitioner: transitioner,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logging.WithModule("sla_monitor"),
	}
}

// SetMetrics sets the metrics recorder.
func (m *Monitor) SetMetrics(r *metrics.Recorder) {
	m.metrics = r
}

// Start schedules the sweep. Overlapping runs are skipped.
func (m *Monitor) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(m.cfg.Schedule); err != nil {
		return fmt.Errorf("invalid SLA sweep schedule %q: %w", m.cfg.Schedule, err)
	}

	logger := cron.VerbosePrintfLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug))
	m.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))
	if _, err := m.cron.AddFunc(m.cfg.Schedule, func() {
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.ErrorContext(ctx, "SLA sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule SLA sweep: %w", err)
	}
	m.cron.Start()
	m.logger.Info("SLA monitor started", "schedule", m.cfg.Schedule, "concurrency", m.cfg.Concurrency)
	return nil
}

// Stop stops scheduling and waits for a running sweep until ctx is done.
func (m *Monitor) Stop(ctx context.Context) {
	if m.cron == nil {
		return
	}
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep checks every alert due within the approach window once.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	now := m.calc.Now()
	alerts, err := m.alerts.ListOpenWithDeadline(ctx, now, now.Add(m.calc.ApproachWindow()), m.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}

	var approached, violated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i := range alerts {
		alert := alerts[i]
		g.Go(func() error {
			switch m.check(gctx, &alert) {
			case phaseApproach:
				approached.Add(1)
			case phaseViolation:
				violated.Add(1)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(alerts), Approached: int(approached.Load()), Violated: int(violated.Load())}
	if result.Approached > 0 || result.Violated > 0 {
		m.logger.InfoContext(ctx, "SLA sweep completed",
			"scanned", result.Scanned, "approached", result.Approached, "violated", result.Violated)
	}
	return result, nil
}

// check runs the action due for alert and returns the phase handled, or "".
func (m *Monitor) check(ctx context.Context, alert *model.Alert) string {
	if alert.DueDate == nil || alert.WorkflowID == nil {
		return ""
	}

	var phase string
	switch {
	case m.calc.HasSlaViolation(*alert.DueDate) && alert.SLAViolationHandledAt == nil:
		phase = phaseViolation
	case m.calc.IsApproachingSlaViolation(*alert.DueDate) && alert.SLAApproachNotifiedAt == nil:
		phase = phaseApproach
	default:
		return ""
	}

	step, err := m.currentStep(ctx, alert)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to load step of alert", "alert_id", alert.ID, "error", err)
		return ""
	}

	action := defaultAction(step, phase)
	if err := m.run(ctx, alert, step, phase, action); err != nil {
		m.metrics.SLAAction(phase, string(action.Type), actionOutcomeFailed)
		m.logger.WarnContext(ctx, "SLA action failed",
			"alert_id", alert.ID, "phase", phase, "action", action.Type, "error", err)
		if errors.Is(err, service.ErrConcurrencyConflict) {
			return ""
		}
	} else {
		m.metrics.SLAAction(phase, string(action.Type), actionOutcomeSuccess)
	}

	mark := service.SLAMarkApproach
	if phase == phaseViolation {
		mark = service.SLAMarkViolation
	}
	if err := m.alerts.MarkSLA(ctx, alert.ID, alert.Version, mark, m.calc.Now()); err != nil {
		m.logger.WarnContext(ctx, "failed to record SLA action", "alert_id", alert.ID, "phase", phase, "error", err)
	}
	return phase
}

func (m *Monitor) run(ctx context.Context, alert *model.Alert, step *model.WorkflowStep, phase string, action model.DeadlineAction) error {
	switch action.Type {
	case model.DeadlineActionAutoChangeStep:
		if action.TargetStepID == nil {
			return fmt.Errorf("deadline action %s has no target step", action.Type)
		}
		_, err := m.transitioner.TransitionTo(ctx, service.TransitionRequest{
			AlertID:       alert.ID,
			TargetStepID:  *action.TargetStepID,
			Reason:        "SLA " + phase,
			ReasonDetails: fmt.Sprintf("Deadline %s of step %s", alert.DueDate.Format(time.RFC3339), step.Name()),
			UserID:        m.cfg.SystemUserID,
		})
		return err
	default:
		recipients := append([]string{alert.OwnerID}, action.Recipients...)
		m.notifier.SendSLAAlert(ctx, notification.SLAAlert{
			AlertID:    alert.ID,
			Violation:  phase == phaseViolation,
			StepName:   step.Name(),
			Deadline:   *alert.DueDate,
			Recipients: recipients,
		})
		return nil
	}
}

func (m *Monitor) currentStep(ctx context.Context, alert *model.Alert) (*model.WorkflowStep, error) {
	if alert.CurrentStepID != nil {
		return m.graph.GetWorkflowStep(ctx, *alert.CurrentStepID)
	}
	return m.graph.DefaultStep(ctx, *alert.WorkflowID)
}

// defaultAction returns the configured action of the step, or an owner notification.
func defaultAction(step *model.WorkflowStep, phase string) model.DeadlineAction {
	if d := step.Deadline; d != nil {
		a := d.OnApproach
		if phase == phaseViolation {
			a = d.OnViolation
		}
		if a != nil {
			return *a
		}
	}
	return model.DeadlineAction{Type: model.DeadlineActionSendEmail}
}

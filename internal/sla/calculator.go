// Package sla computes step deadlines in business hours, classifies alerts against them and runs
// the configured actions when a deadline approaches or passes.
package sla

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

const (
	// DefaultApproachWindow is how long before its deadline an alert counts as approaching.
	DefaultApproachWindow = 4 * time.Hour
	fallbackDeadline      = 72 * time.Hour
)

// StepReader loads the workflow step an alert enters.
type StepReader interface {
	GetWorkflowStep(ctx context.Context, workflowStepID uuid.UUID) (*model.WorkflowStep, error)
}

// Calculator computes and classifies step deadlines.
type Calculator struct {
	steps    StepReader
	source   TableSource
	approach time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewCalculator creates a calculator. A non-positive approach window uses DefaultApproachWindow.
func NewCalculator(steps StepReader, source TableSource, approach time.Duration) *Calculator {
	if approach <= 0 {
		approach = DefaultApproachWindow
	}
	return &Calculator{
		steps:    steps,
		source:   source,
		approach: approach,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logging.WithModule("sla"),
	}
}

// SetClock replaces the time source.
func (c *Calculator) SetClock(now func() time.Time) {
	c.now = now
}

// Now returns the calculator's current time.
func (c *Calculator) Now() time.Time {
	return c.now()
}

// CalculateStepDeadline returns the due date of an alert of type alertTypeID entering the workflow
// step now. It never fails: when the configuration cannot be read the deadline is now+72h.
func (c *Calculator) CalculateStepDeadline(ctx context.Context, workflowStepID uuid.UUID, alertTypeID string) time.Time {
	now := c.now()
	tables, err := c.source.Tables()
	if err != nil {
		c.logger.WarnContext(ctx, "SLA configuration unavailable, using fallback deadline",
			"workflow_step_id", workflowStepID, "fallback", fallbackDeadline, "error", err)
		return now.Add(fallbackDeadline)
	}

	hours := c.stepHours(ctx, workflowStepID, *tables.BusinessHours)
	if hours == 0 {
		hours = tables.hoursFor(workflowStepID.String(), alertTypeID)
	}
	return AddBusinessHours(now, hours, *tables.BusinessHours, tables.Location())
}

// stepHours returns the hours of the step's own active deadline, or 0.
func (c *Calculator) stepHours(ctx context.Context, workflowStepID uuid.UUID, window BusinessHours) int {
	if c.steps == nil {
		return 0
	}
	ws, err := c.steps.GetWorkflowStep(ctx, workflowStepID)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to load workflow step deadline", "workflow_step_id", workflowStepID, "error", err)
		return 0
	}
	d := ws.Deadline
	if d == nil || !d.Active || d.Count <= 0 {
		return 0
	}
	if d.Measure == model.DeadlineMeasureDays {
		return d.Count * window.Length()
	}
	return d.Count
}

// AddBusinessHours advances from one hour at a time and returns the instant at which hours business
// hours have been counted. The result is in UTC.
func AddBusinessHours(from time.Time, hours int, window BusinessHours, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := from.In(loc)
	for counted := 0; counted < hours; {
		t = t.Add(time.Hour)
		if window.counts(t) {
			counted++
		}
	}
	return t.UTC()
}

// IsApproachingSlaViolation reports whether now lies in [deadline-window, deadline].
func (c *Calculator) IsApproachingSlaViolation(deadline time.Time) bool {
	now := c.now()
	return !now.Before(deadline.Add(-c.approach)) && !now.After(deadline)
}

// HasSlaViolation reports whether the deadline has passed.
func (c *Calculator) HasSlaViolation(deadline time.Time) bool {
	return c.now().After(deadline)
}

// Classify returns the SLA status of a deadline; a nil deadline has none.
func (c *Calculator) Classify(deadline *time.Time) model.SLAStatus {
	switch {
	case deadline == nil:
		return model.SLAStatusNone
	case c.HasSlaViolation(*deadline):
		return model.SLAStatusViolated
	case c.IsApproachingSlaViolation(*deadline):
		return model.SLAStatusApproaching
	default:
		return model.SLAStatusOnTrack
	}
}

// ApproachWindow returns the configured approach window.
func (c *Calculator) ApproachWindow() time.Duration {
	return c.approach
}

// StatusOf returns the SLA status view of an alert.
func (c *Calculator) StatusOf(alert *model.Alert) model.SLAStatusDTO {
	return model.SLAStatusDTO{
		AlertID:  alert.ID,
		DueDate:  alert.DueDate,
		Status:   c.Classify(alert.DueDate),
		StepName: alert.CurrentStepName,
	}
}

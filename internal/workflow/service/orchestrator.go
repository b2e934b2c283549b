package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/metrics"
	"github.com/OpenNSW/caseflow/internal/notification"
	"github.com/OpenNSW/caseflow/internal/tracing"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
	"github.com/OpenNSW/caseflow/internal/workflow/rules"
)

// DeadlineCalculator computes the due date of an alert entering a step. It never fails.
type DeadlineCalculator interface {
	CalculateStepDeadline(ctx context.Context, workflowStepID uuid.UUID, alertTypeID string) time.Time
}

// Notifier schedules notifications without blocking the caller.
type Notifier interface {
	SendStepChangeNotifications(ctx context.Context, change notification.StepChange)
	SendValidationFailure(ctx context.Context, failure notification.ValidationFailure)
}

// EvidenceCounter counts the attachments stored for an alert.
type EvidenceCounter interface {
	CountAttachments(ctx context.Context, alertID uuid.UUID) (int, error)
}

// TransitionRequest asks to move an alert to another step of its workflow.
type TransitionRequest struct {
	AlertID       uuid.UUID
	TargetStepID  uuid.UUID // WorkflowStep ID
	Reason        string
	ReasonDetails string
	UserID        string
}

// TransitionOrchestrator runs the transition pipeline: graph, permission, rules, assignment,
// deadline, compare-and-swap write, notifications.
type TransitionOrchestrator struct {
	alerts    AlertRepository
	graph     GraphReader
	gate      Permission
	rules     *RuleEngine
	assigner  Assigner
	deadlines DeadlineCalculator
	notifier  Notifier
	evidence  EvidenceCounter
	tracer    trace.Tracer
	metrics   *metrics.Recorder
	now       func() time.Time
	logger    *slog.Logger
}

// NewTransitionOrchestrator creates an orchestrator.
func NewTransitionOrchestrator(
	alerts AlertRepository,
	graph GraphReader,
	gate Permission,
	assigner Assigner,
	deadlines DeadlineCalculator,
	notifier Notifier,
) *TransitionOrchestrator {
	return &TransitionOrchestrator{
		alerts:    alerts,
		graph:     graph,
		gate:      gate,
		rules:     NewRuleEngine(graph),
		assigner:  assigner,
		deadlines: deadlines,
		notifier:  notifier,
		tracer:    tracing.NoopTracer(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logging.WithModule("orchestrator"),
	}
}

// SetEvidenceCounter sets the attachment counter used by the ATTACHMENTS_PRESENT rule. Without one
// the alert is treated as having no attachments.
func (o *TransitionOrchestrator) SetEvidenceCounter(c EvidenceCounter) {
	o.evidence = c
}

// SetTracer sets the tracer used for transition spans.
func (o *TransitionOrchestrator) SetTracer(t trace.Tracer) {
	if t != nil {
		o.tracer = t
	}
}

// SetMetrics sets the metrics recorder.
func (o *TransitionOrchestrator) SetMetrics(m *metrics.Recorder) {
	o.metrics = m
}

// SetClock replaces the time source.
func (o *TransitionOrchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// TransitionTo moves an alert along an edge of its workflow and returns the updated alert. The
// alert is written only when the edge exists, the permission gate allows it and every rule passes.
func (o *TransitionOrchestrator) TransitionTo(ctx context.Context, req TransitionRequest) (alert *model.Alert, err error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, o.tracer, "workflow.transition",
		attribute.String(tracing.AlertIDKey, req.AlertID.String()),
		attribute.String(tracing.TargetStepIDKey, req.TargetStepID.String()),
		attribute.String(tracing.UserIDKey, req.UserID),
	)
	defer func() {
		outcome := transitionOutcome(err)
		span.SetAttributes(attribute.String(tracing.OutcomeKey, outcome))
		if err != nil {
			tracing.SetError(span, err)
		}
		span.End()
		o.metrics.ObserveTransition(outcome, time.Since(started))
	}()

	// 1. Current state.
	alert, err = o.alerts.GetAlert(ctx, req.AlertID)
	if err != nil {
		return nil, err
	}
	if alert.WorkflowID == nil {
		return nil, &NoWorkflowAssignedError{AlertID: alert.ID}
	}
	workflowID := *alert.WorkflowID
	span.SetAttributes(attribute.String(tracing.WorkflowIDKey, workflowID.String()))

	sourceStepID, sourceStepName, err := o.currentStep(ctx, alert)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(tracing.SourceStepIDKey, sourceStepID.String()))

	// 2. Edge.
	transition, err := o.graph.FindTransition(ctx, workflowID, sourceStepID, req.TargetStepID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &InvalidTransitionError{WorkflowID: workflowID, SourceStepID: sourceStepID, TargetStepID: req.TargetStepID}
		}
		return nil, err
	}
	targetStepName := transition.TargetStep.Name()

	// 3. Permission.
	allowed, err := o.gate.HasTransitionPermission(ctx, req.UserID, alert.ID, sourceStepID, req.TargetStepID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &PermissionDeniedError{UserID: req.UserID, SourceStepID: sourceStepID, TargetStepID: req.TargetStepID}
	}

	// 4. Rules.
	snap, err := o.snapshot(ctx, alert, transition.Rules, req)
	if err != nil {
		return nil, err
	}
	result := o.rules.Validate(transition, snap)
	if !result.Valid {
		o.notifier.SendValidationFailure(ctx, notification.ValidationFailure{
			AlertID:      alert.ID,
			FromStepName: sourceStepName,
			ToStepName:   targetStepName,
			UserID:       req.UserID,
			Errors:       result.Errors,
		})
		return nil, &RuleValidationError{Errors: result.Errors}
	}

	// 5. Assignment, best effort.
	assignee, assigned := o.assigner.GetAssignedUser(ctx, req.TargetStepID, alert.OrgUnitID, alert.ID)

	// 6. Deadline.
	now := o.now()
	dueDate := o.deadlines.CalculateStepDeadline(ctx, req.TargetStepID, alert.AlertTypeID)

	// 7. Compare-and-swap write.
	change := StepChange{
		AlertID:         alert.ID,
		ExpectedVersion: alert.Version,
		StepID:          req.TargetStepID,
		StepName:        targetStepName,
		DueDate:         dueDate,
		Reason:          req.Reason,
		ReasonDetails:   req.ReasonDetails,
		EnteredAt:       now,
	}
	if assigned {
		change.OwnerID = &assignee
	}
	if err := o.alerts.ApplyStepChange(ctx, change); err != nil {
		return nil, err
	}

	enteredAt := alert.CreatedAt
	if alert.StepEnteredAt != nil {
		enteredAt = *alert.StepEnteredAt
	}

	updated := *alert
	updated.CurrentStepID = &req.TargetStepID
	updated.CurrentStepName = targetStepName
	updated.DueDate = &dueDate
	updated.StepEnteredAt = &now
	updated.Reason = req.Reason
	updated.ReasonDetails = req.ReasonDetails
	updated.SLAApproachNotifiedAt = nil
	updated.SLAViolationHandledAt = nil
	updated.Version = alert.Version + 1
	if assigned {
		updated.OwnerID = assignee
	}

	o.logger.InfoContext(ctx, "alert moved to new step",
		"alert_id", alert.ID,
		"from", sourceStepName,
		"to", targetStepName,
		"user_id", req.UserID,
		"assignee", assignee,
		"due_date", dueDate)

	// 8. Notifications, off the critical path.
	o.notifier.SendStepChangeNotifications(context.WithoutCancel(ctx), notification.StepChange{
		AlertID:      alert.ID,
		FromStepName: sourceStepName,
		ToStepName:   targetStepName,
		UserID:       req.UserID,
		OwnerID:      updated.OwnerID,
		DurationMs:   now.Sub(enteredAt).Milliseconds(),
		Deadline:     dueDate,
		Assignee:     assignee,
	})

	return &updated, nil
}

// AllowedTransitions lists the outgoing edges of the alert's current step that userID may take.
// Rules are not evaluated; they are checked when the transition is requested.
func (o *TransitionOrchestrator) AllowedTransitions(ctx context.Context, alertID uuid.UUID, userID string) ([]model.AllowedTransitionDTO, error) {
	alert, err := o.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.WorkflowID == nil {
		return nil, &NoWorkflowAssignedError{AlertID: alert.ID}
	}

	sourceStepID, _, err := o.currentStep(ctx, alert)
	if err != nil {
		return nil, err
	}

	transitions, err := o.graph.ListTransitionsFrom(ctx, *alert.WorkflowID, sourceStepID)
	if err != nil {
		return nil, err
	}

	allowed := make([]model.AllowedTransitionDTO, 0, len(transitions))
	for _, t := range transitions {
		ok, err := o.gate.HasTransitionPermission(ctx, userID, alert.ID, sourceStepID, t.TargetStepID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		reasons := t.Reasons
		if reasons == nil {
			reasons = []string{}
		}
		allowed = append(allowed, model.AllowedTransitionDTO{
			TransitionID:   t.ID,
			TargetStepID:   t.TargetStepID,
			TargetStepName: t.TargetStep.Name(),
			Reasons:        reasons,
		})
	}
	return allowed, nil
}

// currentStep returns the step the alert sits on; alerts that never moved sit on the default step.
func (o *TransitionOrchestrator) currentStep(ctx context.Context, alert *model.Alert) (uuid.UUID, string, error) {
	if alert.CurrentStepID != nil {
		return *alert.CurrentStepID, alert.CurrentStepName, nil
	}
	ws, err := o.graph.DefaultStep(ctx, *alert.WorkflowID)
	if err != nil {
		return uuid.Nil, "", err
	}
	return ws.ID, ws.Name(), nil
}

// snapshot builds the rule input. Attachment and note counts are only fetched when a rule needs them.
func (o *TransitionOrchestrator) snapshot(ctx context.Context, alert *model.Alert, set rules.Set, req TransitionRequest) (rules.Snapshot, error) {
	var attachments, notes int
	if set.Requires(rules.PredicateAttachmentsPresent) && o.evidence != nil {
		n, err := o.evidence.CountAttachments(ctx, alert.ID)
		if err != nil {
			return rules.Snapshot{}, err
		}
		attachments = n
	}
	if set.Requires(rules.PredicateNotesPresent) {
		n, err := o.alerts.CountNotes(ctx, alert.ID)
		if err != nil {
			return rules.Snapshot{}, err
		}
		notes = n
	}
	return NewSnapshot(alert, req.Reason, req.ReasonDetails, attachments, notes), nil
}

func transitionOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrInvalidTransition):
		return metrics.OutcomeInvalidTransition
	case errors.Is(err, ErrPermissionDenied):
		return metrics.OutcomePermissionDenied
	case errors.Is(err, ErrRuleValidationFailed):
		return metrics.OutcomeRuleFailed
	case errors.Is(err, ErrConcurrencyConflict):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}

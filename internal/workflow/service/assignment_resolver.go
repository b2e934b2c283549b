package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/policy"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// Assigner picks the owner of an alert entering a step.
type Assigner interface {
	GetAssignedUser(ctx context.Context, targetStepID uuid.UUID, orgUnitID *uuid.UUID, alertID uuid.UUID) (string, bool)
}

// TargetResolver turns a role or queue target into a concrete user.
type TargetResolver func(ctx context.Context, target policy.AssignTarget, alertID uuid.UUID) (string, bool)

// AssignmentResolver resolves owners from STEP_ASSIGNMENT policies, falling back to the entity
// mappings of the step.
type AssignmentResolver struct {
	policies  PolicySource
	resolvers map[policy.TargetKind]TargetResolver
	logger    *slog.Logger
}

// AssignmentOption configures an AssignmentResolver.
type AssignmentOption func(*AssignmentResolver)

// WithTargetResolver registers a resolver for role or queue targets.
func WithTargetResolver(kind policy.TargetKind, fn TargetResolver) AssignmentOption {
	return func(r *AssignmentResolver) {
		r.resolvers[kind] = fn
	}
}

// NewAssignmentResolver creates a resolver. Without registered target resolvers only user targets
// produce an assignee.
func NewAssignmentResolver(policies PolicySource, opts ...AssignmentOption) *AssignmentResolver {
	r := &AssignmentResolver{
		policies:  policies,
		resolvers: make(map[policy.TargetKind]TargetResolver),
		logger:    logging.WithModule("assignment_resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetAssignedUser returns the user the alert should be assigned to on entering targetStepID.
// The second result is false when no rule applies. Store failures are logged and treated as no
// assignment.
func (r *AssignmentResolver) GetAssignedUser(ctx context.Context, targetStepID uuid.UUID, orgUnitID *uuid.UUID, alertID uuid.UUID) (string, bool) {
	stepID := targetStepID.String()
	org := ""
	if orgUnitID != nil {
		org = orgUnitID.String()
	}

	docs, err := r.policies.Policies(ctx, model.PolicyTypeStepAssignment)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to load assignment policies", "alert_id", alertID, "error", err)
	} else if entry, ok := firstMatch(docs.Assignments, stepID, org); ok {
		return r.resolveTarget(ctx, entry.AssignTo, alertID)
	}

	mapped, err := r.policies.EntityAssignments(ctx, model.EntityTypeStep, stepID)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to load step policy mappings", "alert_id", alertID, "step_id", stepID, "error", err)
		return "", false
	}
	if entry, ok := firstMatch(mapped, "", org); ok {
		return r.resolveTarget(ctx, entry.AssignTo, alertID)
	}
	return "", false
}

func (r *AssignmentResolver) resolveTarget(ctx context.Context, target policy.AssignTarget, alertID uuid.UUID) (string, bool) {
	kind := target.Kind()
	if kind == policy.TargetUser {
		return target.UserID, true
	}
	if fn, ok := r.resolvers[kind]; ok {
		return fn(ctx, target, alertID)
	}
	r.logger.DebugContext(ctx, "no resolver for assignment target", "alert_id", alertID, "kind", kind)
	return "", false
}

// firstMatch returns the first entry applying to the step and org unit. An empty stepID skips the
// step criterion, as mapping entries are already keyed by step.
func firstMatch(entries []policy.AssignmentEntry, stepID, orgUnitID string) (policy.AssignmentEntry, bool) {
	for _, entry := range entries {
		if stepID == "" {
			entry.StepID = ""
		}
		if entry.Matches(stepID, orgUnitID) {
			return entry, true
		}
	}
	return policy.AssignmentEntry{}, false
}

package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/policy"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// PolicySource is the subset of the policy provider the gate and the resolver depend on.
type PolicySource interface {
	Policies(ctx context.Context, policyType model.PolicyType) (policy.Documents, error)
	EntityAssignments(ctx context.Context, entityType, entityID string) ([]policy.AssignmentEntry, error)
	IsOrgUnitActive(ctx context.Context, orgUnitID string) (bool, error)
	Principal(ctx context.Context, userID string) (policy.Principal, error)
	ScopeMatches(ctx context.Context, scope policy.Scope, principal policy.Principal) (bool, error)
}

// Permission decides whether a user may move an alert along an edge.
type Permission interface {
	HasTransitionPermission(ctx context.Context, userID string, alertID, currentStepID, targetStepID uuid.UUID) (bool, error)
}

// PermissionGate evaluates CHANGE_STEP grants and step permission policies.
//
// Evaluation order:
//  1. If any active alert/action permission names CHANGE_STEP, the user must match one of them.
//  2. A matching restrictedTransitions entry for the edge denies.
//  3. A matching allowedTransitions entry for the edge grants.
//  4. allowedTransitions entries for the edge that match someone else deny.
//  5. Otherwise the configured default applies.
//
// Policy entries that failed validation fail closed: a malformed grant still makes a grant
// required, a malformed restriction naming the edge denies everyone, and an unreadable step
// permission policy denies every edge.
type PermissionGate struct {
	policies     PolicySource
	defaultAllow bool
	logger       *slog.Logger
}

// NewPermissionGate creates a gate. defaultAllow is the answer when no policy expresses an opinion.
func NewPermissionGate(policies PolicySource, defaultAllow bool) *PermissionGate {
	return &PermissionGate{
		policies:     policies,
		defaultAllow: defaultAllow,
		logger:       logging.WithModule("permission_gate"),
	}
}

func (g *PermissionGate) HasTransitionPermission(ctx context.Context, userID string, alertID, currentStepID, targetStepID uuid.UUID) (bool, error) {
	principal, err := g.policies.Principal(ctx, userID)
	if err != nil {
		return false, err
	}

	granted, opinion, err := g.changeStepGranted(ctx, principal)
	if err != nil {
		return false, err
	}
	if opinion && !granted {
		g.logger.InfoContext(ctx, "transition denied: no CHANGE_STEP grant",
			"user_id", userID, "alert_id", alertID)
		return false, nil
	}

	allowed, opinion, err := g.edgeAllowed(ctx, principal, currentStepID.String(), targetStepID.String())
	if err != nil {
		return false, err
	}
	if opinion {
		if !allowed {
			g.logger.InfoContext(ctx, "transition denied by step permission",
				"user_id", userID, "alert_id", alertID, "from", currentStepID, "to", targetStepID)
		}
		return allowed, nil
	}

	g.logger.DebugContext(ctx, "no step permission applies, using default",
		"user_id", userID, "alert_id", alertID, "default_allow", g.defaultAllow)
	return g.defaultAllow, nil
}

// changeStepGranted reports whether the principal holds CHANGE_STEP. opinion is false when no
// active policy mentions the action at all.
func (g *PermissionGate) changeStepGranted(ctx context.Context, principal policy.Principal) (granted, opinion bool, err error) {
	for _, t := range []model.PolicyType{model.PolicyTypeAlertPermission, model.PolicyTypeActionPermission} {
		docs, err := g.policies.Policies(ctx, t)
		if err != nil {
			return false, false, err
		}
		if docs.MalformedGrants > 0 || docs.Unreadable > 0 {
			opinion = true
		}
		for _, entry := range docs.Permissions {
			if entry.Action != policy.ActionChangeStep {
				continue
			}
			opinion = true
			ok, err := g.policies.ScopeMatches(ctx, entry.Scope, principal)
			if err != nil {
				return false, false, err
			}
			if ok {
				return true, true, nil
			}
		}
	}
	return false, opinion, nil
}

func (g *PermissionGate) edgeAllowed(ctx context.Context, principal policy.Principal, from, to string) (allowed, opinion bool, err error) {
	docs, err := g.policies.Policies(ctx, model.PolicyTypeStepPermission)
	if err != nil {
		return false, false, err
	}

	if docs.Unreadable > 0 {
		g.logger.WarnContext(ctx, "unreadable step permission policy, denying", "from", from, "to", to)
		return false, true, nil
	}
	for _, entry := range docs.MalformedRestrictions {
		if entry.Matches(from, to) {
			g.logger.WarnContext(ctx, "malformed restriction names the edge, denying", "from", from, "to", to)
			return false, true, nil
		}
	}

	var granted, allowListed bool
	for _, entry := range docs.MalformedAllowed {
		if entry.Matches(from, to) {
			allowListed = true
		}
	}
	for _, doc := range docs.StepPermissions {
		for _, entry := range doc.RestrictedTransitions {
			if !entry.Matches(from, to) {
				continue
			}
			ok, err := g.policies.ScopeMatches(ctx, entry.Scope, principal)
			if err != nil {
				return false, false, err
			}
			if ok {
				return false, true, nil
			}
		}
		for _, entry := range doc.AllowedTransitions {
			if !entry.Matches(from, to) {
				continue
			}
			allowListed = true
			if granted {
				continue
			}
			ok, err := g.policies.ScopeMatches(ctx, entry.Scope, principal)
			if err != nil {
				return false, false, err
			}
			granted = ok
		}
	}

	if granted {
		return true, true, nil
	}
	if allowListed {
		return false, true, nil
	}
	return false, false, nil
}

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/cache"
	"github.com/OpenNSW/caseflow/internal/logging"
	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// Principal is the identity a policy entry is matched against.
type Principal struct {
	UserID    string   `json:"userId"`
	RoleIDs   []string `json:"roleIds,omitempty"`
	OrgUnitID string   `json:"orgUnitId,omitempty"`
}

// Documents is the decoded content of the active policies of one type, or of one entity mapping.
//
// Entries that fail their schema never grant anything. Permission entries are only counted, and
// step permission entries keep whatever edge could be decoded, so the gate can fail closed on them.
type Documents struct {
	Permissions     []PermissionEntry        `json:"permissions,omitempty"`
	StepPermissions []StepPermissionDocument `json:"stepPermissions,omitempty"`
	Assignments     []AssignmentEntry        `json:"assignments,omitempty"`

	MalformedGrants       int               `json:"malformedGrants,omitempty"`
	MalformedAllowed      []TransitionEntry `json:"malformedAllowed,omitempty"`
	MalformedRestrictions []TransitionEntry `json:"malformedRestrictions,omitempty"`
	// Unreadable counts policies whose condition could not be split into entries at all.
	Unreadable int `json:"unreadable,omitempty"`
}

// Caches holds the caches owned by a Provider. Nil members disable caching for that lookup.
type Caches struct {
	Documents  cache.Cache[Documents]
	OrgUnits   cache.Cache[bool]
	Principals cache.Cache[Principal]
}

// Provider serves decoded policy documents, org-unit activity and principals, through caches.
// Invalid entries are logged and kept apart from the valid ones of the same document.
type Provider struct {
	repo   Repository
	caches Caches
	logger *slog.Logger
}

// NewProvider creates a provider over repo.
func NewProvider(repo Repository, caches Caches) *Provider {
	if caches.Documents == nil {
		caches.Documents = cache.Nop[Documents]{}
	}
	if caches.OrgUnits == nil {
		caches.OrgUnits = cache.Nop[bool]{}
	}
	if caches.Principals == nil {
		caches.Principals = cache.Nop[Principal]{}
	}
	return &Provider{
		repo:   repo,
		caches: caches,
		logger: logging.WithModule("policy"),
	}
}

// Policies returns the decoded active policies of one type.
func (p *Provider) Policies(ctx context.Context, policyType model.PolicyType) (Documents, error) {
	key := "policies:" + string(policyType)
	if docs, ok := p.caches.Documents.Get(ctx, key); ok {
		return docs, nil
	}

	policies, err := p.repo.ListActive(ctx, policyType)
	if err != nil {
		return Documents{}, err
	}

	var docs Documents
	for _, pol := range policies {
		rejected, err := docs.add(policyType, pol.Condition)
		if err != nil {
			docs.Unreadable++
			p.logger.WarnContext(ctx, "policy condition is unreadable", "policy_id", pol.ID, "type", policyType, "error", err)
			continue
		}
		if rejected != nil {
			p.logger.WarnContext(ctx, "policy has invalid entries", "policy_id", pol.ID, "type", policyType, "error", rejected)
		}
	}

	p.caches.Documents.Set(ctx, key, docs)
	return docs, nil
}

// add merges one condition into d. rejected describes the entries that failed their schema; err
// means the condition as a whole could not be read.
func (d *Documents) add(policyType model.PolicyType, condition json.RawMessage) (rejected, err error) {
	switch policyType {
	case model.PolicyTypeAlertPermission, model.PolicyTypeActionPermission:
		entries, bad, err := splitEntries[PermissionEntry](condition, "permissions", permissionEntry)
		if err != nil {
			return nil, err
		}
		d.Permissions = append(d.Permissions, entries...)
		for _, r := range bad {
			if r.Entry.Action == "" || r.Entry.Action == ActionChangeStep {
				d.MalformedGrants++
			}
		}
		return rejectionErrors(bad), nil
	case model.PolicyTypeStepPermission:
		allowed, badAllowed, err := splitEntries[TransitionEntry](condition, "allowedTransitions", transitionEntry)
		if err != nil {
			return nil, err
		}
		restricted, badRestricted, err := splitEntries[TransitionEntry](condition, "restrictedTransitions", transitionEntry)
		if err != nil {
			return nil, err
		}
		d.StepPermissions = append(d.StepPermissions, StepPermissionDocument{
			AllowedTransitions:    allowed,
			RestrictedTransitions: restricted,
		})
		for _, r := range badAllowed {
			d.MalformedAllowed = append(d.MalformedAllowed, r.Entry)
		}
		for _, r := range badRestricted {
			d.MalformedRestrictions = append(d.MalformedRestrictions, r.Entry)
		}
		return errors.Join(rejectionErrors(badAllowed), rejectionErrors(badRestricted)), nil
	case model.PolicyTypeStepAssignment:
		entries, bad, err := splitEntries[AssignmentEntry](condition, "assignments", assignmentEntry)
		if err != nil {
			return nil, err
		}
		d.Assignments = append(d.Assignments, entries...)
		return rejectionErrors(bad), nil
	default:
		return nil, fmt.Errorf("unknown policy type %q", policyType)
	}
}

// EntityAssignments returns the assignment entries mapped to an entity.
func (p *Provider) EntityAssignments(ctx context.Context, entityType, entityID string) ([]AssignmentEntry, error) {
	key := "mapping:" + entityType + ":" + entityID
	if docs, ok := p.caches.Documents.Get(ctx, key); ok {
		return docs.Assignments, nil
	}

	mappings, err := p.repo.ListEntityMappings(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	var docs Documents
	for _, m := range mappings {
		if err := ValidateEntityAssignment(m.Condition); err != nil {
			p.logger.WarnContext(ctx, "skipping invalid policy mapping", "mapping_id", m.ID, "error", err)
			continue
		}
		entry, err := Decode[AssignmentEntry](m.Condition)
		if err != nil {
			p.logger.WarnContext(ctx, "skipping undecodable policy mapping", "mapping_id", m.ID, "error", err)
			continue
		}
		docs.Assignments = append(docs.Assignments, entry)
	}

	p.caches.Documents.Set(ctx, key, docs)
	return docs.Assignments, nil
}

// IsOrgUnitActive reports whether the org unit exists and is active. Malformed IDs are inactive.
func (p *Provider) IsOrgUnitActive(ctx context.Context, orgUnitID string) (bool, error) {
	id, err := uuid.Parse(orgUnitID)
	if err != nil {
		return false, nil
	}

	key := "orgunit:" + id.String()
	if active, ok := p.caches.OrgUnits.Get(ctx, key); ok {
		return active, nil
	}

	active, err := p.repo.IsOrgUnitActive(ctx, id)
	if err != nil {
		return false, err
	}
	p.caches.OrgUnits.Set(ctx, key, active)
	return active, nil
}

// Principal returns the roles and org unit of a user. Unknown users get a principal with neither.
func (p *Provider) Principal(ctx context.Context, userID string) (Principal, error) {
	key := "principal:" + userID
	if principal, ok := p.caches.Principals.Get(ctx, key); ok {
		return principal, nil
	}

	principal := Principal{UserID: userID}
	user, err := p.repo.GetUser(ctx, userID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		p.logger.DebugContext(ctx, "no principal record for user", "user_id", userID)
	case err != nil:
		return Principal{}, err
	default:
		principal.RoleIDs = user.RoleIDs
		if user.OrgUnitID != nil {
			principal.OrgUnitID = user.OrgUnitID.String()
		}
	}

	p.caches.Principals.Set(ctx, key, principal)
	return principal, nil
}

// ScopeMatches reports whether a scoped entry applies to the principal. An unrestricted scope
// applies to everyone; an org-unit restriction requires membership of an active unit.
func (p *Provider) ScopeMatches(ctx context.Context, scope Scope, principal Principal) (bool, error) {
	if scope.Unrestricted() {
		return true, nil
	}
	if scope.UserID != "" && scope.UserID != principal.UserID {
		return false, nil
	}
	if scope.RoleID != "" && !slices.Contains(principal.RoleIDs, scope.RoleID) {
		return false, nil
	}
	if scope.OrgUnitID != "" {
		if scope.OrgUnitID != principal.OrgUnitID {
			return false, nil
		}
		return p.IsOrgUnitActive(ctx, scope.OrgUnitID)
	}
	return true, nil
}

// Invalidate drops every cached entry, e.g. after policies were edited.
func (p *Provider) Invalidate(ctx context.Context) {
	p.caches.Documents.Purge(ctx)
	p.caches.OrgUnits.Purge(ctx)
	p.caches.Principals.Purge(ctx)
}

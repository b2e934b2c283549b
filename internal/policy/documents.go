// Package policy reads externally authored policy documents and exposes them, typed and cached,
// to the permission gate and the assignment resolver.
package policy

import (
	"encoding/json"
	"fmt"
)

// ActionChangeStep is the permission action that allows moving an alert between steps.
const ActionChangeStep = "CHANGE_STEP"

// Scope restricts an entry to a user, a role and/or an org unit. An empty scope applies to everyone.
type Scope struct {
	UserID    string `json:"userId,omitempty"`
	RoleID    string `json:"roleId,omitempty"`
	OrgUnitID string `json:"orgUnitId,omitempty"`
}

// Unrestricted reports whether the scope names no user, role or org unit.
func (s Scope) Unrestricted() bool {
	return s.UserID == "" && s.RoleID == "" && s.OrgUnitID == ""
}

// PermissionEntry grants an action, as found in ALERT_PERMISSION and ACTION_PERMISSION documents.
type PermissionEntry struct {
	Scope
	Action string `json:"action"`
}

// PermissionDocument is the condition of an ALERT_PERMISSION or ACTION_PERMISSION policy.
//
//	{"permissions": [{"action": "CHANGE_STEP", "roleId": "aml-analyst"}]}
type PermissionDocument struct {
	Permissions []PermissionEntry `json:"permissions"`
}

// TransitionEntry names an edge, optionally restricted to a scope.
type TransitionEntry struct {
	Scope
	FromStepID string `json:"fromStepId"`
	ToStepID   string `json:"toStepId"`
}

// Matches reports whether the entry names the edge from -> to.
func (e TransitionEntry) Matches(from, to string) bool {
	return e.FromStepID == from && e.ToStepID == to
}

// StepPermissionDocument is the condition of a STEP_PERMISSION policy.
//
//	{
//	  "allowedTransitions":    [{"fromStepId": "...", "toStepId": "...", "roleId": "aml-analyst"}],
//	  "restrictedTransitions": [{"fromStepId": "...", "toStepId": "...", "userId": "u-42"}]
//	}
type StepPermissionDocument struct {
	AllowedTransitions    []TransitionEntry `json:"allowedTransitions,omitempty"`
	RestrictedTransitions []TransitionEntry `json:"restrictedTransitions,omitempty"`
}

// TargetKind is the variant of an assignment target.
type TargetKind string

const (
	TargetUser  TargetKind = "USER"
	TargetRole  TargetKind = "ROLE"
	TargetQueue TargetKind = "QUEUE"
)

// AssignTarget is who an assignment entry hands the alert to. Exactly one ID is expected.
type AssignTarget struct {
	UserID  string `json:"userId,omitempty"`
	RoleID  string `json:"roleId,omitempty"`
	QueueID string `json:"queueId,omitempty"`
}

// Kind returns the target variant; a user ID wins over a role, a role over a queue.
func (t AssignTarget) Kind() TargetKind {
	switch {
	case t.UserID != "":
		return TargetUser
	case t.RoleID != "":
		return TargetRole
	case t.QueueID != "":
		return TargetQueue
	}
	return ""
}

// AssignmentEntry routes alerts entering StepID (and, if set, belonging to OrgUnitID) to AssignTo.
type AssignmentEntry struct {
	StepID    string       `json:"stepId,omitempty"`
	OrgUnitID string       `json:"orgUnitId,omitempty"`
	AssignTo  AssignTarget `json:"assignTo"`
}

// Matches reports whether the entry applies to the step and org unit. Unset criteria match anything.
func (e AssignmentEntry) Matches(stepID, orgUnitID string) bool {
	if e.StepID != "" && e.StepID != stepID {
		return false
	}
	if e.OrgUnitID != "" && e.OrgUnitID != orgUnitID {
		return false
	}
	return true
}

// AssignmentDocument is the condition of a STEP_ASSIGNMENT policy.
type AssignmentDocument struct {
	Assignments []AssignmentEntry `json:"assignments"`
}

// Decode unmarshals a stored condition into one of the document types.
func Decode[T any](raw json.RawMessage) (T, error) {
	var doc T
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("failed to decode policy condition: %w", err)
	}
	return doc, nil
}

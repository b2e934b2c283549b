package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors of the transition engine. Typed errors below wrap them so callers can use
// errors.Is for classification and errors.As for details.
var (
	ErrNotFound             = errors.New("not found")
	ErrEntityNotFound       = errors.New("entity not found")
	ErrNoWorkflowAssigned   = errors.New("no workflow assigned")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrRuleValidationFailed = errors.New("rule validation failed")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrInvalidGraph         = errors.New("invalid workflow graph")
)

// AppError is implemented by every typed engine error.
type AppError interface {
	error
	HTTPStatus() int
	Code() string
}

// NotFoundError reports a missing workflow, step, transition or alert.
type NotFoundError struct {
	Resource string
	ID       string
	entity   bool
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s '%s' not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() []error {
	if e.entity {
		return []error{ErrEntityNotFound, ErrNotFound}
	}
	return []error{ErrNotFound}
}

func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

func (e *NotFoundError) Code() string {
	if e.entity {
		return "ENTITY_NOT_FOUND"
	}
	return "NOT_FOUND"
}

func newNotFound(resource string, id any) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: fmt.Sprint(id)}
}

// NewEntityNotFound reports a missing alert.
func NewEntityNotFound(alertID uuid.UUID) *NotFoundError {
	return &NotFoundError{Resource: "alert", ID: alertID.String(), entity: true}
}

// NoWorkflowAssignedError reports an alert that is not attached to any workflow.
type NoWorkflowAssignedError struct {
	AlertID uuid.UUID
}

func (e *NoWorkflowAssignedError) Error() string {
	return fmt.Sprintf("alert '%s' has no workflow assigned", e.AlertID)
}

func (e *NoWorkflowAssignedError) Unwrap() error   { return ErrNoWorkflowAssigned }
func (e *NoWorkflowAssignedError) HTTPStatus() int { return http.StatusConflict }
func (e *NoWorkflowAssignedError) Code() string    { return "NO_WORKFLOW_ASSIGNED" }

// InvalidTransitionError reports a request for an edge that is not in the workflow graph.
type InvalidTransitionError struct {
	WorkflowID   uuid.UUID
	SourceStepID uuid.UUID
	TargetStepID uuid.UUID
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition from step '%s' to step '%s' in workflow '%s'", e.SourceStepID, e.TargetStepID, e.WorkflowID)
}

func (e *InvalidTransitionError) Unwrap() error   { return ErrInvalidTransition }
func (e *InvalidTransitionError) HTTPStatus() int { return http.StatusConflict }
func (e *InvalidTransitionError) Code() string    { return "INVALID_TRANSITION" }

// PermissionDeniedError reports that the permission gate refused the transition.
type PermissionDeniedError struct {
	UserID       string
	SourceStepID uuid.UUID
	TargetStepID uuid.UUID
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user '%s' may not move alerts from step '%s' to step '%s'", e.UserID, e.SourceStepID, e.TargetStepID)
}

func (e *PermissionDeniedError) Unwrap() error   { return ErrPermissionDenied }
func (e *PermissionDeniedError) HTTPStatus() int { return http.StatusForbidden }
func (e *PermissionDeniedError) Code() string    { return "PERMISSION_DENIED" }

// RuleValidationError carries every failing rule message.
type RuleValidationError struct {
	Errors []string
}

func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("rule validation failed: %s", strings.Join(e.Errors, "; "))
}

func (e *RuleValidationError) Unwrap() error   { return ErrRuleValidationFailed }
func (e *RuleValidationError) HTTPStatus() int { return http.StatusUnprocessableEntity }
func (e *RuleValidationError) Code() string    { return "RULE_VALIDATION_FAILED" }

// ConcurrencyConflictError reports that the alert changed between read and write. Callers should
// re-read the alert and retry the whole operation.
type ConcurrencyConflictError struct {
	AlertID         uuid.UUID
	ExpectedVersion int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("alert '%s' was modified concurrently (expected version %d)", e.AlertID, e.ExpectedVersion)
}

func (e *ConcurrencyConflictError) Unwrap() error   { return ErrConcurrencyConflict }
func (e *ConcurrencyConflictError) HTTPStatus() int { return http.StatusConflict }
func (e *ConcurrencyConflictError) Code() string    { return "CONCURRENCY_CONFLICT" }

// GraphError reports an authoring request that would break a workflow graph invariant.
type GraphError struct {
	Reason string
}

func (e *GraphError) Error() string   { return "invalid workflow graph: " + e.Reason }
func (e *GraphError) Unwrap() error   { return ErrInvalidGraph }
func (e *GraphError) HTTPStatus() int { return http.StatusBadRequest }
func (e *GraphError) Code() string    { return "INVALID_GRAPH" }

// IsNotFound reports whether err is any not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// RuleErrors returns the rule messages carried by err, if any.
func RuleErrors(err error) []string {
	var rve *RuleValidationError
	if errors.As(err, &rve) {
		return rve.Errors
	}
	return nil
}

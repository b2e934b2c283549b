package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/workflow/model"
	"github.com/OpenNSW/caseflow/internal/workflow/rules"
)

// ValidationResult is the outcome of evaluating the rules of a transition.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// RuleEngine evaluates the business-rule prerequisites attached to transitions.
type RuleEngine struct {
	graph GraphReader
}

// NewRuleEngine creates a rule engine reading transitions from graph.
func NewRuleEngine(graph GraphReader) *RuleEngine {
	return &RuleEngine{graph: graph}
}

// ValidateTransitionRules locates the edge and evaluates its rules against snap. A missing edge is
// reported as an invalid result, not as an error.
func (e *RuleEngine) ValidateTransitionRules(ctx context.Context, workflowID, currentStepID, targetStepID uuid.UUID, snap rules.Snapshot) (ValidationResult, error) {
	transition, err := e.graph.FindTransition(ctx, workflowID, currentStepID, targetStepID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ValidationResult{
				Errors: []string{fmt.Sprintf("No such transition from step %s to step %s", currentStepID, targetStepID)},
			}, nil
		}
		return ValidationResult{}, err
	}
	return e.Validate(transition, snap), nil
}

// Validate evaluates every rule of an already loaded transition and accumulates all failures.
func (e *RuleEngine) Validate(transition *model.WorkflowTransition, snap rules.Snapshot) ValidationResult {
	failures := transition.Rules.Evaluate(snap)
	if !transition.AllowsReason(snap.Reason) {
		failures = append(failures, fmt.Sprintf("Reason %q is not allowed, expected one of: %s",
			snap.Reason, strings.Join(transition.Reasons, ", ")))
	}
	return ValidationResult{Valid: len(failures) == 0, Errors: failures}
}

// NewSnapshot builds the rule view of an alert. Attachment and note counts are supplied by the caller.
func NewSnapshot(alert *model.Alert, reason, reasonDetails string, attachments, notes int) rules.Snapshot {
	done, total := alert.ChecklistProgress()
	return rules.Snapshot{
		OwnerID:            alert.OwnerID,
		Reason:             reason,
		ReasonDetails:      reasonDetails,
		CustomerName:       alert.CustomerName,
		Status:             alert.Status,
		Priority:           alert.Priority,
		Score:              alert.Score,
		ChecklistTotal:     total,
		ChecklistCompleted: done,
		Attachments:        attachments,
		Notes:              notes,
		Extra:              alert.Attributes,
	}
}

package model

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/workflow/rules"
)

// Workflow is an organization-defined graph of steps that alerts move through.
type Workflow struct {
	BaseModel
	AuditFields
	Name        string `gorm:"type:varchar(255);column:name;not null;uniqueIndex" json:"name"` // Human-readable workflow name, e.g. "AML-Review"
	Description string `gorm:"type:text;column:description" json:"description,omitempty"`

	Steps       []WorkflowStep       `gorm:"foreignKey:WorkflowID;references:ID" json:"steps,omitempty"`
	Transitions []WorkflowTransition `gorm:"foreignKey:WorkflowID;references:ID" json:"transitions,omitempty"`
}

func (w *Workflow) TableName() string {
	return "workflows"
}

// Step is a reusable, workflow-agnostic activity such as "Initial Review".
type Step struct {
	BaseModel
	AuditFields
	Name          string   `gorm:"type:varchar(255);column:name;not null" json:"name"`
	Description   string   `gorm:"type:text;column:description" json:"description,omitempty"`
	ChecklistRefs []string `gorm:"type:jsonb;column:checklist_refs;serializer:json" json:"checklistRefs,omitempty"` // Checklist template references shown while in this step
}

func (s *Step) TableName() string {
	return "steps"
}

// DeadlineMeasure is the unit of a DeadlineConfig count.
type DeadlineMeasure string

const (
	DeadlineMeasureHours DeadlineMeasure = "HOURS"
	DeadlineMeasureDays  DeadlineMeasure = "DAYS"
)

// DeadlineActionType names what happens when a step deadline approaches or passes.
type DeadlineActionType string

const (
	DeadlineActionAutoChangeStep DeadlineActionType = "AUTO_CHANGE_STEP"
	DeadlineActionSendEmail      DeadlineActionType = "SEND_EMAIL"
)

// DeadlineAction is the action configured for the approach or violation of a step deadline.
type DeadlineAction struct {
	Type         DeadlineActionType `json:"type"`
	TargetStepID *uuid.UUID         `json:"targetStepId,omitempty"` // Destination WorkflowStep for AUTO_CHANGE_STEP
	Recipients   []string           `json:"recipients,omitempty"`   // Extra recipients for SEND_EMAIL; the owner is always included
}

// Validate checks that the action carries what its type needs.
func (a *DeadlineAction) Validate() error {
	switch a.Type {
	case DeadlineActionAutoChangeStep:
		if a.TargetStepID == nil {
			return fmt.Errorf("deadline action %s requires targetStepId", a.Type)
		}
	case DeadlineActionSendEmail:
	default:
		return fmt.Errorf("unknown deadline action type %q", a.Type)
	}
	return nil
}

// DeadlineConfig is the per-step SLA override carried by a WorkflowStep.
type DeadlineConfig struct {
	Active      bool            `json:"active"`
	Count       int             `json:"count"`
	Measure     DeadlineMeasure `json:"measure"`
	OnApproach  *DeadlineAction `json:"onApproach,omitempty"`
	OnViolation *DeadlineAction `json:"onViolation,omitempty"`
}

// Validate checks the deadline configuration for consistency.
func (d *DeadlineConfig) Validate() error {
	if d.Count < 0 {
		return fmt.Errorf("deadline count must not be negative")
	}
	if d.Active && d.Count == 0 {
		return fmt.Errorf("active deadline requires a positive count")
	}
	switch d.Measure {
	case DeadlineMeasureHours, DeadlineMeasureDays:
	case "":
		if d.Active {
			return fmt.Errorf("active deadline requires a measure")
		}
	default:
		return fmt.Errorf("unknown deadline measure %q", d.Measure)
	}
	for _, a := range []*DeadlineAction{d.OnApproach, d.OnViolation} {
		if a == nil {
			continue
		}
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// WorkflowStep places a Step inside exactly one Workflow.
type WorkflowStep struct {
	BaseModel
	WorkflowID uuid.UUID       `gorm:"type:uuid;column:workflow_id;not null;index;index:idx_workflow_default_step,unique,where:is_default = true" json:"workflowId"`
	StepID     uuid.UUID       `gorm:"type:uuid;column:step_id;not null" json:"stepId"`
	IsDefault  bool            `gorm:"type:boolean;column:is_default;not null;default:false" json:"isDefault"` // Entry point of the workflow; at most one per workflow
	Position   int             `gorm:"type:integer;column:position;not null;default:0" json:"position"`
	Deadline   *DeadlineConfig `gorm:"type:jsonb;column:deadline;serializer:json" json:"deadline,omitempty"`

	Step Step `gorm:"foreignKey:StepID;references:ID" json:"step"`
}

func (ws *WorkflowStep) TableName() string {
	return "workflow_steps"
}

// Name returns the display name of the underlying step.
func (ws *WorkflowStep) Name() string {
	return ws.Step.Name
}

// WorkflowTransition is a directed edge between two WorkflowSteps of the same workflow.
type WorkflowTransition struct {
	BaseModel
	AuditFields
	WorkflowID   uuid.UUID `gorm:"type:uuid;column:workflow_id;not null;uniqueIndex:idx_workflow_transition_edge" json:"workflowId"`
	SourceStepID uuid.UUID `gorm:"type:uuid;column:source_step_id;not null;uniqueIndex:idx_workflow_transition_edge" json:"sourceStepId"`
	TargetStepID uuid.UUID `gorm:"type:uuid;column:target_step_id;not null;uniqueIndex:idx_workflow_transition_edge" json:"targetStepId"`
	Name         string    `gorm:"type:varchar(255);column:name" json:"name,omitempty"`
	Reasons      []string  `gorm:"type:jsonb;column:reasons;serializer:json" json:"reasons"` // Ordered allowed reasons; empty means any reason
	Rules        rules.Set `gorm:"type:jsonb;column:rules;serializer:json" json:"rules"`     // Prerequisite condition documents, parsed on load

	SourceStep WorkflowStep `gorm:"foreignKey:SourceStepID;references:ID" json:"-"`
	TargetStep WorkflowStep `gorm:"foreignKey:TargetStepID;references:ID" json:"-"`
}

func (wt *WorkflowTransition) TableName() string {
	return "workflow_transitions"
}

// AllowsReason reports whether reason may be used with this transition.
func (wt *WorkflowTransition) AllowsReason(reason string) bool {
	if len(wt.Reasons) == 0 {
		return true
	}
	for _, r := range wt.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

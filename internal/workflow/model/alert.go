package model

import (
	"time"

	"github.com/google/uuid"
)

// ChecklistItem is one entry of the investigation checklist attached to an alert.
type ChecklistItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Done  bool   `json:"done"`
}

// Alert is a case or alert moving through a workflow. The transition engine only mutates the
// current-step pointer, due date, owner and SLA bookkeeping; the remaining fields are inputs to
// business rules.
type Alert struct {
	BaseModel
	WorkflowID      *uuid.UUID `gorm:"type:uuid;column:workflow_id;index" json:"workflowId,omitempty"`
	CurrentStepID   *uuid.UUID `gorm:"type:uuid;column:current_step_id;index" json:"currentStepId,omitempty"` // WorkflowStep the alert currently sits on
	CurrentStepName string     `gorm:"type:varchar(255);column:current_step_name" json:"currentStepName,omitempty"`
	DueDate         *time.Time `gorm:"column:due_date;index" json:"dueDate,omitempty"`
	StepEnteredAt   *time.Time `gorm:"column:step_entered_at" json:"stepEnteredAt,omitempty"`
	OwnerID         string     `gorm:"type:varchar(100);column:owner_id" json:"ownerId,omitempty"`
	OrgUnitID       *uuid.UUID `gorm:"type:uuid;column:org_unit_id" json:"orgUnitId,omitempty"`
	AlertTypeID     string     `gorm:"type:varchar(100);column:alert_type_id" json:"alertTypeId,omitempty"`

	Score          *float64          `gorm:"type:numeric;column:score" json:"score,omitempty"`
	Status         string            `gorm:"type:varchar(50);column:status;not null;default:'OPEN'" json:"status"`
	Priority       string            `gorm:"type:varchar(20);column:priority" json:"priority,omitempty"`
	Reason         string            `gorm:"type:varchar(255);column:reason" json:"reason,omitempty"`
	ReasonDetails  string            `gorm:"type:text;column:reason_details" json:"reasonDetails,omitempty"`
	CustomerName   string            `gorm:"type:varchar(255);column:customer_name" json:"customerName,omitempty"`
	ChecklistItems []ChecklistItem   `gorm:"type:jsonb;column:checklist_items;serializer:json" json:"checklistItems,omitempty"`
	Attributes     map[string]string `gorm:"type:jsonb;column:attributes;serializer:json" json:"attributes,omitempty"` // Free-form fields addressable by requiredFields rules

	SLAApproachNotifiedAt *time.Time `gorm:"column:sla_approach_notified_at" json:"-"`
	SLAViolationHandledAt *time.Time `gorm:"column:sla_violation_handled_at" json:"-"`

	Version int64 `gorm:"column:version;not null;default:1" json:"version"` // Optimistic lock, incremented by every step change
}

func (a *Alert) TableName() string {
	return "alerts"
}

// ChecklistProgress returns the number of completed and total checklist items.
func (a *Alert) ChecklistProgress() (done, total int) {
	for _, item := range a.ChecklistItems {
		if item.Done {
			done++
		}
	}
	return done, len(a.ChecklistItems)
}

// AlertNote is an investigator note on an alert. Notes are written elsewhere; the engine only
// counts them.
type AlertNote struct {
	BaseModel
	AlertID  uuid.UUID `gorm:"type:uuid;column:alert_id;not null;index" json:"alertId"`
	AuthorID string    `gorm:"type:varchar(100);column:author_id;not null" json:"authorId"`
	Body     string    `gorm:"type:text;column:body;not null" json:"body"`
}

func (n *AlertNote) TableName() string {
	return "alert_notes"
}

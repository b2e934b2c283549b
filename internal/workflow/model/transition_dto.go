package model

import (
	"time"

	"github.com/google/uuid"
)

// TransitionRequestDTO is the body of a step change request.
type TransitionRequestDTO struct {
	TargetStepID  uuid.UUID `json:"targetStepId" binding:"required"`            // Destination WorkflowStep ID
	Reason        string    `json:"reason" binding:"max=255"`                   // Reason chosen from the transition's allowed reasons
	ReasonDetails string    `json:"reasonDetails,omitempty" binding:"max=4000"` // Optional free-text justification
}

// AlertStepResponseDTO is returned after a successful step change.
type AlertStepResponseDTO struct {
	ID              uuid.UUID  `json:"id"`
	WorkflowID      *uuid.UUID `json:"workflowId,omitempty"`
	CurrentStepID   *uuid.UUID `json:"currentStepId,omitempty"`
	CurrentStepName string     `json:"currentStepName"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	OwnerID         string     `json:"ownerId,omitempty"`
	Version         int64      `json:"version"`
}

// NewAlertStepResponseDTO maps an alert to its step response.
func NewAlertStepResponseDTO(a *Alert) AlertStepResponseDTO {
	return AlertStepResponseDTO{
		ID:              a.ID,
		WorkflowID:      a.WorkflowID,
		CurrentStepID:   a.CurrentStepID,
		CurrentStepName: a.CurrentStepName,
		DueDate:         a.DueDate,
		OwnerID:         a.OwnerID,
		Version:         a.Version,
	}
}

// AllowedTransitionDTO describes an outgoing edge the caller may take.
type AllowedTransitionDTO struct {
	TransitionID   uuid.UUID `json:"transitionId"`
	TargetStepID   uuid.UUID `json:"targetStepId"`
	TargetStepName string    `json:"targetStepName"`
	Reasons        []string  `json:"reasons"`
}

// SLAStatus classifies a deadline relative to now.
type SLAStatus string

const (
	SLAStatusNone        SLAStatus = "NONE"
	SLAStatusOnTrack     SLAStatus = "ON_TRACK"
	SLAStatusApproaching SLAStatus = "APPROACHING"
	SLAStatusViolated    SLAStatus = "VIOLATED"
)

// SLAStatusDTO reports the SLA state of an alert.
type SLAStatusDTO struct {
	AlertID  uuid.UUID  `json:"alertId"`
	DueDate  *time.Time `json:"dueDate,omitempty"`
	Status   SLAStatus  `json:"status"`
	StepName string     `json:"stepName,omitempty"`
}

// WorkflowStepResponseDTO is one step of a workflow graph listing.
type WorkflowStepResponseDTO struct {
	ID        uuid.UUID       `json:"id"`
	StepID    uuid.UUID       `json:"stepId"`
	Name      string          `json:"name"`
	IsDefault bool            `json:"isDefault"`
	Deadline  *DeadlineConfig `json:"deadline,omitempty"`
}

// NotificationListResponseDTO is a paginated list of notifications for an alert.
type NotificationListResponseDTO struct {
	Items  []Notification `json:"items"`
	Total  int64          `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/caseflow/internal/workflow/model"
)

// StepChange is the compare-and-swap write of a transition.
type StepChange struct {
	AlertID         uuid.UUID
	ExpectedVersion int64
	StepID          uuid.UUID
	StepName        string
	DueDate         time.Time
	OwnerID         *string // nil keeps the current owner
	Reason          string
	ReasonDetails   string
	EnteredAt       time.Time
}

// SLAMark identifies which SLA bookkeeping timestamp to set.
type SLAMark string

const (
	SLAMarkApproach  SLAMark = "approach"
	SLAMarkViolation SLAMark = "violation"
)

// AlertRepository is the read/write access to alerts used by the orchestrator and the SLA monitor.
type AlertRepository interface {
	GetAlert(ctx context.Context, alertID uuid.UUID) (*model.Alert, error)
	ApplyStepChange(ctx context.Context, change StepChange) error
	CountNotes(ctx context.Context, alertID uuid.UUID) (int, error)
	ListOpenWithDeadline(ctx context.Context, now, dueBefore time.Time, limit int) ([]model.Alert, error)
	MarkSLA(ctx context.Context, alertID uuid.UUID, version int64, mark SLAMark, at time.Time) error
}

// AlertStore implements AlertRepository on gorm.
type AlertStore struct {
	db *gorm.DB
}

// NewAlertStore creates a new AlertStore.
func NewAlertStore(db *gorm.DB) *AlertStore {
	return &AlertStore{db: db}
}

// GetAlert loads an alert or returns an entity-not-found error.
func (s *AlertStore) GetAlert(ctx context.Context, alertID uuid.UUID) (*model.Alert, error) {
	var alert model.Alert
	if err := s.db.WithContext(ctx).First(&alert, "id = ?", alertID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewEntityNotFound(alertID)
		}
		return nil, fmt.Errorf("failed to get alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// ApplyStepChange moves the alert to a new step only if its version still equals the version the
// caller read. The version is incremented and the SLA bookkeeping of the previous step is cleared.
func (s *AlertStore) ApplyStepChange(ctx context.Context, change StepChange) error {
	updates := map[string]any{
		"current_step_id":          change.StepID,
		"current_step_name":        change.StepName,
		"due_date":                 change.DueDate,
		"step_entered_at":          change.EnteredAt,
		"reason":                   change.Reason,
		"reason_details":           change.ReasonDetails,
		"sla_approach_notified_at": nil,
		"sla_violation_handled_at": nil,
		"version":                  gorm.Expr("version + 1"),
	}
	if change.OwnerID != nil {
		updates["owner_id"] = *change.OwnerID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Alert{}).
			Where("id = ? AND version = ?", change.AlertID, change.ExpectedVersion).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update alert %s: %w", change.AlertID, res.Error)
		}
		if res.RowsAffected == 0 {
			return &ConcurrencyConflictError{AlertID: change.AlertID, ExpectedVersion: change.ExpectedVersion}
		}
		return nil
	})
}

// CountNotes returns the number of notes on an alert.
func (s *AlertStore) CountNotes(ctx context.Context, alertID uuid.UUID) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.AlertNote{}).Where("alert_id = ?", alertID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count notes of alert %s: %w", alertID, err)
	}
	return int(count), nil
}

// ListOpenWithDeadline returns alerts due before dueBefore that still need SLA handling: the
// violation has not been handled, and the approach has not been notified unless the deadline has
// already passed at now.
func (s *AlertStore) ListOpenWithDeadline(ctx context.Context, now, dueBefore time.Time, limit int) ([]model.Alert, error) {
	var alerts []model.Alert
	err := s.db.WithContext(ctx).
		Where("due_date IS NOT NULL AND due_date <= ? AND sla_violation_handled_at IS NULL", dueBefore).
		Where("(sla_approach_notified_at IS NULL OR due_date < ?)", now).
		Order("due_date ASC").
		Limit(limit).
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts with deadlines: %w", err)
	}
	return alerts, nil
}

// MarkSLA records that the approach or violation of the deadline has been handled. The mark is
// dropped when the alert has moved on since version was read.
func (s *AlertStore) MarkSLA(ctx context.Context, alertID uuid.UUID, version int64, mark SLAMark, at time.Time) error {
	column := "sla_approach_notified_at"
	if mark == SLAMarkViolation {
		column = "sla_violation_handled_at"
	}
	err := s.db.WithContext(ctx).Model(&model.Alert{}).
		Where("id = ? AND version = ?", alertID, version).
		Update(column, at).Error
	if err != nil {
		return fmt.Errorf("failed to mark SLA %s on alert %s: %w", mark, alertID, err)
	}
	return nil
}

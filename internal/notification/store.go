package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OpenNSW/caseflow/internal/workflow/model"
	"github.com/OpenNSW/caseflow/utils"
)

// GormStore persists notifications with gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Save inserts n. Saving an ID that already exists is a no-op, so a retried attempt whose first
// write succeeded does not produce a second record.
func (s *GormStore) Save(ctx context.Context, n *model.Notification) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(n).Error
	if err != nil {
		return fmt.Errorf("failed to save notification %s: %w", n.ID, err)
	}
	return nil
}

// ListByAlert returns a page of the notifications of an alert, newest first, and the total count.
func (s *GormStore) ListByAlert(ctx context.Context, alertID uuid.UUID, offset, limit *int) (*model.NotificationListResponseDTO, error) {
	finalOffset, finalLimit := utils.GetPaginationParams(offset, limit)

	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&model.Notification{}).Where("alert_id = ?", alertID).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}

	items := make([]model.Notification, 0)
	if err := db.Where("alert_id = ?", alertID).Order("created_at DESC, id DESC").Offset(finalOffset).Limit(finalLimit).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	return &model.NotificationListResponseDTO{
		Items:  items,
		Total:  total,
		Offset: finalOffset,
		Limit:  finalLimit,
	}, nil
}

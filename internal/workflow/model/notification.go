package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationType is the kind of event a notification reports.
type NotificationType string

const (
	NotificationTypeStepChange        NotificationType = "STEP_CHANGE"
	NotificationTypeAssignment        NotificationType = "ASSIGNMENT"
	NotificationTypeValidationFailure NotificationType = "VALIDATION_FAILURE"
	NotificationTypeSLAApproaching    NotificationType = "SLA_APPROACHING"
	NotificationTypeSLAViolation      NotificationType = "SLA_VIOLATION"
)

// Notification is an immutable audit row for one dispatched notification.
type Notification struct {
	ID        uuid.UUID        `gorm:"type:uuid;column:id;not null;primaryKey" json:"id"`
	CreatedAt time.Time        `gorm:"column:created_at;not null;index" json:"createdAt"`
	Type      NotificationType `gorm:"type:varchar(50);column:type;not null" json:"type"`
	AlertID   uuid.UUID        `gorm:"type:uuid;column:alert_id;not null;index" json:"alertId"`
	Recipient string           `gorm:"type:varchar(255);column:recipient;not null" json:"recipient"`
	Message   string           `gorm:"type:text;column:message;not null" json:"message"`
	Payload   json.RawMessage  `gorm:"type:jsonb;column:payload;serializer:json" json:"payload,omitempty"`
}

func (n *Notification) TableName() string {
	return "notifications"
}

package evidence

import (
	"github.com/google/uuid"
)

// Attachment is the metadata of a stored evidence file.
type Attachment struct {
	ID       uuid.UUID `json:"id"`
	AlertID  uuid.UUID `json:"alertId"`
	Name     string    `json:"name"`
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	MimeType string    `json:"mimeType"`
}

// Package evidence stores the files attached to alerts and counts them for the
// ATTACHMENTS_PRESENT rule.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/OpenNSW/caseflow/internal/logging"
)

// ErrInvalidKey is returned for keys outside the alert's evidence folder.
var ErrInvalidKey = errors.New("invalid evidence key")

// Service stores attachments under "alerts/<alertId>/".
type Service struct {
	driver Driver
	logger *slog.Logger
}

// NewService creates an evidence service on driver.
func NewService(driver Driver) *Service {
	return &Service{driver: driver, logger: logging.WithModule("evidence")}
}

// Prefix is the key prefix of an alert's attachments.
func Prefix(alertID uuid.UUID) string {
	return "alerts/" + alertID.String() + "/"
}

// Upload saves an attachment of alertID.
func (s *Service) Upload(ctx context.Context, alertID uuid.UUID, filename string, body io.Reader, size int64, mime string) (*Attachment, error) {
	if mime == "" {
		mime = "application/octet-stream"
	}
	id := uuid.New()
	key := Prefix(alertID) + id.String() + strings.ToLower(filepath.Ext(filename))

	if err := s.driver.Save(ctx, key, body, mime); err != nil {
		return nil, fmt.Errorf("storage driver failed: %w", err)
	}

	s.logger.InfoContext(ctx, "evidence uploaded", "alert_id", alertID, "key", key, "size", size)
	return &Attachment{
		ID:       id,
		AlertID:  alertID,
		Name:     filename,
		Key:      key,
		Size:     size,
		MimeType: mime,
	}, nil
}

// Download streams an attachment of alertID. name is the last segment of the key.
func (s *Service) Download(ctx context.Context, alertID uuid.UUID, name string) (io.ReadCloser, string, error) {
	key, err := s.key(alertID, name)
	if err != nil {
		return nil, "", err
	}
	return s.driver.Get(ctx, key)
}

// Delete removes an attachment of alertID.
func (s *Service) Delete(ctx context.Context, alertID uuid.UUID, name string) error {
	key, err := s.key(alertID, name)
	if err != nil {
		return err
	}
	return s.driver.Delete(ctx, key)
}

// CountAttachments returns the number of files attached to alertID.
func (s *Service) CountAttachments(ctx context.Context, alertID uuid.UUID) (int, error) {
	n, err := s.driver.Count(ctx, Prefix(alertID))
	if err != nil {
		return 0, fmt.Errorf("failed to count attachments of alert %s: %w", alertID, err)
	}
	return n, nil
}

func (s *Service) key(alertID uuid.UUID, name string) (string, error) {
	if name == "" || name != path.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	return Prefix(alertID) + name, nil
}

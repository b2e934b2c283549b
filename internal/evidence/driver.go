package evidence

import (
	"context"
	"io"
)

// Driver is the object storage holding evidence files.
type Driver interface {
	// Save writes body under key.
	Save(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get streams the object back with its content type.
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Count returns the number of objects whose key starts with prefix.
	Count(ctx context.Context, prefix string) (int, error)
}

package drivers

import "errors"

// ErrObjectNotFound is returned by Get for missing keys.
var ErrObjectNotFound = errors.New("object not found")

package policy

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// rejectedEntry is a list entry that failed its schema. Entry holds whatever fields could still be
// decoded, so callers can fail closed on it.
type rejectedEntry[T any] struct {
	Entry T
	Err   error
}

// splitEntries decodes one list field of a condition entry by entry. Entries failing the schema
// are returned separately instead of discarding the whole document. A condition that is not an
// object, or a field that is not a list, is an error.
func splitEntries[T any](condition json.RawMessage, field string, schema *gojsonschema.Schema) ([]T, []rejectedEntry[T], error) {
	if len(condition) == 0 {
		return nil, nil, errors.New("document is empty")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(condition, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to decode policy condition: %w", err)
	}
	raw, ok := doc[field]
	if !ok || string(raw) == "null" {
		return nil, nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, nil, fmt.Errorf("%s is not a list: %w", field, err)
	}

	var (
		entries  []T
		rejected []rejectedEntry[T]
	)
	for i, item := range items {
		var entry T
		// A type mismatch still fills the fields that do fit.
		decodeErr := json.Unmarshal(item, &entry)
		if err := validate(schema, item); err != nil {
			rejected = append(rejected, rejectedEntry[T]{Entry: entry, Err: fmt.Errorf("%s[%d]: %w", field, i, err)})
			continue
		}
		if decodeErr != nil {
			rejected = append(rejected, rejectedEntry[T]{Entry: entry, Err: fmt.Errorf("%s[%d]: %w", field, i, decodeErr)})
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rejected, nil
}

func rejectionErrors[T any](rejected []rejectedEntry[T]) error {
	errs := make([]error, 0, len(rejected))
	for _, r := range rejected {
		errs = append(errs, r.Err)
	}
	return errors.Join(errs...)
}

package utils

import (
	"fmt"
	"strconv"
)

const (
	pageSizeDefault = 20
	pageSizeMax     = 100
)

// GetPaginationParams resolves optional offset and limit values. Missing or negative offsets
// become 0; missing or non-positive limits become the default page size, and limits are capped.
func GetPaginationParams(offset *int, limit *int) (int, int) {
	finalOffset := 0
	finalLimit := pageSizeDefault

	if offset != nil && *offset >= 0 {
		finalOffset = *offset
	}

	if limit != nil && *limit > 0 {
		finalLimit = min(*limit, pageSizeMax)
	}

	return finalOffset, finalLimit
}

// ParseOptionalInt parses a query value; an empty value yields nil.
func ParseOptionalInt(name, raw string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid '%s' query parameter, must be an integer", name)
	}
	return &v, nil
}

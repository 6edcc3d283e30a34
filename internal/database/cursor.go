package database

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a page token cannot be decoded.
var ErrInvalidCursor = errors.New("database: invalid cursor")

// EncodeCursor turns an ordering value into an opaque page token. Time
// values keep full precision through RFC 3339.
func EncodeCursor(value interface{}) string {
	var s string
	switch v := value.(type) {
	case time.Time:
		s = v.UTC().Format(time.RFC3339Nano)
	case string:
		s = v
	default:
		s = fmt.Sprintf("%v", v)
	}
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeCursor recovers the ordering value from a page token.
func DecodeCursor(cursor string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return string(raw), nil
}

// CursorCondition builds the strict keyset predicate for a page fetch. An
// empty cursor means the first page and yields no condition. The
// placeholder is the caller's next ordinal, e.g. "$2". The comparison is
// strict so the row the cursor points at is never repeated.
func CursorCondition(cursor, orderBy, direction, placeholder string) (string, interface{}, error) {
	if cursor == "" {
		return "", nil, nil
	}
	if !identifierPattern.MatchString(orderBy) {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, orderBy)
	}

	value, err := DecodeCursor(cursor)
	if err != nil {
		return "", nil, err
	}

	op := ">"
	if strings.EqualFold(direction, "DESC") {
		op = "<"
	}
	return fmt.Sprintf("%s %s %s", orderBy, op, placeholder), value, nil
}

// Page is one keyset-paginated result page.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// BuildPage applies the fetch-one-extra contract: the caller queries
// limit+1 rows, the probe row is dropped, and the next cursor comes from
// the last row kept.
func BuildPage[T any](items []T, limit int, cursorOf func(T) interface{}) Page[T] {
	page := Page[T]{Items: items}
	if limit > 0 && len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
	}
	if page.HasMore && len(page.Items) > 0 {
		page.NextCursor = EncodeCursor(cursorOf(page.Items[len(page.Items)-1]))
	}
	return page
}

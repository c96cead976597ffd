// Package pagination provides keyset cursors for list reads. A cursor
// pins a position as (timestamp, id), so pages stay stable while new
// rows keep being appended at the head.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultLimit applies when the caller asks for no particular
	// page size.
	DefaultLimit = 50
	// MaxLimit caps a single page. History reads wanting more walk
	// the cursor.
	MaxLimit = 500
)

// Cursor is a stable position in a timestamp-ordered listing.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Encode renders the cursor as an opaque URL-safe token. Clients echo
// it back verbatim, the layout is not part of the contract.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.Timestamp.UnixMilli(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode. An empty token means
// "from the top" and decodes to nil without error.
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	millisPart, id, ok := strings.Cut(string(data), ":")
	if !ok || id == "" {
		return nil, fmt.Errorf("invalid cursor: missing id segment")
	}

	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return &Cursor{Timestamp: time.UnixMilli(millis), ID: id}, nil
}

// EncodeCursor builds and encodes a cursor in one step.
func EncodeCursor(timestamp time.Time, id string) string {
	return Cursor{Timestamp: timestamp, ID: id}.Encode()
}

// ClampLimit normalizes a requested page size into [1, MaxLimit],
// mapping zero and negatives onto the default.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Params is a parsed page request.
type Params struct {
	Limit  int
	Cursor *Cursor
}

// Parse validates a requested page size and optional after-token.
func Parse(limit int, after string) (*Params, error) {
	params := &Params{Limit: ClampLimit(limit)}
	if after != "" {
		cursor, err := DecodeCursor(after)
		if err != nil {
			return nil, fmt.Errorf("invalid after cursor: %w", err)
		}
		params.Cursor = cursor
	}
	return params, nil
}

// KeysetBuilder renders the SQL fragments for newest-first keyset
// listings over a (timestamp, id) sort.
type KeysetBuilder struct {
	TimestampColumn string
	IDColumn        string
}

// Condition returns a WHERE fragment selecting rows strictly older
// than the cursor position, with $N placeholders starting at
// startArgIdx. No cursor means no condition.
func (b *KeysetBuilder) Condition(params *Params, startArgIdx int) (string, []interface{}) {
	if params.Cursor == nil {
		return "", nil
	}
	// Row comparison keeps rows with equal timestamps ordered by id.
	return fmt.Sprintf("(%s, %s) < ($%d, $%d)",
			b.TimestampColumn, b.IDColumn, startArgIdx, startArgIdx+1),
		[]interface{}{params.Cursor.Timestamp, params.Cursor.ID}
}

// OrderBy returns the matching ORDER BY clause, newest first.
func (b *KeysetBuilder) OrderBy() string {
	return fmt.Sprintf("ORDER BY %s DESC, %s DESC", b.TimestampColumn, b.IDColumn)
}

// Page is the metadata returned alongside one page of results.
type Page struct {
	HasMore   bool   `json:"has_more"`
	EndCursor string `json:"end_cursor,omitempty"`
}

// BuildPage derives page metadata from a query that fetched limit+1
// rows to probe for more.
func BuildPage(resultsLen, limit int, endCursor string) Page {
	return Page{
		HasMore:   resultsLen > limit,
		EndCursor: endCursor,
	}
}

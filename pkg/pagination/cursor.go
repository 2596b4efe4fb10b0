// Package pagination implements the opaque keyset page tokens used by the
// list endpoints. Rows are ordered newest first by a timestamp column with
// the primary key as tie-break, and the token carries both so rows that
// share a timestamp are never skipped across a page boundary.
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidToken is returned for a page token that does not decode.
var ErrInvalidToken = errors.New("invalid page token")

// Cursor is the position after the last row of a page.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns the opaque token for c.
func (c Cursor) Encode() string {
	raw := c.At.Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token produced by Encode.
func Decode(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidToken
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidToken
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Cursor{}, ErrInvalidToken
	}
	return Cursor{At: t, ID: id}, nil
}

// After restricts q to rows strictly after c in (column DESC, id DESC)
// order. column is a trusted identifier, never user input.
func After(q *gorm.DB, column string, c Cursor) *gorm.DB {
	return q.Where("("+column+" < ? OR ("+column+" = ? AND id < ?))", c.At, c.At, c.ID)
}

// Newest orders q by column DESC then id DESC.
func Newest(q *gorm.DB, column string) *gorm.DB {
	return q.Order(column + " DESC").Order("id DESC")
}

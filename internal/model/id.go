package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID string. ULIDs sort lexicographically by creation
// time, so the claim query's `created_at ASC, id ASC` ordering breaks
// same-timestamp ties in submission order.
func NewID() string {
	return ulid.Make().String()
}

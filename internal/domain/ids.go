package domain

import "github.com/google/uuid"

// NewID mints a UUIDv4 string, used for Intent.ID and Transition.ID —
// matching both the teacher corpus and original_source's use of UUIDv4 for
// these fields.
func NewID() string {
	return uuid.NewString()
}

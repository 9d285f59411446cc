package models

import "github.com/google/uuid"

// NewID mints a stable opaque identifier.
func NewID() string {
	return uuid.New().String()
}

// ShortID returns the 8-character display form of an id, for logs and
// branch paths. Full ids remain the persisted keys.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

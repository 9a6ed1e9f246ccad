package util

import "github.com/google/uuid"

// NewID returns a random UUID, optionally namespaced as "<prefix>_<uuid>".
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

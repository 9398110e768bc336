package id

import "github.com/google/uuid"

// New returns a random (version 4) UUID string for edits and jobs.
func New() string {
	return uuid.NewString()
}

package common

import gonanoid "github.com/matoous/go-nanoid/v2"

// NewID returns a fresh 21 character nanoid for entities, relationships and
// conflicts.
func NewID() string {
	return gonanoid.Must()
}

package common

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeMismatch is returned when an update would change an entity's type.
	ErrTypeMismatch = errors.New("entity type mismatch")
	// ErrInvalidType is returned for entity or relationship types outside the closed sets.
	ErrInvalidType = errors.New("invalid type")
)

// DanglingReferenceError reports a relationship whose endpoint is not in the
// graph. MissingID names the endpoint so the caller can create it and retry.
type DanglingReferenceError struct {
	MissingID string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("relationship references missing entity %q", e.MissingID)
}

// NotFoundError reports a lookup of an id that is not in the graph.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "entity"
	}
	return fmt.Sprintf("%s %q not found", kind, e.ID)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

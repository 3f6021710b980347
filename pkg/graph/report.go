package graph

import (
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/argus/pkg/store/memory"
)

// FactError ties a per-fact failure to its position in the batch.
type FactError struct {
	Index int
	Err   error
}

func (e FactError) Error() string {
	return fmt.Sprintf("fact %d: %v", e.Index, e.Err)
}

func (e FactError) Unwrap() error {
	return e.Err
}

// AmbiguousMatchConflict is returned as data when a candidate matched more
// than one existing entity. The candidate was kept as the separate entity
// EntityID and the decision is recorded under ConflictID.
type AmbiguousMatchConflict struct {
	ConflictID string   `json:"conflict_id"`
	EntityID   string   `json:"entity_id"`
	MatchedIDs []string `json:"matched_ids"`
}

func (c AmbiguousMatchConflict) Error() string {
	return fmt.Sprintf("ambiguous match: candidate kept as %s, matches %s", c.EntityID, strings.Join(c.MatchedIDs, ", "))
}

// BatchReport summarises the outcome of one source batch.
type BatchReport struct {
	Source string `json:"source"`

	Created              int `json:"created"`
	Merged               int `json:"merged"`
	Unchanged            int `json:"unchanged"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsMerged  int `json:"relationships_merged"`
	SelfLoops            int `json:"self_loops"`
	Abandoned            int `json:"abandoned"`

	Conflicts []AmbiguousMatchConflict `json:"conflicts"`
	Errors    []FactError              `json:"-"`

	// Refs maps batch refs and explicit ids to the entity they ended up in.
	Refs map[string]string `json:"refs"`
	Err  error             `json:"-"`
}

func newBatchReport(source string) *BatchReport {
	return &BatchReport{
		Source: source,
		Refs:   make(map[string]string),
	}
}

func (r *BatchReport) addError(idx int, err error) {
	r.Errors = append(r.Errors, FactError{Index: idx, Err: err})
}

// resolve maps a relationship endpoint to an entity id: batch refs first,
// committed entity ids second.
func (r *BatchReport) resolve(ref string, s *memory.Store) (string, bool) {
	if id, ok := r.Refs[ref]; ok {
		return id, true
	}
	if _, ok := s.GetEntity(ref); ok {
		return ref, true
	}
	return "", false
}

// ErrorMessages renders the per-fact errors for transport.
func (r *BatchReport) ErrorMessages() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Error()
	}
	return out
}

// IngestReport collects the batch reports of one Apply call. Succeeded and
// Failed name the sources whose batches completed or were abandoned, so
// partial results stay usable.
type IngestReport struct {
	Batches   []*BatchReport `json:"batches"`
	Succeeded []string       `json:"succeeded"`
	Failed    []string       `json:"failed"`
}

// Package normalizer projects raw collector output into candidate facts.
//
// A collector hands over an opaque payload together with the source name,
// the retrieval time and a format label. The Mapper registered for the source
// (or, failing that, for the format) splits the payload into records and
// projects each record into entity and relationship candidates. A record
// that cannot be projected contributes no facts and is reported as a
// ParseError; the remaining records are still normalized.
package normalizer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/logger"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var (
	// ErrUnknownFormat is returned when neither the source nor the payload
	// format has a registered mapper.
	ErrUnknownFormat = errors.New("no mapper for payload format")
	// ErrMalformedPayload is returned when a payload cannot be split into
	// records at all.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Payload is one collector result for one query.
type Payload struct {
	Source      string    `json:"source" validate:"required"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Format      string    `json:"format,omitempty" validate:"omitempty,oneof=json csv"`
	Data        []byte    `json:"data" validate:"required"`
}

// ParseError describes one record that produced no facts.
type ParseError struct {
	Source string `json:"source"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s record %d: %s", e.Source, e.Index, e.Reason)
}

// Projection is what a Mapper made of a single record. A non-nil Err marks
// the record as malformed and the candidates are discarded.
type Projection struct {
	Entities      []EntityRecord
	Relationships []RelationshipRecord
	Err           error
}

// Mapper splits a payload into records and projects each of them. The
// returned slice holds one Projection per record, in payload order. An error
// is returned only when the payload as a whole cannot be read.
type Mapper interface {
	Map(data []byte) ([]Projection, error)
}

// MapperFunc adapts a function to the Mapper interface.
type MapperFunc func(data []byte) ([]Projection, error)

func (f MapperFunc) Map(data []byte) ([]Projection, error) {
	return f(data)
}

// Result is the normalized form of one payload. Facts are ordered with all
// entity candidates before any relationship candidate.
type Result struct {
	Source  string                 `json:"source"`
	Facts   []common.CandidateFact `json:"facts"`
	Errors  []*ParseError          `json:"errors,omitempty"`
	Records int                    `json:"records"`
}

// Normalizer holds the registered mappers and source profiles. It is safe
// for concurrent use.
type Normalizer struct {
	mu       sync.RWMutex
	bySource map[string]Mapper
	byFormat map[string]Mapper
	profiles Profiles
}

// NewNormalizerParams configures a Normalizer.
type NewNormalizerParams struct {
	// Profiles assigns reliability settings per source. May be nil.
	Profiles Profiles
}

// NewNormalizer returns a Normalizer with the JSON and CSV record mappers
// registered for their formats.
func NewNormalizer(params NewNormalizerParams) *Normalizer {
	return &Normalizer{
		bySource: make(map[string]Mapper),
		byFormat: map[string]Mapper{
			FormatJSON: JSONMapper{},
			FormatCSV:  CSVMapper{},
		},
		profiles: params.Profiles,
	}
}

// Register installs a source specific mapper. It takes precedence over the
// format mapper for every payload of that source.
func (n *Normalizer) Register(source string, m Mapper) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bySource[source] = m
}

// RegisterFormat installs or replaces the mapper for a format label.
func (n *Normalizer) RegisterFormat(format string, m Mapper) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byFormat[format] = m
}

func (n *Normalizer) mapper(p Payload) (Mapper, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if m, ok := n.bySource[p.Source]; ok {
		return m, nil
	}
	format := p.Format
	if format == "" {
		format = FormatJSON
	}
	if m, ok := n.byFormat[format]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Normalize turns a payload into candidate facts. Per record failures are
// collected in Result.Errors; an error is returned only when no mapper fits
// or the payload cannot be split into records.
func (n *Normalizer) Normalize(p Payload) (*Result, error) {
	if p.Source == "" {
		return nil, fmt.Errorf("payload has no source")
	}
	m, err := n.mapper(p)
	if err != nil {
		return nil, err
	}
	projections, err := m.Map(p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, p.Source, err)
	}

	profile := n.profiles.For(p.Source)
	retrievedAt := p.RetrievedAt
	if retrievedAt.IsZero() {
		retrievedAt = time.Now().UTC()
	}

	res := &Result{Source: p.Source, Records: len(projections)}
	var entities, relationships []common.CandidateFact
	for i, proj := range projections {
		ents, rels, err := project(proj, p.Source, retrievedAt, profile)
		if err != nil {
			res.Errors = append(res.Errors, &ParseError{Source: p.Source, Index: i, Reason: err.Error()})
			continue
		}
		entities = append(entities, ents...)
		relationships = append(relationships, rels...)
	}
	res.Facts = append(entities, relationships...)

	if len(res.Errors) > 0 {
		logger.Warn("[Normalizer] Skipped malformed records", "source", p.Source, "skipped", len(res.Errors), "records", len(projections))
	}
	logger.Debug("[Normalizer] Normalized payload", "source", p.Source, "facts", len(res.Facts))
	return res, nil
}

// project converts one record. Any invalid candidate rejects the whole
// record so that a half-understood record never enters the graph.
func project(proj Projection, source string, retrievedAt time.Time, profile Profile) ([]common.CandidateFact, []common.CandidateFact, error) {
	if proj.Err != nil {
		return nil, nil, proj.Err
	}
	if len(proj.Entities) == 0 && len(proj.Relationships) == 0 {
		return nil, nil, fmt.Errorf("record holds no entities or relationships")
	}

	ents := make([]common.CandidateFact, 0, len(proj.Entities))
	for j, e := range proj.Entities {
		fact := common.CandidateFact{
			Entity: &common.EntityCandidate{
				Ref:        e.Ref,
				ID:         e.ID,
				Type:       e.Type,
				Attributes: e.Attributes.Clone(),
			},
			Source: profile.source(source, e.Confidence, retrievedAt),
		}
		if err := fact.Validate(); err != nil {
			return nil, nil, fmt.Errorf("entity %d: %w", j, err)
		}
		ents = append(ents, fact)
	}

	rels := make([]common.CandidateFact, 0, len(proj.Relationships))
	for j, r := range proj.Relationships {
		weight := 1.0
		if r.Weight != nil {
			weight = *r.Weight
		}
		fact := common.CandidateFact{
			Relationship: &common.RelationshipCandidate{
				From:   r.From,
				To:     r.To,
				Type:   r.Type,
				Weight: common.ClampConfidence(weight),
			},
			Source: profile.source(source, r.Confidence, retrievedAt),
		}
		if err := fact.Validate(); err != nil {
			return nil, nil, fmt.Errorf("relationship %d: %w", j, err)
		}
		rels = append(rels, fact)
	}
	return ents, rels, nil
}

// Package export builds the document handed to external renderers: a
// filtered subgraph of one investigation plus the label of the format the
// renderer should produce. Rendering itself happens elsewhere.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/OFFIS-RIT/argus/internal/util"
	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/logger"
	"github.com/OFFIS-RIT/argus/pkg/query"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Formats lists the format labels a renderer understands.
var Formats = []string{"json", "csv", "xlsx", "pdf"}

const uploadTries = 3

type Document struct {
	Investigation string                 `json:"investigation"`
	Version       int64                  `json:"version"`
	Format        string                 `json:"format"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Criteria      query.Criteria         `json:"criteria"`
	Nodes         []*common.Entity       `json:"nodes"`
	Edges         []*common.Relationship `json:"edges"`
	Conflicts     []*common.Conflict     `json:"conflicts,omitempty"`
	Truncated     bool                   `json:"truncated"`
}

// Request describes what to export. Format defaults to json.
type Request struct {
	Criteria         query.Criteria `json:"criteria"`
	Format           string         `json:"format" validate:"omitempty,oneof=json csv xlsx pdf"`
	IncludeConflicts bool           `json:"include_conflicts"`
}

// Build filters g and wraps the result. conflicts are kept only when
// requested and only those whose entity survived the filter.
func Build(investigation string, version int64, g query.Graph, conflicts []*common.Conflict, req Request, now time.Time) *Document {
	format := req.Format
	if format == "" {
		format = "json"
	}
	sg := query.Filter(g, req.Criteria)
	doc := &Document{
		Investigation: investigation,
		Version:       version,
		Format:        format,
		GeneratedAt:   now.UTC(),
		Criteria:      req.Criteria,
		Nodes:         sg.Entities,
		Edges:         sg.Relationships,
		Truncated:     sg.Truncated,
	}
	if doc.Nodes == nil {
		doc.Nodes = []*common.Entity{}
	}
	if doc.Edges == nil {
		doc.Edges = []*common.Relationship{}
	}

	if req.IncludeConflicts {
		kept := make(map[string]bool, len(sg.Entities))
		for _, e := range sg.Entities {
			kept[e.ID] = true
		}
		for _, c := range conflicts {
			if kept[c.EntityID] {
				doc.Conflicts = append(doc.Conflicts, c)
			}
		}
	}
	return doc
}

// Uploader is the object store an export is written to.
type Uploader interface {
	PutFile(ctx context.Context, key, contentType string, body io.ReadSeeker) error
	DownloadLink(ctx context.Context, key string) (string, error)
}

type Published struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	Nodes     int    `json:"nodes"`
	Edges     int    `json:"edges"`
	Truncated bool   `json:"truncated"`
}

// Key returns a fresh object key under the investigation's export folder.
func Key(investigation string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("exports/%s/%s.json", investigation, id), nil
}

// Publish uploads doc and returns a presigned download link for it.
func Publish(ctx context.Context, up Uploader, doc *Document) (*Published, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	key, err := Key(doc.Investigation)
	if err != nil {
		return nil, err
	}

	err = util.RetryErrWithContext(ctx, uploadTries, func(ctx context.Context) error {
		return up.PutFile(ctx, key, "application/json", bytes.NewReader(body))
	})
	if err != nil {
		return nil, err
	}
	link, err := up.DownloadLink(ctx, key)
	if err != nil {
		return nil, err
	}

	logger.Info("[Export] Uploaded", "investigation_id", doc.Investigation, "key", key, "nodes", len(doc.Nodes), "format", doc.Format)
	return &Published{
		Key:       key,
		URL:       link,
		Nodes:     len(doc.Nodes),
		Edges:     len(doc.Edges),
		Truncated: doc.Truncated,
	}, nil
}

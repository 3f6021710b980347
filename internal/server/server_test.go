package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/argus/internal/investigation"
	"github.com/OFFIS-RIT/argus/internal/queue"
	mid "github.com/OFFIS-RIT/argus/internal/server/middleware"
	"github.com/OFFIS-RIT/argus/pkg/store/sqlite"

	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"
)

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

const whoisRecords = `[
	{"entities": [
		{"ref": "org", "type": "organization", "confidence": 0.8, "attributes": {"name": "ACME GmbH"}},
		{"ref": "dom", "type": "domain", "confidence": 0.9, "attributes": {"domain": "acme.example"}}
	],
	 "relationships": [{"from": "org", "to": "dom", "type": "OWNS", "weight": 0.9}]},
	{"entities": [
		{"ref": "jd", "type": "identity", "confidence": 0.7, "attributes": {"name": "John Doe"}},
		{"ref": "mail", "type": "email", "confidence": 0.6, "attributes": {"email": "jd@acme.example"}}
	],
	 "relationships": [
		{"from": "jd", "to": "mail", "type": "USES"},
		{"from": "jd", "to": "org", "type": "WORKS_FOR", "weight": 0.5}
	]},
	{"entities": [{"ref": "x", "type": "starship"}]}
]`

type channelRecorder struct {
	keys []string
}

func (r *channelRecorder) PublishWithContext(_ context.Context, _, key string, _, _ bool, _ amqp091.Publishing) error {
	r.keys = append(r.keys, key)
	return nil
}

func newTestServer(t *testing.T) (*echo.Echo, *mid.App) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "argus.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	app := &mid.App{
		Registry: investigation.NewRegistry(investigation.NewRegistryParams{Storage: s}),
		Now:      func() time.Time { return now },
	}
	return New(app), app
}

func do(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d: %s", rec.Code, status, rec.Body.String())
	}
}

// seed creates investigation "inv", ingests the whois records and returns
// the ref to entity id mapping.
func seed(t *testing.T, e *echo.Echo) map[string]string {
	t.Helper()
	expect(t, do(t, e, http.MethodPost, "/api/investigations", `{"id": "inv", "name": "ACME"}`), http.StatusCreated)

	rec := do(t, e, http.MethodPost, "/api/investigations/inv/results",
		`{"payloads": [{"source": "whois", "retrieved_at": "2026-05-01T00:00:00Z", "records": `+whoisRecords+`}]}`)
	expect(t, rec, http.StatusOK)

	var res struct {
		Version int64 `json:"version"`
		Batches []struct {
			Refs    map[string]string `json:"refs"`
			Created int               `json:"created"`
		} `json:"batches"`
		Succeeded   []string `json:"succeeded"`
		ParseErrors []struct {
			Index int `json:"index"`
		} `json:"parse_errors"`
	}
	decode(t, rec, &res)
	if res.Version != 1 || len(res.Batches) != 1 || res.Batches[0].Created != 4 {
		t.Fatalf("unexpected ingest response %s", rec.Body.String())
	}
	if len(res.ParseErrors) != 1 || res.ParseErrors[0].Index != 2 {
		t.Fatalf("expected the starship record to be reported, got %s", rec.Body.String())
	}
	return res.Batches[0].Refs
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(t, e, http.MethodGet, "/health", "")
	expect(t, rec, http.StatusOK)
	if rec.Body.String() != "OK" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestInvestigationLifecycle(t *testing.T) {
	e, _ := newTestServer(t)
	seed(t, e)

	var info struct {
		ID          string `json:"id"`
		Version     int64  `json:"version"`
		EntityCount int    `json:"entity_count"`
	}
	rec := do(t, e, http.MethodGet, "/api/investigations/inv", "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &info)
	if info.ID != "inv" || info.Version != 1 || info.EntityCount != 4 {
		t.Fatalf("unexpected info %+v", info)
	}

	var list []struct {
		ID string `json:"id"`
	}
	rec = do(t, e, http.MethodGet, "/api/investigations", "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &list)
	if len(list) != 1 || list[0].ID != "inv" {
		t.Fatalf("unexpected list %s", rec.Body.String())
	}

	expect(t, do(t, e, http.MethodDelete, "/api/investigations/inv", ""), http.StatusNoContent)
	expect(t, do(t, e, http.MethodGet, "/api/investigations/inv", ""), http.StatusNotFound)
	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/filter", `{}`), http.StatusNotFound)
}

func TestResultsValidation(t *testing.T) {
	e, _ := newTestServer(t)
	expect(t, do(t, e, http.MethodPost, "/api/investigations", `{"id": "inv"}`), http.StatusCreated)

	tests := []struct {
		name string
		body string
	}{
		{name: "no payloads", body: `{"payloads": []}`},
		{name: "missing source", body: `{"payloads": [{"records": []}]}`},
		{name: "no data", body: `{"payloads": [{"source": "whois"}]}`},
		{name: "unknown format", body: `{"payloads": [{"source": "whois", "format": "xml", "content": "<a/>"}]}`},
		{name: "not json", body: `{"payloads": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/results", tt.body), http.StatusBadRequest)
		})
	}

	expect(t, do(t, e, http.MethodPost, "/api/investigations/ghost/results",
		`{"payloads": [{"source": "whois", "records": []}]}`), http.StatusNotFound)
}

func TestResultsCSVContent(t *testing.T) {
	e, _ := newTestServer(t)
	expect(t, do(t, e, http.MethodPost, "/api/investigations", `{"id": "inv"}`), http.StatusCreated)

	csv := "type,ref,email,confidence\nemail,a,a@example.com,0.9\nemail,b,b@example.com,0.4\n"
	body, _ := json.Marshal(map[string]any{
		"payloads": []map[string]string{{"source": "leak", "format": "csv", "content": csv}},
	})
	rec := do(t, e, http.MethodPost, "/api/investigations/inv/results", string(body))
	expect(t, rec, http.StatusOK)

	var sg struct {
		Nodes []struct {
			Confidence float64 `json:"confidence"`
		} `json:"nodes"`
	}
	rec = do(t, e, http.MethodPost, "/api/investigations/inv/filter", `{"include_types": ["email"], "min_confidence": 0.5}`)
	expect(t, rec, http.StatusOK)
	decode(t, rec, &sg)
	if len(sg.Nodes) != 1 || math.Abs(sg.Nodes[0].Confidence-0.9) > 1e-9 {
		t.Fatalf("unexpected filter result %s", rec.Body.String())
	}
}

func TestAsyncResults(t *testing.T) {
	e, app := newTestServer(t)
	expect(t, do(t, e, http.MethodPost, "/api/investigations", `{"id": "inv"}`), http.StatusCreated)
	body := `{"payloads": [{"source": "whois", "records": []}, {"source": "forum", "records": []}]}`

	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/results?async=true", body), http.StatusServiceUnavailable)

	ch := &channelRecorder{}
	app.Queue = ch
	rec := do(t, e, http.MethodPost, "/api/investigations/inv/results?async=true", body)
	expect(t, rec, http.StatusAccepted)

	var res struct {
		CorrelationIDs []string `json:"correlation_ids"`
	}
	decode(t, rec, &res)
	if len(res.CorrelationIDs) != 2 || !reflect.DeepEqual(ch.keys, []string{queue.IngestQueue, queue.IngestQueue}) {
		t.Fatalf("ids=%v published=%v", res.CorrelationIDs, ch.keys)
	}

	expect(t, do(t, e, http.MethodPost, "/api/investigations/ghost/results?async=true", body), http.StatusNotFound)
}

func TestFilterAndEntities(t *testing.T) {
	e, _ := newTestServer(t)
	refs := seed(t, e)

	var sg struct {
		Version int64 `json:"version"`
		Nodes   []struct {
			ID string `json:"id"`
		} `json:"nodes"`
		Edges     []json.RawMessage `json:"edges"`
		Truncated bool              `json:"truncated"`
	}
	rec := do(t, e, http.MethodPost, "/api/investigations/inv/filter", `{"exclude_types": ["email"], "max_nodes": 2}`)
	expect(t, rec, http.StatusOK)
	decode(t, rec, &sg)
	var ids []string
	for _, n := range sg.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	want := []string{refs["org"], refs["dom"]}
	sort.Strings(want)
	if !reflect.DeepEqual(ids, want) || !sg.Truncated || len(sg.Edges) != 1 {
		t.Fatalf("unexpected filter result %s", rec.Body.String())
	}

	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/filter", `{"include_types": ["starship"]}`), http.StatusBadRequest)
	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/filter", `{"min_confidence": 2}`), http.StatusBadRequest)

	var ent struct {
		Entity struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"entity"`
		Relationships []json.RawMessage `json:"relationships"`
	}
	rec = do(t, e, http.MethodGet, "/api/investigations/inv/entities/"+refs["jd"], "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &ent)
	if ent.Entity.Type != "identity" || len(ent.Relationships) != 2 {
		t.Fatalf("unexpected entity response %s", rec.Body.String())
	}
	expect(t, do(t, e, http.MethodGet, "/api/investigations/inv/entities/ghost", ""), http.StatusNotFound)

	var removed struct {
		Version              int64    `json:"version"`
		RemovedRelationships []string `json:"removed_relationships"`
	}
	rec = do(t, e, http.MethodDelete, "/api/investigations/inv/entities/"+refs["jd"], "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &removed)
	if removed.Version != 2 || len(removed.RemovedRelationships) != 2 {
		t.Fatalf("unexpected removal %s", rec.Body.String())
	}
	expect(t, do(t, e, http.MethodGet, "/api/investigations/inv/entities/"+refs["jd"], ""), http.StatusNotFound)
	expect(t, do(t, e, http.MethodDelete, "/api/investigations/inv/entities/"+refs["jd"], ""), http.StatusNotFound)
}

func TestExpandCollapseRoundTrip(t *testing.T) {
	e, _ := newTestServer(t)
	refs := seed(t, e)

	type view struct {
		Nodes    []string        `json:"nodes"`
		Edges    []string        `json:"edges"`
		Expanded json.RawMessage `json:"expanded,omitempty"`
	}
	start := view{Nodes: []string{refs["org"]}, Edges: []string{}}
	startJSON, _ := json.Marshal(start)

	var expanded struct {
		View      view `json:"view"`
		Truncated bool `json:"truncated"`
	}
	rec := do(t, e, http.MethodPost, "/api/investigations/inv/expand",
		`{"view": `+string(startJSON)+`, "node_id": "`+refs["org"]+`", "depth": 1}`)
	expect(t, rec, http.StatusOK)
	decode(t, rec, &expanded)
	if len(expanded.View.Nodes) != 3 || len(expanded.View.Edges) != 2 || expanded.Truncated {
		t.Fatalf("unexpected expand result %s", rec.Body.String())
	}
	if len(expanded.View.Expanded) == 0 {
		t.Fatalf("expanded view does not record its origins: %s", rec.Body.String())
	}

	expandedJSON, _ := json.Marshal(expanded.View)
	var collapsed struct {
		View view `json:"view"`
	}
	rec = do(t, e, http.MethodPost, "/api/investigations/inv/collapse",
		`{"view": `+string(expandedJSON)+`, "node_id": "`+refs["org"]+`", "depth": 1}`)
	expect(t, rec, http.StatusOK)
	decode(t, rec, &collapsed)
	if !reflect.DeepEqual(collapsed.View.Nodes, start.Nodes) || len(collapsed.View.Edges) != 0 || len(collapsed.View.Expanded) != 0 {
		t.Fatalf("collapse did not restore the view: %s", rec.Body.String())
	}

	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/expand", `{"view": {"nodes": [], "edges": []}, "node_id": "ghost"}`), http.StatusNotFound)
	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/expand", `{"view": {"nodes": [], "edges": []}}`), http.StatusBadRequest)
}

func TestExpandDepth(t *testing.T) {
	e, _ := newTestServer(t)
	refs := seed(t, e)

	tests := []struct {
		name  string
		depth string
		nodes int
	}{
		{name: "explicit zero", depth: `, "depth": 0`, nodes: 1},
		{name: "absent", depth: "", nodes: 3},
		{name: "explicit one", depth: `, "depth": 1`, nodes: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res struct {
				View struct {
					Nodes []string `json:"nodes"`
				} `json:"view"`
			}
			rec := do(t, e, http.MethodPost, "/api/investigations/inv/expand",
				`{"view": {"nodes": [], "edges": []}, "node_id": "`+refs["org"]+`"`+tt.depth+`}`)
			expect(t, rec, http.StatusOK)
			decode(t, rec, &res)
			if len(res.View.Nodes) != tt.nodes {
				t.Fatalf("got %d nodes, want %d: %s", len(res.View.Nodes), tt.nodes, rec.Body.String())
			}
		})
	}

	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/expand",
		`{"view": {"nodes": [], "edges": []}, "node_id": "`+refs["org"]+`", "depth": 11}`), http.StatusBadRequest)
}

func TestAnalysisRoutes(t *testing.T) {
	e, _ := newTestServer(t)
	refs := seed(t, e)

	var path struct {
		Found bool     `json:"found"`
		Path  []string `json:"path"`
	}
	rec := do(t, e, http.MethodGet, "/api/investigations/inv/path?from="+refs["mail"]+"&to="+refs["dom"], "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &path)
	if want := []string{refs["mail"], refs["jd"], refs["org"], refs["dom"]}; !path.Found || !reflect.DeepEqual(path.Path, want) {
		t.Fatalf("path = %+v, want %v", path, want)
	}
	expect(t, do(t, e, http.MethodGet, "/api/investigations/inv/path?from="+refs["mail"]+"&to=ghost", ""), http.StatusNotFound)
	expect(t, do(t, e, http.MethodGet, "/api/investigations/inv/path?from="+refs["mail"], ""), http.StatusBadRequest)

	var comps struct {
		Components [][]string `json:"components"`
	}
	rec = do(t, e, http.MethodGet, "/api/investigations/inv/components", "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &comps)
	if len(comps.Components) != 1 || len(comps.Components[0]) != 4 {
		t.Fatalf("unexpected components %s", rec.Body.String())
	}
	rec = do(t, e, http.MethodGet, "/api/investigations/inv/components?min_size=5", "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &comps)
	if len(comps.Components) != 0 {
		t.Fatalf("min_size not applied: %s", rec.Body.String())
	}

	var central struct {
		Ranking []struct {
			ID     string `json:"id"`
			Degree int    `json:"degree"`
		} `json:"ranking"`
	}
	rec = do(t, e, http.MethodGet, "/api/investigations/inv/centrality?top=2", "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &central)
	if len(central.Ranking) != 2 || central.Ranking[0].Degree != 2 || central.Ranking[1].Degree != 2 {
		t.Fatalf("unexpected ranking %s", rec.Body.String())
	}
}

func TestConflictRoutes(t *testing.T) {
	e, _ := newTestServer(t)
	seed(t, e)

	var res struct {
		Conflicts []json.RawMessage `json:"conflicts"`
	}
	rec := do(t, e, http.MethodGet, "/api/investigations/inv/conflicts?open=true", "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &res)
	if res.Conflicts == nil || len(res.Conflicts) != 0 {
		t.Fatalf("expected an empty conflict list, got %s", rec.Body.String())
	}

	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/conflicts/nope/resolve", `{"target_id": "x"}`), http.StatusNotFound)
	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/conflicts/nope/resolve", `{}`), http.StatusBadRequest)
}

func TestExportInline(t *testing.T) {
	e, _ := newTestServer(t)
	seed(t, e)

	var doc struct {
		Investigation string            `json:"investigation"`
		Format        string            `json:"format"`
		Version       int64             `json:"version"`
		GeneratedAt   time.Time         `json:"generated_at"`
		Nodes         []json.RawMessage `json:"nodes"`
	}
	rec := do(t, e, http.MethodPost, "/api/investigations/inv/export", `{"format": "pdf", "criteria": {"include_types": ["organization", "domain"]}}`)
	expect(t, rec, http.StatusOK)
	decode(t, rec, &doc)
	if doc.Investigation != "inv" || doc.Format != "pdf" || doc.Version != 1 || !doc.GeneratedAt.Equal(now) || len(doc.Nodes) != 2 {
		t.Fatalf("unexpected export %s", rec.Body.String())
	}

	expect(t, do(t, e, http.MethodPost, "/api/investigations/inv/export", `{"format": "docx"}`), http.StatusBadRequest)
}

func TestRecordSchema(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(t, e, http.MethodGet, "/api/schema/record", "")
	expect(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"relationships"`) {
		t.Fatalf("schema misses relationships: %s", rec.Body.String())
	}
}

package investigation

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/graph"
	"github.com/OFFIS-RIT/argus/pkg/normalizer"
	"github.com/OFFIS-RIT/argus/pkg/store"
	"github.com/OFFIS-RIT/argus/pkg/store/sqlite"
)

var retrieved = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func openStorage(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "argus.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRegistry(s store.GraphStorage) *Registry {
	return NewRegistry(NewRegistryParams{
		Storage: s,
		Graph:   graph.NewGraphParams{Clock: func() time.Time { return retrieved }},
	})
}

func emailPayload(source, addr string, confidence string) normalizer.Payload {
	return normalizer.Payload{
		Source:      source,
		Format:      normalizer.FormatJSON,
		RetrievedAt: retrieved,
		Data: []byte(`{"entities": [{"ref": "e", "type": "email", "confidence": ` + confidence +
			`, "attributes": {"email": "` + addr + `"}}]}`),
	}
}

func TestIngestPersistsMergedGraph(t *testing.T) {
	s := openStorage(t)
	ctx := context.Background()
	r := newRegistry(s)
	if _, err := r.Create(ctx, "inv", "phishing"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := r.Ingest(ctx, "inv", []normalizer.Payload{
		emailPayload("whois", "jd@example.com", "0.6"),
		emailPayload("forum", "JD@example.com", "0.7"),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Version != 1 {
		t.Fatalf("version = %d, want 1", res.Version)
	}
	succeeded := append([]string(nil), res.Report.Succeeded...)
	sort.Strings(succeeded)
	if !reflect.DeepEqual(succeeded, []string{"forum", "whois"}) {
		t.Fatalf("succeeded = %v", succeeded)
	}

	g, version, err := r.Get(ctx, "inv")
	if err != nil || version != 1 {
		t.Fatalf("Get: version=%d err=%v", version, err)
	}
	if n, _ := g.Snapshot().Size(); n != 1 {
		t.Fatalf("entities = %d, want one merged email", n)
	}

	// A second registry over the same storage sees the saved graph.
	other := newRegistry(s)
	g2, version, err := other.Get(ctx, "inv")
	if err != nil || version != 1 {
		t.Fatalf("Get from second registry: version=%d err=%v", version, err)
	}
	if !reflect.DeepEqual(g2.Export(), g.Export()) {
		t.Fatal("reloaded graph differs from the saved one")
	}
}

func TestRepostWithoutRetrievalTime(t *testing.T) {
	ctx := context.Background()
	clock := retrieved
	r := NewRegistry(NewRegistryParams{
		Storage: openStorage(t),
		Graph: graph.NewGraphParams{Clock: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}},
	})
	if _, err := r.Create(ctx, "inv", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	p := emailPayload("whois", "jd@example.com", "0.6")
	p.RetrievedAt = time.Time{}
	if _, err := r.Ingest(ctx, "inv", []normalizer.Payload{p}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	g, _, _ := r.Get(ctx, "inv")
	first := g.Export()

	res, err := r.Ingest(ctx, "inv", []normalizer.Payload{p})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if b := res.Report.Batches[0]; b.Unchanged != 1 || b.Merged != 0 {
		t.Fatalf("re-post changed the entity: %+v", b)
	}
	g, _, _ = r.Get(ctx, "inv")
	if !reflect.DeepEqual(g.Export(), first) {
		t.Fatal("re-post without retrieved_at rewrote the graph")
	}
}

func TestGetReloadsAfterExternalSave(t *testing.T) {
	s := openStorage(t)
	ctx := context.Background()
	a, b := newRegistry(s), newRegistry(s)
	if _, err := a.Create(ctx, "inv", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	before, _, err := a.Get(ctx, "inv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := b.Ingest(ctx, "inv", []normalizer.Payload{emailPayload("whois", "a@example.com", "0.5")}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	after, version, err := a.Get(ctx, "inv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after == before || version != 1 {
		t.Fatalf("stale graph served: version=%d", version)
	}
	if n, _ := after.Snapshot().Size(); n != 1 {
		t.Fatalf("entities = %d, want 1", n)
	}

	again, _, _ := a.Get(ctx, "inv")
	if again != after {
		t.Fatal("unchanged version must reuse the loaded graph")
	}
}

func TestIngestRejectedPayload(t *testing.T) {
	s := openStorage(t)
	ctx := context.Background()
	r := newRegistry(s)
	if _, err := r.Create(ctx, "inv", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := r.Ingest(ctx, "inv", []normalizer.Payload{
		emailPayload("whois", "a@example.com", "0.5"),
		{Source: "pastebin", Format: "xml", RetrievedAt: retrieved, Data: []byte("<x/>")},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, ok := res.Rejected["pastebin"]; !ok {
		t.Fatalf("expected pastebin to be rejected, got %v", res.Rejected)
	}
	if !reflect.DeepEqual(res.Report.Failed, []string{"pastebin"}) || !reflect.DeepEqual(res.Report.Succeeded, []string{"whois"}) {
		t.Fatalf("unexpected report succeeded=%v failed=%v", res.Report.Succeeded, res.Report.Failed)
	}
}

func TestIngestUnknownInvestigation(t *testing.T) {
	r := newRegistry(openStorage(t))
	_, err := r.Ingest(context.Background(), "ghost", []normalizer.Payload{emailPayload("whois", "a@example.com", "0.5")})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMutateFailureDropsCachedGraph(t *testing.T) {
	s := openStorage(t)
	ctx := context.Background()
	r := newRegistry(s)
	if _, err := r.Create(ctx, "inv", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := r.Ingest(ctx, "inv", []normalizer.Payload{emailPayload("whois", "a@example.com", "0.5")})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	id := res.Report.Batches[0].Refs["e"]

	boom := errors.New("boom")
	_, err = r.Mutate(ctx, "inv", func(_ context.Context, g *graph.Graph) error {
		if _, err := g.RemoveEntity(id); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	g, version, err := r.Get(ctx, "inv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := g.Snapshot().Entity(id); !ok || version != 1 {
		t.Fatalf("failed edit leaked into the served graph: version=%d", version)
	}

	version, err = r.Mutate(ctx, "inv", func(_ context.Context, g *graph.Graph) error {
		_, err := g.RemoveEntity(id)
		return err
	})
	if err != nil || version != 2 {
		t.Fatalf("Mutate: version=%d err=%v", version, err)
	}
	data, _, _ := s.LoadGraph(ctx, "inv")
	if len(data.Entities) != 0 {
		t.Fatalf("removal not persisted: %d entities", len(data.Entities))
	}
}

func TestConcurrentIngestSerializes(t *testing.T) {
	s := openStorage(t)
	ctx := context.Background()
	r := newRegistry(s)
	if _, err := r.Create(ctx, "inv", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, addr := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Ingest(ctx, "inv", []normalizer.Payload{emailPayload("src-"+addr, addr, "0.5")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	data, version, err := s.LoadGraph(ctx, "inv")
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if version != 4 || len(data.Entities) != 4 {
		t.Fatalf("version=%d entities=%d, want 4 and 4", version, len(data.Entities))
	}
}

func TestDeleteEvicts(t *testing.T) {
	s := openStorage(t)
	ctx := context.Background()
	r := newRegistry(s)
	if _, err := r.Create(ctx, "inv", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := r.Get(ctx, "inv"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := r.Delete(ctx, "inv"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := r.Get(ctx, "inv"); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

// cancelOnMerge returns graph params whose clock cancels the ingestion
// context the first time a fact is committed.
func cancelOnMerge(cancel context.CancelFunc) graph.NewGraphParams {
	var once sync.Once
	return graph.NewGraphParams{
		ParallelSources: 1,
		Clock: func() time.Time {
			once.Do(cancel)
			return retrieved
		},
	}
}

func TestCancelledIngestKeepsCommittedFacts(t *testing.T) {
	s := openStorage(t)
	r := NewRegistry(NewRegistryParams{Storage: s})
	if _, err := r.Create(context.Background(), "inv", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.graphCfg = cancelOnMerge(cancel)

	res, err := r.Ingest(ctx, "inv", []normalizer.Payload{
		emailPayload("whois", "a@example.com", "0.5"),
		emailPayload("forum", "b@example.com", "0.5"),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Version != 1 {
		t.Fatalf("version = %d, want 1", res.Version)
	}
	if !reflect.DeepEqual(res.Report.Succeeded, []string{"whois"}) || !reflect.DeepEqual(res.Report.Failed, []string{"forum"}) {
		t.Fatalf("succeeded=%v failed=%v", res.Report.Succeeded, res.Report.Failed)
	}
	if b := res.Report.Batches[1]; b.Abandoned != 1 || !errors.Is(b.Err, context.Canceled) {
		t.Fatalf("forum batch: abandoned=%d err=%v", b.Abandoned, b.Err)
	}

	data, version, err := s.LoadGraph(context.Background(), "inv")
	if err != nil || version != 1 {
		t.Fatalf("LoadGraph: version=%d err=%v", version, err)
	}
	if len(data.Entities) != 1 {
		t.Fatalf("persisted entities = %d, want the whois email", len(data.Entities))
	}

	g, _, err := r.Get(context.Background(), "inv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n, _ := g.Snapshot().Size(); n != 1 {
		t.Fatalf("served entities = %d, want 1", n)
	}
}

func TestCancelledBatchCommitsPrefix(t *testing.T) {
	s := openStorage(t)
	r := NewRegistry(NewRegistryParams{Storage: s})
	if _, err := r.Create(context.Background(), "inv", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.graphCfg = cancelOnMerge(cancel)

	res, err := r.Ingest(ctx, "inv", []normalizer.Payload{{
		Source:      "leak",
		Format:      normalizer.FormatJSON,
		RetrievedAt: retrieved,
		Data: []byte(`[
			{"entities": [{"ref": "a", "type": "email", "confidence": 0.5, "attributes": {"email": "a@example.com"}}]},
			{"entities": [{"ref": "b", "type": "email", "confidence": 0.5, "attributes": {"email": "b@example.com"}}]},
			{"entities": [{"ref": "c", "type": "email", "confidence": 0.5, "attributes": {"email": "c@example.com"}}]}
		]`),
	}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	b := res.Report.Batches[0]
	if b.Created != 1 || b.Abandoned != 2 {
		t.Fatalf("created=%d abandoned=%d, want 1 and 2", b.Created, b.Abandoned)
	}

	data, _, err := s.LoadGraph(context.Background(), "inv")
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if len(data.Entities) != 1 {
		t.Fatalf("persisted entities = %d, want 1", len(data.Entities))
	}
}

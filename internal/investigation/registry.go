// Package investigation owns the live graphs of all investigations. It
// loads a graph from storage once per stored version, applies ingestion
// and edits under the investigation's lease, and writes the result back.
package investigation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/graph"
	"github.com/OFFIS-RIT/argus/pkg/leaselock"
	"github.com/OFFIS-RIT/argus/pkg/logger"
	"github.com/OFFIS-RIT/argus/pkg/normalizer"
	"github.com/OFFIS-RIT/argus/pkg/store"

	"golang.org/x/sync/singleflight"
)

// saveTimeout bounds one SaveGraph call.
const saveTimeout = time.Minute

type entry struct {
	graph   *graph.Graph
	version int64
}

// Registry maps investigation ids to their graphs. It is safe for
// concurrent use.
type Registry struct {
	storage    store.GraphStorage
	locker     leaselock.Locker
	normalizer *normalizer.Normalizer
	graphCfg   graph.NewGraphParams
	lockOpts   leaselock.Options

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
}

// NewRegistryParams configures a Registry. Locker defaults to an in-process
// lock and Normalizer to one with the built-in mappers.
type NewRegistryParams struct {
	Storage     store.GraphStorage
	Locker      leaselock.Locker
	Normalizer  *normalizer.Normalizer
	Graph       graph.NewGraphParams
	LockOptions leaselock.Options
}

func NewRegistry(params NewRegistryParams) *Registry {
	locker := params.Locker
	if locker == nil {
		locker = leaselock.NewLocal()
	}
	norm := params.Normalizer
	if norm == nil {
		norm = normalizer.NewNormalizer(normalizer.NewNormalizerParams{})
	}
	opts := params.LockOptions
	opts.Wait = true
	return &Registry{
		storage:    params.Storage,
		locker:     locker,
		normalizer: norm,
		graphCfg:   params.Graph,
		lockOpts:   opts,
		entries:    make(map[string]*entry),
	}
}

func (r *Registry) Normalizer() *normalizer.Normalizer {
	return r.normalizer
}

func (r *Registry) Create(ctx context.Context, id, name string) (store.GraphInfo, error) {
	info, err := r.storage.CreateGraph(ctx, id, name)
	if err != nil {
		return info, err
	}
	logger.Info("[Investigation] Created", "investigation_id", info.ID)
	return info, nil
}

func (r *Registry) Info(ctx context.Context, id string) (store.GraphInfo, error) {
	return r.storage.GetGraph(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]store.GraphInfo, error) {
	return r.storage.ListGraphs(ctx)
}

// Delete removes the investigation from storage and drops the cached graph.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.locker.WithLease(ctx, leaselock.InvestigationKey(id), r.lockOpts, func(ctx context.Context) error {
		if err := r.storage.DeleteGraph(ctx, id); err != nil {
			return err
		}
		r.evict(id)
		logger.Info("[Investigation] Deleted", "investigation_id", id)
		return nil
	})
}

// Get returns the current graph of an investigation and its version. The
// graph is shared; callers read it through Snapshot.
func (r *Registry) Get(ctx context.Context, id string) (*graph.Graph, int64, error) {
	e, version, err := r.load(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return e.graph, version, nil
}

func (r *Registry) load(ctx context.Context, id string) (*entry, int64, error) {
	stored, err := r.storage.Version(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && e.version == stored {
		r.mu.Unlock()
		return e, stored, nil
	}
	r.mu.Unlock()

	key := fmt.Sprintf("%s@%d", id, stored)
	v, err, _ := r.group.Do(key, func() (any, error) {
		data, version, err := r.storage.LoadGraph(ctx, id)
		if err != nil {
			return nil, err
		}
		g := graph.NewGraph(r.graphCfg)
		if err := g.Restore(data); err != nil {
			return nil, fmt.Errorf("failed to restore investigation %s: %w", id, err)
		}
		loaded := &entry{graph: g, version: version}

		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.entries[id]; ok && cur.version >= version {
			return cur, nil
		}
		r.entries[id] = loaded
		logger.Debug("[Investigation] Loaded graph", "investigation_id", id, "version", version)
		return loaded, nil
	})
	if err != nil {
		return nil, 0, err
	}

	e = v.(*entry)
	r.mu.Lock()
	version := e.version
	r.mu.Unlock()
	return e, version, nil
}

func (r *Registry) evict(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Mutate runs fn on the latest graph of an investigation while holding its
// lease and saves the result. fn sees ctx cancellation; the save only stops
// when the lease is lost, so whatever fn committed before ctx ended is kept.
// A failed fn or save drops the cached graph so the next reader reloads the
// stored state.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(ctx context.Context, g *graph.Graph) error) (int64, error) {
	var saved int64
	err := r.locker.WithLease(ctx, leaselock.InvestigationKey(id), r.lockOpts, func(leaseCtx context.Context) error {
		workCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		stop := context.AfterFunc(leaseCtx, func() { cancel(context.Cause(leaseCtx)) })
		defer stop()

		e, version, err := r.load(workCtx, id)
		if err != nil {
			return err
		}
		if err := fn(workCtx, e.graph); err != nil {
			r.evict(id)
			return err
		}

		saveCtx, cancelSave := context.WithTimeout(leaseCtx, saveTimeout)
		defer cancelSave()
		next, err := r.storage.SaveGraph(saveCtx, id, e.graph.Export(), version)
		if err != nil {
			r.evict(id)
			return fmt.Errorf("failed to save investigation %s: %w", id, err)
		}
		r.mu.Lock()
		e.version = next
		r.mu.Unlock()
		saved = next
		return nil
	})
	return saved, err
}

// IngestResult reports what one ingestion did. Rejected maps sources whose
// payload could not be read at all to the reason; they are also listed as
// failed in Report.
type IngestResult struct {
	Report      *graph.IngestReport      `json:"report"`
	ParseErrors []*normalizer.ParseError `json:"parse_errors,omitempty"`
	Rejected    map[string]string        `json:"rejected,omitempty"`
	Version     int64                    `json:"version"`
}

// Ingest normalizes the payloads and merges them into the investigation.
// Each payload is one source batch; batches merge concurrently and a failed
// batch does not affect the others.
func (r *Registry) Ingest(ctx context.Context, id string, payloads []normalizer.Payload) (*IngestResult, error) {
	res := &IngestResult{}
	batches := make([]graph.Batch, 0, len(payloads))
	for _, p := range payloads {
		nr, err := r.normalizer.Normalize(p)
		if err != nil {
			if res.Rejected == nil {
				res.Rejected = make(map[string]string)
			}
			res.Rejected[p.Source] = err.Error()
			logger.Warn("[Investigation] Payload rejected", "investigation_id", id, "source", p.Source, "err", err)
			continue
		}
		res.ParseErrors = append(res.ParseErrors, nr.Errors...)
		batches = append(batches, graph.Batch{Source: nr.Source, Facts: nr.Facts})
	}

	var version int64
	var err error
	if len(batches) == 0 {
		res.Report = &graph.IngestReport{}
		version, err = r.storage.Version(ctx, id)
	} else {
		version, err = r.Mutate(ctx, id, func(ctx context.Context, g *graph.Graph) error {
			res.Report = g.Apply(ctx, batches)
			return nil
		})
	}
	if err != nil {
		return nil, err
	}
	res.Version = version
	for source := range res.Rejected {
		res.Report.Failed = append(res.Report.Failed, source)
	}

	logger.Info(
		"[Investigation] Ingested",
		"investigation_id", id,
		"version", version,
		"succeeded", len(res.Report.Succeeded),
		"failed", len(res.Report.Failed),
		"parse_errors", len(res.ParseErrors),
	)
	return res, nil
}

// IsNotFound reports whether err means the investigation does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrGraphNotFound)
}

package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/logger"
	"github.com/OFFIS-RIT/argus/pkg/store"
	"github.com/OFFIS-RIT/argus/pkg/store/memory"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultParallelSources  = 4
	DefaultAmbiguityPenalty = 0.5
)

// Graph owns the merged entity-relationship graph of one investigation and
// serializes every write that could race on entity identity.
//
// A Graph should be created using NewGraph.
type Graph struct {
	store *memory.Store

	typeLocks map[common.EntityType]*sync.Mutex
	relMu     sync.Mutex

	parallelSources  int
	ambiguityPenalty float64
	now              func() time.Time
}

// NewGraphParams defines the configuration parameters for creating a Graph.
//
// ParallelSources controls how many source batches Apply merges at once.
// AmbiguityPenalty scales the confidence of a candidate kept apart because
// it matched several existing entities. Clock overrides time.Now.
type NewGraphParams struct {
	ParallelSources  int
	AmbiguityPenalty float64
	Clock            func() time.Time
}

// NewGraph creates an empty graph.
//
// Example:
//
//	g := graph.NewGraph(graph.NewGraphParams{
//		ParallelSources:  8,
//		AmbiguityPenalty: 0.5,
//	})
//	report := g.Apply(ctx, batches)
//	for _, b := range report.Batches {
//		log.Println(b.Source, b.Created, b.Merged)
//	}
func NewGraph(params NewGraphParams) *Graph {
	parallel := params.ParallelSources
	if parallel <= 0 {
		parallel = DefaultParallelSources
	}
	penalty := params.AmbiguityPenalty
	if penalty <= 0 || penalty > 1 {
		penalty = DefaultAmbiguityPenalty
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	locks := make(map[common.EntityType]*sync.Mutex, len(common.EntityTypes))
	for _, t := range common.EntityTypes {
		locks[t] = &sync.Mutex{}
	}

	return &Graph{
		store:            memory.New(),
		typeLocks:        locks,
		parallelSources:  parallel,
		ambiguityPenalty: penalty,
		now:              func() time.Time { return clock().UTC() },
	}
}

// Store exposes the underlying graph store for reads.
func (g *Graph) Store() *memory.Store {
	return g.store
}

// Snapshot returns a consistent read view for the query engine.
func (g *Graph) Snapshot() *memory.Snapshot {
	return g.store.Snapshot()
}

// Export returns the persistable form of the graph.
func (g *Graph) Export() *store.GraphData {
	return g.store.Export()
}

// Restore replaces the graph contents with previously exported data.
func (g *Graph) Restore(data *store.GraphData) error {
	g.lockAllTypes()
	defer g.unlockAllTypes()
	g.relMu.Lock()
	defer g.relMu.Unlock()

	return g.store.Restore(data)
}

func (g *Graph) lockAllTypes() {
	for _, t := range common.EntityTypes {
		g.typeLocks[t].Lock()
	}
}

func (g *Graph) unlockAllTypes() {
	for i := len(common.EntityTypes) - 1; i >= 0; i-- {
		g.typeLocks[common.EntityTypes[i]].Unlock()
	}
}

// Batch is the ordered candidate facts one source produced for one query.
type Batch struct {
	Source string
	Facts  []common.CandidateFact
}

// Apply merges several source batches concurrently. Batches never cancel each
// other: a failing or cancelled batch is reported and the rest continue. The
// report lists batches in input order.
func (g *Graph) Apply(ctx context.Context, batches []Batch) *IngestReport {
	report := &IngestReport{Batches: make([]*BatchReport, len(batches))}

	var eg errgroup.Group
	eg.SetLimit(g.parallelSources)

	for i, batch := range batches {
		eg.Go(func() error {
			br, err := g.ApplyBatch(ctx, batch)
			if err != nil {
				br.Err = err
			}
			report.Batches[i] = br
			return nil
		})
	}
	_ = eg.Wait()

	for _, br := range report.Batches {
		if br.Err == nil {
			report.Succeeded = append(report.Succeeded, br.Source)
		} else {
			report.Failed = append(report.Failed, br.Source)
		}
	}
	return report
}

// ApplyBatch merges the facts of one batch in order. Facts commit one by one:
// when ctx is cancelled the remaining facts are abandoned and the error is
// returned together with the partial report. Per-fact failures are collected
// in the report and never stop the batch.
func (g *Graph) ApplyBatch(ctx context.Context, batch Batch) (*BatchReport, error) {
	report := newBatchReport(batch.Source)

	for idx, fact := range batch.Facts {
		if err := ctx.Err(); err != nil {
			report.Abandoned = len(batch.Facts) - idx
			logger.Warn("[Merge] Batch abandoned", "source", batch.Source, "remaining", report.Abandoned, "err", err)
			return report, fmt.Errorf("batch from %s abandoned: %w", batch.Source, err)
		}

		if fact.Source.Name == "" {
			fact.Source.Name = batch.Source
		}
		if err := fact.Validate(); err != nil {
			report.addError(idx, err)
			continue
		}

		if fact.Entity != nil {
			g.applyEntityFact(idx, fact, report)
			continue
		}
		g.applyRelationshipFact(idx, fact, report)
	}

	logger.Debug(
		"[Merge] Batch applied",
		"source", batch.Source,
		"created", report.Created,
		"merged", report.Merged,
		"unchanged", report.Unchanged,
		"conflicts", len(report.Conflicts),
		"errors", len(report.Errors),
	)
	return report, nil
}

func (g *Graph) applyEntityFact(idx int, fact common.CandidateFact, report *BatchReport) {
	res, err := g.applyEntity(*fact.Entity, fact.Source)
	if err != nil {
		report.addError(idx, err)
		return
	}

	switch res.outcome {
	case outcomeCreated:
		report.Created++
	case outcomeMerged:
		report.Merged++
	default:
		report.Unchanged++
	}
	if res.conflict != nil {
		report.Conflicts = append(report.Conflicts, *res.conflict)
	}

	ref := fact.Entity.Ref
	if ref == "" {
		ref = fact.Entity.ID
	}
	if ref != "" {
		report.Refs[ref] = res.entityID
	}
}

func (g *Graph) applyRelationshipFact(idx int, fact common.CandidateFact, report *BatchReport) {
	cand := *fact.Relationship
	from, ok := report.resolve(cand.From, g.store)
	if !ok {
		report.addError(idx, &common.DanglingReferenceError{MissingID: cand.From})
		return
	}
	to, ok := report.resolve(cand.To, g.store)
	if !ok {
		report.addError(idx, &common.DanglingReferenceError{MissingID: cand.To})
		return
	}
	if from == to {
		report.SelfLoops++
		return
	}

	outcome, err := g.applyRelationship(from, to, cand, fact.Source)
	if err != nil {
		report.addError(idx, err)
		return
	}
	switch outcome {
	case outcomeCreated:
		report.RelationshipsCreated++
	case outcomeMerged:
		report.RelationshipsMerged++
	default:
		report.Unchanged++
	}
}

// RemoveEntity deletes an entity and its incident relationships. It is
// serialized with merges of the entity's type.
func (g *Graph) RemoveEntity(id string) ([]string, error) {
	e, ok := g.store.GetEntity(id)
	if !ok {
		return nil, &common.NotFoundError{ID: id}
	}

	lock := g.typeLocks[e.Type]
	lock.Lock()
	defer lock.Unlock()
	g.relMu.Lock()
	defer g.relMu.Unlock()

	removed, err := g.store.RemoveEntity(id)
	if err != nil {
		return nil, err
	}
	logger.Debug("[Merge] Entity removed", "id", id, "relationships", len(removed))
	return removed, nil
}

// Conflicts returns every recorded ambiguous match.
func (g *Graph) Conflicts() []*common.Conflict {
	return g.store.Conflicts()
}

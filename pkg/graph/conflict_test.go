package graph

import (
	"errors"
	"math"
	"testing"

	"github.com/OFFIS-RIT/argus/pkg/common"
)

// ambiguousGraph holds two distinct John Doe identities and returns the
// ids of both plus a candidate that matches each of them.
func ambiguousGraph(t *testing.T) (*Graph, string, string, common.CandidateFact) {
	t.Helper()
	g := newTestGraph()
	r := mustApply(t, g, Batch{Source: "A", Facts: []common.CandidateFact{
		entityFact("byMail", common.EntityIdentity, common.Attributes{
			common.AttrName:  common.String("John Doe"),
			common.AttrEmail: common.String("jd@example.com"),
		}, src("A", 0.8)),
		entityFact("byHandle", common.EntityIdentity, common.Attributes{
			common.AttrName:     common.String("John Doe"),
			common.AttrUsername: common.String("johnd"),
		}, src("A", 0.8)),
	}})
	if r.Created != 2 {
		t.Fatalf("expected two distinct identities, got %+v", r)
	}

	cand := entityFact("both", common.EntityIdentity, common.Attributes{
		common.AttrName:     common.String("John Doe"),
		common.AttrEmail:    common.String("jd@example.com"),
		common.AttrUsername: common.String("johnd"),
		"location":          common.String("Oldenburg"),
	}, src("B", 0.6))
	return g, r.Refs["byMail"], r.Refs["byHandle"], cand
}

func TestAmbiguousMatchKeptApart(t *testing.T) {
	g, mail, handle, cand := ambiguousGraph(t)

	r := mustApply(t, g, Batch{Source: "B", Facts: []common.CandidateFact{cand}})
	if len(r.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", r.Conflicts)
	}
	c := r.Conflicts[0]
	if c.EntityID == mail || c.EntityID == handle {
		t.Fatal("ambiguous candidate must not merge into an existing entity")
	}
	if len(c.MatchedIDs) != 2 {
		t.Fatalf("expected both matches to be named, got %v", c.MatchedIDs)
	}

	e, ok := g.Store().GetEntity(c.EntityID)
	if !ok || !e.Conflicted {
		t.Fatalf("expected a conflicted entity, got %+v", e)
	}
	if math.Abs(e.Confidence-0.3) > 1e-9 {
		t.Fatalf("expected penalised confidence 0.3, got %v", e.Confidence)
	}
	for _, id := range []string{mail, handle} {
		existing, _ := g.Store().GetEntity(id)
		if len(existing.Sources) != 1 {
			t.Fatalf("existing entity %s was modified: %+v", id, existing.Sources)
		}
	}

	again := mustApply(t, g, Batch{Source: "B", Facts: []common.CandidateFact{cand}})
	if again.Refs["both"] != c.EntityID || again.Created != 0 {
		t.Fatalf("re-applying the candidate must reuse the conflicted entity, got %+v", again)
	}
	if n := len(g.Conflicts()); n != 1 {
		t.Fatalf("expected a single recorded conflict, got %d", n)
	}
}

func TestResolveConflictMergesIntoTarget(t *testing.T) {
	g, mail, _, cand := ambiguousGraph(t)
	r := mustApply(t, g, Batch{Source: "B", Facts: []common.CandidateFact{
		cand,
		emailFact("m", "jd@example.com", src("B", 0.6)),
		relFact("both", "m", common.RelUses, 0.7, src("B", 0.6)),
	}})
	conflicted := r.Conflicts[0].EntityID

	resolved, err := g.ResolveConflict(r.Conflicts[0].ConflictID, mail)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if !resolved.Resolved() || resolved.ResolvedInto != mail {
		t.Fatalf("conflict not marked resolved: %+v", resolved)
	}

	if _, ok := g.Store().GetEntity(conflicted); ok {
		t.Fatal("conflicted entity should be gone")
	}
	target, _ := g.Store().GetEntity(mail)
	if got := common.SourceNames(target.Sources); len(got) != 2 {
		t.Fatalf("expected sources A and B on target, got %v", got)
	}
	if math.Abs(target.Confidence-(1-0.2*0.4)) > 1e-9 {
		t.Fatalf("expected original confidence restored, got %v", target.Confidence)
	}
	if target.Attributes.Text("location") != "Oldenburg" {
		t.Fatalf("attributes not merged: %v", target.Attributes)
	}
	if _, ok := g.Store().RelationshipByKey(mail, r.Refs["m"], common.RelUses); !ok {
		t.Fatal("relationship was not re-pointed to the target")
	}

	if _, err := g.ResolveConflict(r.Conflicts[0].ConflictID, mail); !errors.Is(err, ErrConflictResolved) {
		t.Fatalf("expected ErrConflictResolved, got %v", err)
	}

	again := mustApply(t, g, Batch{Source: "B", Facts: []common.CandidateFact{cand}})
	if again.Refs["both"] != mail || len(again.Conflicts) != 0 {
		t.Fatalf("resolved candidate should merge into the target, got %+v", again)
	}
}

func TestResolveConflictKeepSeparate(t *testing.T) {
	g, _, _, cand := ambiguousGraph(t)
	r := mustApply(t, g, Batch{Source: "B", Facts: []common.CandidateFact{cand}})
	id := r.Conflicts[0].EntityID

	if _, err := g.ResolveConflict(r.Conflicts[0].ConflictID, id); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	e, _ := g.Store().GetEntity(id)
	if e.Conflicted || e.Confidence != 0.6 {
		t.Fatalf("expected a regular entity at full confidence, got %+v", e)
	}
}

func TestResolveConflictErrors(t *testing.T) {
	g, mail, _, cand := ambiguousGraph(t)
	r := mustApply(t, g, Batch{Source: "B", Facts: []common.CandidateFact{
		cand,
		emailFact("m", "x@example.com", src("B", 0.5)),
		entityFact("other", common.EntityIdentity, common.Attributes{
			common.AttrName:     common.String("Jane Roe"),
			common.AttrUsername: common.String("jroe"),
		}, src("B", 0.5)),
	}})
	conflictID := r.Conflicts[0].ConflictID

	if _, err := g.ResolveConflict("missing", "x"); !common.IsNotFound(err) {
		t.Fatalf("expected NotFoundError for unknown conflict, got %v", err)
	}

	tests := []struct {
		name   string
		target string
	}{
		{name: "unknown entity", target: "missing"},
		{name: "other type", target: r.Refs["m"]},
		{name: "same type, not matched", target: r.Refs["other"]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.ResolveConflict(conflictID, tt.target); !errors.Is(err, ErrNotCandidate) {
				t.Fatalf("expected ErrNotCandidate, got %v", err)
			}
		})
	}
	if e, ok := g.Store().GetEntity(r.Refs["other"]); !ok || len(e.Sources) != 1 {
		t.Fatalf("rejected target was modified: %+v", e)
	}

	if _, err := g.Store().RemoveEntity(mail); err != nil {
		t.Fatalf("RemoveEntity: %v", err)
	}
	if _, err := g.ResolveConflict(conflictID, mail); !common.IsNotFound(err) {
		t.Fatalf("expected NotFoundError for a removed candidate, got %v", err)
	}
	if c, _ := g.Store().GetConflict(conflictID); c.Resolved() {
		t.Fatal("failed resolutions must leave the conflict open")
	}
}

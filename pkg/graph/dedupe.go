package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/OFFIS-RIT/argus/pkg/common"
)

// findMatches returns the committed, non-conflicted entities the probe
// matches. Types with a derivable dedupe key are answered from the key index
// alone; the rest fall back to a scan of the type partition.
func (g *Graph) findMatches(probe *common.Entity) []*common.Entity {
	switch probe.Type {
	case common.EntityEmail, common.EntityDomain, common.EntityPhone:
		key := common.DedupeKey(probe)
		if key == "" {
			return nil
		}
		if e, ok := g.store.LookupDedupeKey(key); ok && !e.Conflicted {
			return []*common.Entity{e}
		}
		return nil
	}

	var matches []*common.Entity
	for _, e := range g.store.EntitiesByType(probe.Type) {
		if e.Conflicted {
			continue
		}
		if common.MatchesKey(probe, e) {
			matches = append(matches, e)
		}
	}
	return matches
}

// candidateFingerprint identifies an entity candidate from one source so that
// re-applying an ambiguous candidate finds the entity it was kept as.
func candidateFingerprint(cand common.EntityCandidate, source string) string {
	attrs, err := json.Marshal(cand.Attributes)
	if err != nil {
		attrs = nil
	}
	h := sha256.New()
	h.Write([]byte(cand.Type))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write(attrs)
	return hex.EncodeToString(h.Sum(nil))
}

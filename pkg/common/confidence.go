package common

import (
	"cmp"
	"math"
	"slices"
)

// AggregateConfidence combines independent per-source confidences as
// 1 - Π(1 - cᵢ). The product runs over sorted inputs so the result does not
// depend on the order sources arrived in.
func AggregateConfidence(sources []Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	cs := make([]float64, len(sources))
	for i, s := range sources {
		cs[i] = ClampConfidence(s.Confidence)
	}
	slices.Sort(cs)

	remaining := 1.0
	for _, c := range cs {
		remaining *= 1 - c
	}
	return ClampConfidence(1 - remaining)
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c):
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// BestConfidence returns the highest confidence among sources, ignoring the
// source named skip.
func BestConfidence(sources []Source, skip string) float64 {
	best := 0.0
	for _, s := range sources {
		if s.Name == skip {
			continue
		}
		best = max(best, s.Confidence)
	}
	return best
}

// UpsertSource adds s to sources, replacing a prior contribution of the same
// source. The result is ordered by source name.
func UpsertSource(sources []Source, s Source) []Source {
	out := make([]Source, 0, len(sources)+1)
	for _, cur := range sources {
		if cur.Name != s.Name {
			out = append(out, cur)
		}
	}
	out = append(out, s)
	slices.SortFunc(out, func(a, b Source) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// UnionSources merges two source sets. When both contain the same source the
// contribution with the higher confidence wins.
func UnionSources(a, b []Source) []Source {
	out := slices.Clone(a)
	for _, s := range b {
		idx := slices.IndexFunc(out, func(cur Source) bool { return cur.Name == s.Name })
		if idx >= 0 {
			if s.Confidence > out[idx].Confidence {
				out[idx] = s
			}
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(x, y Source) int {
		return cmp.Compare(x.Name, y.Name)
	})
	return out
}

// SourceNames returns the names of the given sources in order.
func SourceNames(sources []Source) []string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name
	}
	return names
}

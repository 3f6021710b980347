package investigation

import (
	"fmt"
	"time"

	"github.com/OFFIS-RIT/argus/internal/util"
	"github.com/OFFIS-RIT/argus/pkg/graph"
	"github.com/OFFIS-RIT/argus/pkg/leaselock"
	"github.com/OFFIS-RIT/argus/pkg/normalizer"
)

// GraphParamsFromEnv reads MERGE_PARALLEL_SOURCES and AMBIGUITY_PENALTY.
func GraphParamsFromEnv() graph.NewGraphParams {
	return graph.NewGraphParams{
		ParallelSources:  util.GetEnvInt("MERGE_PARALLEL_SOURCES", graph.DefaultParallelSources),
		AmbiguityPenalty: util.GetEnvNumeric("AMBIGUITY_PENALTY", graph.DefaultAmbiguityPenalty),
	}
}

// NormalizerFromEnv builds a normalizer with the source profiles named by
// SOURCE_PROFILES, if any.
func NormalizerFromEnv() (*normalizer.Normalizer, error) {
	profiles, err := normalizer.LoadProfiles(util.GetEnv("SOURCE_PROFILES"))
	if err != nil {
		return nil, fmt.Errorf("failed to load source profiles: %w", err)
	}
	return normalizer.NewNormalizer(normalizer.NewNormalizerParams{Profiles: profiles}), nil
}

// LockOptionsFromEnv reads LOCK_TTL_SECONDS. The token prefix identifies the
// holding process in app_locks.
func LockOptionsFromEnv(tokenPrefix string) leaselock.Options {
	return leaselock.Options{
		TTL:         time.Duration(util.GetEnvInt("LOCK_TTL_SECONDS", 300)) * time.Second,
		WaitJitter:  100 * time.Millisecond,
		TokenPrefix: tokenPrefix,
	}
}

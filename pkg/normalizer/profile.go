package normalizer

import (
	"fmt"
	"os"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/common"

	"gopkg.in/yaml.v3"
)

// DefaultConfidence is used for candidates that state no confidence of their
// own and whose source has no profile.
const DefaultConfidence = 0.5

// Profile holds the reliability settings of one source.
//
// Reliability scales every confidence the source reports; DefaultConfidence
// replaces a missing one.
type Profile struct {
	Reliability       float64 `yaml:"reliability" json:"reliability"`
	DefaultConfidence float64 `yaml:"default_confidence" json:"default_confidence"`
}

// Profiles maps source names to profiles. The "default" entry, when present,
// applies to sources without an entry of their own.
type Profiles map[string]Profile

const defaultProfileKey = "default"

type profileFile struct {
	Sources Profiles `yaml:"sources"`
}

// ParseProfiles reads a YAML document of the form
//
//	sources:
//	  default:
//	    reliability: 1
//	    default_confidence: 0.5
//	  whois:
//	    reliability: 0.9
func ParseProfiles(data []byte) (Profiles, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse source profiles: %w", err)
	}
	for name, p := range f.Sources {
		if p.Reliability < 0 || p.Reliability > 1 {
			return nil, fmt.Errorf("source %q: reliability %v outside [0,1]", name, p.Reliability)
		}
		if p.DefaultConfidence < 0 || p.DefaultConfidence > 1 {
			return nil, fmt.Errorf("source %q: default_confidence %v outside [0,1]", name, p.DefaultConfidence)
		}
	}
	return f.Sources, nil
}

// LoadProfiles reads profiles from a YAML file. An empty path yields no
// profiles.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source profiles: %w", err)
	}
	return ParseProfiles(data)
}

// For returns the effective profile of a source with unset fields filled in.
func (ps Profiles) For(source string) Profile {
	p, ok := ps[source]
	if !ok {
		p = ps[defaultProfileKey]
	}
	if p.Reliability == 0 {
		p.Reliability = 1
	}
	if p.DefaultConfidence == 0 {
		p.DefaultConfidence = DefaultConfidence
	}
	return p
}

func (p Profile) confidence(stated *float64) float64 {
	c := p.DefaultConfidence
	if stated != nil {
		c = *stated
	}
	return common.ClampConfidence(c * p.Reliability)
}

func (p Profile) source(name string, stated *float64, retrievedAt time.Time) common.Source {
	return common.Source{
		Name:        name,
		Confidence:  p.confidence(stated),
		RetrievedAt: retrievedAt,
	}
}

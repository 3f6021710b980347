package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/common"
	"github.com/OFFIS-RIT/argus/pkg/graph"
)

var retrieved = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func payload(source, format, data string) Payload {
	return Payload{Source: source, Format: format, RetrievedAt: retrieved, Data: []byte(data)}
}

func kinds(facts []common.CandidateFact) string {
	var b strings.Builder
	for _, f := range facts {
		if f.Entity != nil {
			b.WriteByte('E')
		} else {
			b.WriteByte('R')
		}
	}
	return b.String()
}

func TestNormalizeJSONOrdersEntitiesFirst(t *testing.T) {
	n := NewNormalizer(NewNormalizerParams{})
	res, err := n.Normalize(payload("whois", FormatJSON, `[
		{"relationships": [{"from": "org", "to": "dom", "type": "OWNS", "weight": 0.9}]},
		{"entities": [
			{"ref": "org", "type": "organization", "confidence": 0.8, "attributes": {"name": "ACME GmbH"}},
			{"ref": "dom", "type": "domain", "attributes": {"domain": "acme.example"}}
		]}
	]`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected parse errors: %v", res.Errors)
	}
	if got := kinds(res.Facts); got != "EER" {
		t.Fatalf("fact order = %s, want EER", got)
	}

	org := res.Facts[0]
	if org.Source.Name != "whois" || org.Source.Confidence != 0.8 || !org.Source.RetrievedAt.Equal(retrieved) {
		t.Fatalf("unexpected source %+v", org.Source)
	}
	if res.Facts[1].Source.Confidence != DefaultConfidence {
		t.Fatalf("missing confidence should default to %v, got %v", DefaultConfidence, res.Facts[1].Source.Confidence)
	}
	if w := res.Facts[2].Relationship.Weight; w != 0.9 {
		t.Fatalf("weight = %v, want 0.9", w)
	}
}

func TestNormalizeMalformedRecords(t *testing.T) {
	n := NewNormalizer(NewNormalizerParams{})
	res, err := n.Normalize(payload("social", FormatJSON, `{"records": [
		{"entities": [{"ref": "a", "type": "email", "attributes": {"email": "a@example.com"}}]},
		{"entities": [{"ref": "b", "type": "person"}]},
		{"entities": [{"ref": "c", "type": "phone", "attributes": {"phone": "+49 441 123456"}}],
		 "relationships": [{"from": "c", "type": "USES"}]},
		"not a record",
		{}
	]}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(res.Facts) != 1 || res.Facts[0].Entity.Ref != "a" {
		t.Fatalf("only the first record should produce facts, got %+v", res.Facts)
	}

	var idx []int
	for _, pe := range res.Errors {
		if pe.Source != "social" {
			t.Fatalf("parse error without source: %+v", pe)
		}
		idx = append(idx, pe.Index)
	}
	if !reflect.DeepEqual(idx, []int{1, 2, 3, 4}) {
		t.Fatalf("parse error indices = %v, want [1 2 3 4]", idx)
	}
	if !strings.Contains(res.Errors[0].Error(), "invalid type") {
		t.Fatalf("unexpected reason %q", res.Errors[0].Reason)
	}
}

func TestNormalizeRepairsBrokenJSON(t *testing.T) {
	n := NewNormalizer(NewNormalizerParams{})

	inputs := []string{
		`{entities: [{ref: 'a', type: 'email', attributes: {email: 'a@example.com'}},]}`,
		`"{\"entities\": [{\"ref\": \"a\", \"type\": \"email\"}]}"`,
		`[{"entities": [{"ref": "a", "type": "email"}]}`,
	}
	for _, in := range inputs {
		res, err := n.Normalize(payload("scraper", "", in))
		if err != nil {
			t.Fatalf("Normalize(%s): %v", in, err)
		}
		if len(res.Facts) != 1 || res.Facts[0].Entity.Type != common.EntityEmail {
			t.Fatalf("Normalize(%s) facts = %+v", in, res.Facts)
		}
	}
}

func TestNormalizePayloadErrors(t *testing.T) {
	n := NewNormalizer(NewNormalizerParams{})

	if _, err := n.Normalize(payload("x", "xml", `<a/>`)); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
	if _, err := n.Normalize(payload("x", FormatJSON, `42`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if _, err := n.Normalize(payload("", FormatJSON, `{}`)); err == nil {
		t.Fatal("expected an error for a payload without source")
	}
}

func TestNormalizeCSV(t *testing.T) {
	n := NewNormalizer(NewNormalizerParams{})
	res, err := n.Normalize(payload("leak", FormatCSV, strings.Join([]string{
		"ref,type,confidence,from,to,weight,name,email,aliases",
		"p,identity,0.7,,,,John Doe,,jd | johnny",
		",,,,,,,,",
		"m,email,0.9,,,,,John.Doe@Example.com,",
		",uses,0.6,p,m,0.5,,,",
		"x,email,high,,,,,x@example.com,",
		"y,unicorn,,,,,,,",
	}, "\n")))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got := kinds(res.Facts); got != "EER" {
		t.Fatalf("fact order = %s, want EER", got)
	}

	p := res.Facts[0].Entity
	want := common.Attributes{
		"name":    common.String("John Doe"),
		"aliases": common.StringList("jd", "johnny"),
	}
	if !p.Attributes.Equal(want) {
		t.Fatalf("attributes = %v, want %v", p.Attributes, want)
	}
	rel := res.Facts[2].Relationship
	if rel.Type != common.RelUses || rel.From != "p" || rel.To != "m" || rel.Weight != 0.5 {
		t.Fatalf("unexpected relationship %+v", rel)
	}

	if len(res.Errors) != 2 || res.Errors[0].Index != 3 || res.Errors[1].Index != 4 {
		t.Fatalf("unexpected parse errors %+v", res.Errors)
	}
}

func TestCSVRequiresTypeColumn(t *testing.T) {
	n := NewNormalizer(NewNormalizerParams{})
	if _, err := n.Normalize(payload("leak", FormatCSV, "name,email\nJohn,j@example.com\n")); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestProfilesScaleConfidence(t *testing.T) {
	profiles, err := ParseProfiles([]byte(`
sources:
  default:
    default_confidence: 0.4
  forum:
    reliability: 0.5
    default_confidence: 0.8
`))
	if err != nil {
		t.Fatalf("ParseProfiles: %v", err)
	}
	n := NewNormalizer(NewNormalizerParams{Profiles: profiles})

	tests := []struct {
		source string
		data   string
		want   float64
	}{
		{"forum", `{"entities": [{"type": "email", "confidence": 0.9}]}`, 0.45},
		{"forum", `{"entities": [{"type": "email"}]}`, 0.4},
		{"other", `{"entities": [{"type": "email"}]}`, 0.4},
		{"other", `{"entities": [{"type": "email", "confidence": 1.5}]}`, 1},
	}
	for _, tt := range tests {
		res, err := n.Normalize(payload(tt.source, FormatJSON, tt.data))
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if got := res.Facts[0].Source.Confidence; math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("%s %s: confidence = %v, want %v", tt.source, tt.data, got, tt.want)
		}
	}
}

func TestParseProfilesRejectsOutOfRange(t *testing.T) {
	if _, err := ParseProfiles([]byte("sources:\n  a:\n    reliability: 2\n")); err == nil {
		t.Fatal("expected an error for reliability above 1")
	}
	if _, err := ParseProfiles([]byte("sources: [")); err == nil {
		t.Fatal("expected an error for invalid YAML")
	}
}

func TestRegisteredMapperWins(t *testing.T) {
	n := NewNormalizer(NewNormalizerParams{})
	n.Register("custom", MapperFunc(func(data []byte) ([]Projection, error) {
		return []Projection{{Entities: []EntityRecord{{
			Ref:        "d",
			Type:       common.EntityDomain,
			Attributes: common.Attributes{common.AttrDomain: common.String(string(data))},
		}}}}, nil
	}))

	res, err := n.Normalize(payload("custom", FormatCSV, "example.org"))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got := res.Facts[0].Entity.Attributes.Text(common.AttrDomain); got != "example.org" {
		t.Fatalf("custom mapper not used, got %q", got)
	}
}

func TestRecordSchema(t *testing.T) {
	raw, err := json.Marshal(RecordSchema())
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	for _, want := range []string{`"entities"`, `"relationships"`, `"social_profile"`, `"ALIAS_OF"`, `"date-time"`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("schema lacks %s: %s", want, raw)
		}
	}
}

func TestNormalizedSourcesMergeInGraph(t *testing.T) {
	n := NewNormalizer(NewNormalizerParams{})
	g := graph.NewGraph(graph.NewGraphParams{})

	var batches []graph.Batch
	for _, p := range []Payload{
		payload("A", FormatJSON, `{"entities": [{"ref": "m", "type": "email", "confidence": 0.6, "attributes": {"email": "John.Doe@Example.com"}}]}`),
		payload("B", FormatCSV, "ref,type,confidence,email\nm,email,0.7,john.doe@example.com\n"),
	} {
		res, err := n.Normalize(p)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		batches = append(batches, graph.Batch{Source: res.Source, Facts: res.Facts})
	}

	report := g.Apply(context.Background(), batches)
	if len(report.Failed) != 0 {
		t.Fatalf("unexpected failures: %v", report.Failed)
	}
	entities := g.Snapshot().Entities()
	if len(entities) != 1 {
		t.Fatalf("expected one merged email, got %d", len(entities))
	}
	if math.Abs(entities[0].Confidence-0.88) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.88", entities[0].Confidence)
	}
}

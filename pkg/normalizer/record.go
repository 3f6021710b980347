package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/OFFIS-RIT/argus/pkg/common"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// EntityRecord is one entity as a collector reports it. Ref names the entity
// within the payload so relationships can point at it.
type EntityRecord struct {
	Ref        string            `json:"ref,omitempty" jsonschema:"description=Payload scoped name used by relationships"`
	ID         string            `json:"id,omitempty" jsonschema:"description=Existing graph id to merge into"`
	Type       common.EntityType `json:"type" jsonschema:"required,enum=identity,enum=email,enum=phone,enum=address,enum=domain,enum=organization,enum=social_profile"`
	Confidence *float64          `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=1"`
	Attributes common.Attributes `json:"attributes,omitempty"`
}

// RelationshipRecord is one relationship as a collector reports it. From and
// To are refs of the same payload or ids already in the graph.
type RelationshipRecord struct {
	From       string                  `json:"from" jsonschema:"required"`
	To         string                  `json:"to" jsonschema:"required"`
	Type       common.RelationshipType `json:"type" jsonschema:"required,enum=LINKED_TO,enum=MENTIONS,enum=POSTED_ON,enum=WORKS_FOR,enum=LIVES_AT,enum=OWNS,enum=ASSOCIATES_WITH,enum=REGISTERED_TO,enum=POSTED_BY,enum=USES,enum=ALIAS_OF"`
	Weight     *float64                `json:"weight,omitempty" jsonschema:"minimum=0,maximum=1"`
	Confidence *float64                `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=1"`
}

// Record is the unit of the built-in JSON format. A payload is either a
// single record, an array of records or an object {"records": [...]}.
type Record struct {
	Entities      []EntityRecord       `json:"entities,omitempty"`
	Relationships []RelationshipRecord `json:"relationships,omitempty"`
}

// JSONMapper reads payloads in the built-in record format. Broken JSON as
// produced by scraping collectors is repaired before decoding.
type JSONMapper struct{}

func (JSONMapper) Map(data []byte) ([]Projection, error) {
	raws, err := splitRecords(data)
	if err != nil {
		return nil, err
	}

	out := make([]Projection, len(raws))
	for i, raw := range raws {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			out[i] = Projection{Err: err}
			continue
		}
		out[i] = Projection{Entities: rec.Entities, Relationships: rec.Relationships}
	}
	return out, nil
}

func splitRecords(data []byte) ([]json.RawMessage, error) {
	var raw json.RawMessage
	if err := UnmarshalFlexible(string(data), &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	switch raw[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, err
		}
		if records, ok := envelope["records"]; ok {
			var list []json.RawMessage
			if err := json.Unmarshal(records, &list); err != nil {
				return nil, fmt.Errorf("records must be an array: %w", err)
			}
			return list, nil
		}
		return []json.RawMessage{raw}, nil
	case '"':
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		if s := strings.TrimSpace(inner); strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
			return splitRecords([]byte(s))
		}
		return nil, fmt.Errorf("payload must be a JSON object or array")
	default:
		return nil, fmt.Errorf("payload must be a JSON object or array")
	}
}

func stripDuplicateLeadingBrace(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		rest := strings.TrimSpace(s[1:])
		if strings.HasPrefix(rest, "{") {
			return rest
		}
	}
	return s
}

// UnmarshalFlexible decodes JSON into out, falling back to double encoded
// strings and finally to a repaired copy of the input.
//
// Example:
//
//	var rec Record
//	UnmarshalFlexible(`{"entities": []}`, &rec)     // standard JSON
//	UnmarshalFlexible(`"{\"entities\": []}"`, &rec) // double-encoded
//	UnmarshalFlexible(`{entities: [],}`, &rec)      // malformed (repaired)
func UnmarshalFlexible(input string, out any) error {
	input = strings.TrimSpace(input)

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(input), &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if err := json.Unmarshal([]byte(asString), out); err == nil {
			return nil
		}
		input = asString
	}

	input = stripDuplicateLeadingBrace(input)
	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w", err)
	}

	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("unmarshal failed after repair: %w", err)
	}
	return nil
}

// RecordSchema returns the JSON schema of a single Record for collector
// authors.
func RecordSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		Mapper:                    attributeSchema,
	}
	return reflector.Reflect(&Record{})
}

var valueType = reflect.TypeOf(common.Value{})

// attributeSchema describes the closed attribute value variants, which the
// reflector cannot see through Value's private fields.
func attributeSchema(t reflect.Type) *jsonschema.Schema {
	if t != valueType {
		return nil
	}
	date := &jsonschema.Schema{
		Type:        "object",
		Description: `Date as {"date": "<RFC3339>"}`,
		Properties:  jsonschema.NewProperties(),
		Required:    []string{"date"},
	}
	date.Properties.Set("date", &jsonschema.Schema{Type: "string", Format: "date-time"})
	return &jsonschema.Schema{
		AnyOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "number"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			date,
			{Type: "null"},
		},
	}
}

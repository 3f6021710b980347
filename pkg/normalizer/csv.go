package normalizer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/argus/pkg/common"
)

// ListSeparator splits a CSV cell into a string list attribute.
const ListSeparator = "|"

var reservedColumns = map[string]struct{}{
	"ref": {}, "id": {}, "type": {}, "confidence": {},
	"from": {}, "to": {}, "weight": {},
}

// CSVMapper reads tabular payloads. The header row names the columns; every
// further non-empty row is one record. A row whose type is a relationship
// type describes a relationship through the from, to and weight columns.
// Any other row is an entity whose non-reserved columns become attributes.
type CSVMapper struct{}

func (CSVMapper) Map(data []byte) ([]Projection, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("CSV payload is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	if !slices.Contains(header, "type") {
		return nil, fmt.Errorf("CSV header has no type column")
	}

	var out []Projection
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				out = append(out, Projection{Err: err})
				continue
			}
			return nil, err
		}
		if blank(row) {
			continue
		}
		out = append(out, csvRow(header, row))
	}
	return out, nil
}

func csvRow(header, row []string) Projection {
	if len(row) > len(header) {
		return Projection{Err: fmt.Errorf("row has %d fields, header has %d", len(row), len(header))}
	}
	cells := make(map[string]string, len(row))
	for i, v := range row {
		if v = strings.TrimSpace(v); v != "" {
			cells[header[i]] = v
		}
	}

	confidence, err := optionalFloat(cells, "confidence")
	if err != nil {
		return Projection{Err: err}
	}

	typ := cells["type"]
	if rt := common.RelationshipType(strings.ToUpper(typ)); rt.Valid() {
		weight, err := optionalFloat(cells, "weight")
		if err != nil {
			return Projection{Err: err}
		}
		return Projection{Relationships: []RelationshipRecord{{
			From:       cells["from"],
			To:         cells["to"],
			Type:       rt,
			Weight:     weight,
			Confidence: confidence,
		}}}
	}

	attrs := common.Attributes{}
	for col, v := range cells {
		if _, reserved := reservedColumns[col]; reserved {
			continue
		}
		if strings.Contains(v, ListSeparator) {
			items := strings.Split(v, ListSeparator)
			for i := range items {
				items[i] = strings.TrimSpace(items[i])
			}
			attrs[col] = common.StringList(items...)
		} else {
			attrs[col] = common.String(v)
		}
	}
	return Projection{Entities: []EntityRecord{{
		Ref:        cells["ref"],
		ID:         cells["id"],
		Type:       common.EntityType(strings.ToLower(typ)),
		Confidence: confidence,
		Attributes: attrs,
	}}}
}

func optionalFloat(cells map[string]string, col string) (*float64, error) {
	v, ok := cells[col]
	if !ok {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("column %s: %q is not a number", col, v)
	}
	return &f, nil
}

func blank(row []string) bool {
	for _, field := range row {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

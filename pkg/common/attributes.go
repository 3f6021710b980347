package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Well known attribute names. The attribute map stays open, these are the
// keys matching and labelling look at.
const (
	AttrName     = "name"
	AttrUsername = "username"
	AttrAliases  = "aliases"
	AttrEmail    = "email"
	AttrPhone    = "phone"
	AttrAddress  = "address"
	AttrDomain   = "domain"
	AttrURL      = "url"
	AttrPlatform = "platform"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindDate
	KindStringList
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	case KindStringList:
		return "string_list"
	default:
		return "null"
	}
}

// Value is a single attribute value. The zero Value is null.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	date time.Time
	list []string
}

func String(s string) Value {
	return Value{kind: KindString, str: s}
}

func Number(n float64) Value {
	return Value{kind: KindNumber, num: n}
}

func Date(t time.Time) Value {
	return Value{kind: KindDate, date: t.UTC()}
}

// StringList builds a list value. Duplicates and empty entries are dropped,
// first occurrence order is kept.
func StringList(items ...string) Value {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return Value{kind: KindStringList, list: out}
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// String renders the value for display.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindDate:
		return v.date.Format(time.RFC3339)
	case KindStringList:
		return fmt.Sprint(v.list)
	default:
		return ""
	}
}

func (v Value) Float() (float64, bool) {
	return v.num, v.kind == KindNumber
}

func (v Value) Time() (time.Time, bool) {
	return v.date, v.kind == KindDate
}

func (v Value) List() []string {
	if v.kind != KindStringList {
		return nil
	}
	return slices.Clone(v.list)
}

// Strings returns the textual content of a string or list value.
func (v Value) Strings() []string {
	switch v.kind {
	case KindString:
		if v.str == "" {
			return nil
		}
		return []string{v.str}
	case KindStringList:
		return slices.Clone(v.list)
	default:
		return nil
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindDate:
		return v.date.Equal(o.date)
	case KindStringList:
		return slices.Equal(v.list, o.list)
	default:
		return true
	}
}

type dateJSON struct {
	Date time.Time `json:"date"`
}

// MarshalJSON encodes strings, numbers and lists as plain JSON values.
// Dates are wrapped as {"date": "<RFC3339>"} to survive a round trip.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindDate:
		return json.Marshal(dateJSON{Date: v.date})
	case KindStringList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case '[':
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("list attribute must hold strings: %w", err)
		}
		*v = StringList(items...)
	case '{':
		var d dateJSON
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("invalid date attribute: %w", err)
		}
		*v = Date(d.Date)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = String(strconv.FormatBool(b))
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported attribute value %s: %w", data, err)
		}
		*v = Number(n)
	}
	return nil
}

// Attributes maps attribute names to values.
type Attributes map[string]Value

func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if v.kind == KindStringList {
			v.list = slices.Clone(v.list)
		}
		out[k] = v
	}
	return out
}

// Get returns the value for key, null when absent.
func (a Attributes) Get(key string) Value {
	return a[key]
}

// Text returns the string form of a string attribute or "" otherwise.
func (a Attributes) Text(key string) string {
	v := a[key]
	if v.kind != KindString {
		return ""
	}
	return v.str
}

func (a Attributes) Equal(o Attributes) bool {
	return maps.EqualFunc(a, o, Value.Equal)
}

// MergeAttributes applies the field level merge policy and returns the merged
// map together with whether anything changed. existingBest is the highest
// confidence among the sources already backing the existing values.
//
// Null existing values take the incoming value. Lists are unioned, a string
// meeting a list joins the union. Other conflicting scalars keep the existing
// value unless incomingConfidence is strictly greater than existingBest.
func MergeAttributes(existing, incoming Attributes, existingBest, incomingConfidence float64) (Attributes, bool) {
	merged := existing.Clone()
	if merged == nil {
		merged = make(Attributes, len(incoming))
	}
	changed := false

	keys := slices.Sorted(maps.Keys(incoming))
	for _, key := range keys {
		in := incoming[key]
		if in.IsNull() {
			continue
		}
		cur, ok := merged[key]
		if !ok || cur.IsNull() {
			merged[key] = in
			changed = true
			continue
		}
		if cur.Equal(in) {
			continue
		}

		next, ok := unionValues(cur, in)
		if !ok {
			if incomingConfidence > existingBest {
				next = in
			} else {
				continue
			}
		}
		if !next.Equal(cur) {
			merged[key] = next
			changed = true
		}
	}

	return merged, changed
}

func unionValues(cur, in Value) (Value, bool) {
	switch {
	case cur.kind == KindStringList && in.kind == KindStringList:
	case cur.kind == KindStringList && in.kind == KindString:
	case cur.kind == KindString && in.kind == KindStringList:
	default:
		return Value{}, false
	}
	items := append(cur.Strings(), in.Strings()...)
	return StringList(items...), true
}

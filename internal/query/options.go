package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/value"
)

// Direction values accepted in "order".
const (
	Ascending  = "ascending"
	Descending = "descending"
)

// Predicate is an equality filter: every field must equal its value.
type Predicate map[string]any

// Fields returns the predicate's field names, sorted.
func (p Predicate) Fields() []string {
	fields := make([]string, 0, len(p))
	for k := range p {
		fields = append(fields, k)
	}
	slices.Sort(fields)
	return fields
}

// Order is the wire form [[field, ...], "ascending"|"descending"].
type Order struct {
	Fields    []string
	Direction string
}

func (o *Order) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) != 2 {
		return errors.New(`"order" must be [fields, direction]`)
	}
	if err := json.Unmarshal(raw[0], &o.Fields); err != nil {
		return errors.New(`"order" fields must be an array of strings`)
	}
	if err := json.Unmarshal(raw[1], &o.Direction); err != nil {
		return errors.New(`"order" direction must be a string`)
	}
	return nil
}

func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{o.Fields, o.Direction})
}

// Bound is the wire form [{field: value, ...}, "open"|"closed"]. Field order
// is kept as sent since it determines the ordering keys.
type Bound struct {
	Keys   []string
	Values map[string]any
	Mode   db.BoundMode
}

func (b *Bound) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) != 2 {
		return errors.New("bound must be [object, mode]")
	}
	keys, values, err := decodeObject(raw[0])
	if err != nil {
		return fmt.Errorf("bound value: %w", err)
	}
	var mode string
	if err := json.Unmarshal(raw[1], &mode); err != nil {
		return errors.New("bound mode must be a string")
	}
	b.Keys, b.Values, b.Mode = keys, values, db.BoundMode(mode)
	return nil
}

func (b Bound) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range b.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(b.Values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return json.Marshal([]any{json.RawMessage(buf.Bytes()), b.Mode})
}

// Has reports whether the bound constrains field.
func (b *Bound) Has(field string) bool {
	if b == nil {
		return false
	}
	_, ok := b.Values[field]
	return ok
}

// decodeObject decodes a JSON object keeping its key order.
func decodeObject(data []byte) ([]string, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errors.New("expected an object")
	}
	var keys []string
	values := make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = value.Normalize(v)
	}
	return keys, values, nil
}

// Options are the query options of a query or subscribe request.
type Options struct {
	Collection string      `json:"collection"`
	Find       Predicate   `json:"find,omitempty"`
	FindAll    []Predicate `json:"find_all,omitempty"`
	Order      *Order      `json:"order,omitempty"`
	Above      *Bound      `json:"above,omitempty"`
	Below      *Bound      `json:"below,omitempty"`
	Limit      *int        `json:"limit,omitempty"`
}

// ParseOptions decodes and validates raw request options.
func ParseOptions(raw json.RawMessage) (*Options, error) {
	if len(raw) == 0 {
		return nil, domain.Validationf(`"options" is required`)
	}
	var opts Options
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, domain.Validationf("invalid query options: %v", err)
	}
	opts.normalize()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

func (o *Options) normalize() {
	for k, v := range o.Find {
		o.Find[k] = value.Normalize(v)
	}
	for _, p := range o.FindAll {
		for k, v := range p {
			p[k] = value.Normalize(v)
		}
	}
}

// Validate checks the shape of the options. It never looks at indexes.
func (o *Options) Validate() error {
	if o.Collection == "" {
		return domain.Validationf(`"collection" is required`)
	}
	if o.Find != nil {
		switch {
		case o.FindAll != nil:
			return domain.Validationf(`"find" cannot be combined with "find_all"`)
		case o.Order != nil, o.Above != nil, o.Below != nil, o.Limit != nil:
			return domain.Validationf(`"find" cannot be combined with "order", "above", "below", or "limit"`)
		case len(o.Find) == 0:
			return domain.Validationf(`"find" must have at least one field`)
		}
	}
	if o.FindAll != nil && len(o.FindAll) == 0 {
		return domain.Validationf(`"find_all" must have at least one entry`)
	}
	for i, p := range o.FindAll {
		if len(p) == 0 {
			return domain.Validationf(`"find_all" entry %d must have at least one field`, i)
		}
	}
	if o.Order != nil {
		if len(o.Order.Fields) == 0 {
			return domain.Validationf(`"order" must name at least one field`)
		}
		if o.Order.Direction != Ascending && o.Order.Direction != Descending {
			return domain.Validationf(`"order" direction must be %q or %q`, Ascending, Descending)
		}
	}
	for _, side := range []struct {
		name string
		b    *Bound
	}{{"above", o.Above}, {"below", o.Below}} {
		name, b := side.name, side.b
		if b == nil {
			continue
		}
		if len(b.Keys) == 0 {
			return domain.Validationf("%q must constrain at least one field", name)
		}
		if !b.Mode.IsValid() {
			return domain.Validationf("%q mode must be %q or %q", name, db.Open, db.Closed)
		}
	}
	if o.Limit != nil && *o.Limit < 1 {
		return domain.Validationf(`"limit" must be a positive integer`)
	}
	return nil
}

// Single reports whether the request asks for one document.
func (o *Options) Single() bool { return o.Find != nil }

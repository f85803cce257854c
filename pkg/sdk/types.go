package sdk

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is a JSON object keyed by "id".
type Document = map[string]any

// Change is one subscription item. A nil OldVal is an insert, a nil NewVal
// a delete.
type Change struct {
	OldVal Document `json:"old_val"`
	NewVal Document `json:"new_val"`
}

// Order directions.
const (
	Ascending  = "ascending"
	Descending = "descending"
)

// Bound modes.
const (
	Open   = "open"
	Closed = "closed"
)

// Order sorts results by fields.
type Order struct {
	Fields    []string
	Direction string
}

func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{o.Fields, o.Direction})
}

// Bound is one side of a range. Field order sets the ordering keys.
type Bound struct {
	Fields []string
	Values []any
	Mode   string
}

// NewBound builds a bound from alternating field names and values.
func NewBound(mode string, kv ...any) *Bound {
	b := &Bound{Mode: mode}
	for i := 0; i+1 < len(kv); i += 2 {
		b.Fields = append(b.Fields, fmt.Sprint(kv[i]))
		b.Values = append(b.Values, kv[i+1])
	}
	return b
}

func (b Bound) MarshalJSON() ([]byte, error) {
	if len(b.Fields) != len(b.Values) {
		return nil, fmt.Errorf("bound has %d fields and %d values", len(b.Fields), len(b.Values))
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range b.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(f)
		vb, err := json.Marshal(b.Values[i])
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

// Query are the options of a query or subscribe request.
type Query struct {
	Collection string     `json:"collection"`
	Find       Document   `json:"find,omitempty"`
	FindAll    []Document `json:"find_all,omitempty"`
	Order      *Order     `json:"order,omitempty"`
	Above      *Bound     `json:"above,omitempty"`
	Below      *Bound     `json:"below,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

type handshake struct {
	RequestID int64  `json:"request_id"`
	Method    string `json:"method,omitempty"`
	Token     string `json:"token,omitempty"`
}

type handshakeReply struct {
	RequestID int64  `json:"request_id"`
	Token     string `json:"token,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type request struct {
	RequestID int64  `json:"request_id"`
	Type      string `json:"type"`
	Options   any    `json:"options,omitempty"`
}

type writeOptions struct {
	Collection string     `json:"collection"`
	Data       []Document `json:"data"`
}

type frame struct {
	RequestID int64             `json:"request_id"`
	Data      []json.RawMessage `json:"data"`
	State     string            `json:"state"`
	Error     string            `json:"error"`
}

func (f *frame) terminal() bool { return f.State == "complete" || f.Error != "" }

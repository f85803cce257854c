// Package frame defines the three response shapes a request stream may emit.
package frame

// StateComplete marks the terminal data frame of a request.
const StateComplete = "complete"

const unknownError = "unknown error"

// Frame is one protocol message for a request. Exactly one of the shapes
// below is ever produced:
//
//	{data: [...]}
//	{data: [], state: "complete"}
//	{error: "..."}
type Frame struct {
	Data  []any  `json:"data,omitempty"`
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// Item wraps a single streamed item.
func Item(item any) Frame {
	return Frame{Data: []any{item}}
}

// Complete is the terminal frame carrying the final batch (possibly empty).
func Complete(items []any) Frame {
	if items == nil {
		items = []any{}
	}
	return Frame{Data: items, State: StateComplete}
}

// Error is the terminal failure frame. An error without a message is
// reported as "unknown error".
func Error(err error) Frame {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = unknownError
	}
	return Frame{Error: msg}
}

// IsTerminal reports whether no further frames follow f.
func (f Frame) IsTerminal() bool {
	return f.State == StateComplete || f.Error != ""
}

// Wire is the JSON form of a frame. Data is always present on data frames,
// even when empty, which omitempty on Frame would drop.
type Wire struct {
	RequestID int64  `json:"request_id"`
	Data      *[]any `json:"data,omitempty"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ToWire stamps a frame with its request id.
func (f Frame) ToWire(requestID int64) Wire {
	w := Wire{RequestID: requestID, State: f.State, Error: f.Error}
	if f.Error == "" {
		data := f.Data
		if data == nil {
			data = []any{}
		}
		w.Data = &data
	}
	return w
}

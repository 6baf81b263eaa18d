// ABOUTME: Invocation trace records surfaced to callers after each routed request
// ABOUTME: Entries are append-only and carry a bounded preview of the tool result

package trace

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PreviewLimit is the maximum number of characters kept in a result preview
// or a recorded error message.
const PreviewLimit = 300

// Entry records one attempted capability invocation.
type Entry struct {
	CapabilityID  string         `json:"capability_id"`
	Args          map[string]any `json:"args"`
	OK            bool           `json:"ok"`
	Error         string         `json:"error,omitempty"`
	ResultPreview string         `json:"result_preview"`
}

// Trace is an append-only, ordered sequence of entries. The zero value is ready
// to use and safe for concurrent appends.
type Trace struct {
	mu      sync.Mutex
	entries []Entry
}

// Success appends an entry for a completed invocation.
func (t *Trace) Success(capabilityID string, args map[string]any, result any) Entry {
	e := Entry{
		CapabilityID:  capabilityID,
		Args:          args,
		OK:            true,
		ResultPreview: Preview(result),
	}
	t.append(e)
	return e
}

// Failure appends an entry for a failed invocation. The preview is left empty.
func (t *Trace) Failure(capabilityID string, args map[string]any, err error) Entry {
	msg := ""
	if err != nil {
		msg = Truncate(err.Error())
	}
	e := Entry{
		CapabilityID: capabilityID,
		Args:         args,
		Error:        msg,
	}
	t.append(e)
	return e
}

func (t *Trace) append(e Entry) {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
}

// Entries returns a copy of the recorded entries in order.
func (t *Trace) Entries() []Entry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of recorded entries.
func (t *Trace) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// MarshalJSON encodes the trace as a JSON array of entries.
func (t *Trace) MarshalJSON() ([]byte, error) {
	entries := t.Entries()
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// Stringify renders a result the way it is previewed. Raw JSON and byte
// payloads are used as-is.
func Stringify(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case json.RawMessage:
		return string(r)
	case []byte:
		return string(r)
	case fmt.Stringer:
		return r.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Preview returns the first PreviewLimit characters of the stringified result.
func Preview(v any) string {
	return Truncate(Stringify(v))
}

// Truncate cuts s to at most PreviewLimit characters without splitting a rune.
func Truncate(s string) string {
	n := 0
	for i := range s {
		if n == PreviewLimit {
			return s[:i]
		}
		n++
	}
	return s
}

package trace

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one NDJSON decision-trace record. Fields holds whatever the
// emitting service considers relevant to the decision; consumers ignore
// unknown keys.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Service   string         `json:"service"`
	Event     string         `json:"event"`
	TraceID   string         `json:"trace_id"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink appends Entry records to an NDJSON file. A nil *Sink is a valid no-op
// writer, so call sites stay unconditional.
type Sink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// OpenSink opens (appending) the NDJSON file at path. An empty path returns
// a nil sink, which discards all writes.
func OpenSink(path string) (*Sink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Sink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Write appends one record. trace_id is generated when the entry carries
// none, so a decision path can always be stitched back together.
func (s *Sink) Write(e Entry) {
	if s == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Encode errors are swallowed: the trace sink must never take down the
	// pipeline it observes.
	_ = s.enc.Encode(e)
}

// Event is the common write shape: service, event name, trace id, fields.
func (s *Sink) Event(service, event, traceID string, fields map[string]any) {
	s.Write(Entry{Service: service, Event: event, TraceID: traceID, Fields: fields})
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

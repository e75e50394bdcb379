package events

import "sync"

// Record is the serializable form of an event, consumed by RPC subscribers and
// monitoring tooling.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Event represents a structured state change emitted by the settlement engine.
type Event interface {
	EventType() string
	Event() *Record
}

// Emitter broadcasts events to downstream subscribers (RPC, indexers,
// attribution tooling).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MemoryEmitter retains the most recent events in a bounded ring. It backs the
// RPC event feed and test assertions, and is safe for concurrent use.
type MemoryEmitter struct {
	mu      sync.Mutex
	limit   int
	records []*Record
}

// NewMemoryEmitter creates an emitter retaining up to limit records.
func NewMemoryEmitter(limit int) *MemoryEmitter {
	if limit <= 0 {
		limit = 256
	}
	return &MemoryEmitter{limit: limit}
}

func (m *MemoryEmitter) Emit(evt Event) {
	if m == nil || evt == nil {
		return
	}
	record := evt.Event()
	if record == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	if len(m.records) > m.limit {
		m.records = m.records[len(m.records)-m.limit:]
	}
}

// Records returns the retained events, oldest first.
func (m *MemoryEmitter) Records() []*Record {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

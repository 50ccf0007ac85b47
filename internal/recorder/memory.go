package recorder

import (
	"sync"

	"ProfitVault/internal/model"
)

// MemoryRecorder keeps events in process memory. Used by tests and by paper
// runs without a database.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) Record(evt *model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt.Seq = int64(len(m.events)) + 1
	m.events = append(m.events, *evt)
	return nil
}

func (m *MemoryRecorder) List(filter model.EventFilter) ([]model.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []model.AuditEvent
	for _, e := range m.events {
		if e.Seq <= filter.AfterSeq {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRecorder) Close() error { return nil }

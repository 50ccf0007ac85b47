package recorder

import "ProfitVault/internal/model"

// Recorder is the append-only audit trail of every draw, remittance,
// distribution and burn. Records are never updated or deleted.
type Recorder interface {
	Record(evt *model.AuditEvent) error
	List(filter model.EventFilter) ([]model.AuditEvent, error)
	Close() error
}

// DefaultListLimit caps listings when the filter sets no limit.
const DefaultListLimit = 500

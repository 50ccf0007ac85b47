package recorder

import "ProfitVault/internal/model"

// NoopRecorder is a no-op implementation used when no audit sink is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) Record(_ *model.AuditEvent) error                       { return nil }
func (n *NoopRecorder) List(_ model.EventFilter) ([]model.AuditEvent, error) { return nil, nil }
func (n *NoopRecorder) Close() error                                          { return nil }

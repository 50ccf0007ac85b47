package model

import (
	"math/big"
	"time"
)

// EventKind names an auditable state change.
type EventKind string

const (
	EventDeposit         EventKind = "DEPOSIT"
	EventWithdraw        EventKind = "WITHDRAW"
	EventDraw            EventKind = "DRAW"
	EventRemittance      EventKind = "REMITTANCE"
	EventAllocationOpen  EventKind = "ALLOCATION_OPEN"
	EventTrade           EventKind = "TRADE"
	EventAllocationClose EventKind = "ALLOCATION_CLOSE"
	EventDistribution    EventKind = "DISTRIBUTION"
	EventBurn            EventKind = "BURN"
	EventConfig          EventKind = "CONFIG"
	EventReconcile       EventKind = "RECONCILE"
)

// AuditEvent is one append-only record. Amount is the headline value; Details
// carries the remaining numeric fields rendered in base-10.
type AuditEvent struct {
	ID        string            `json:"id"`
	Seq       int64             `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      EventKind         `json:"kind"`
	Component string            `json:"component"`
	Actor     string            `json:"actor"`
	Role      string            `json:"role"`
	Amount    *big.Int          `json:"amount"`
	Details   map[string]string `json:"details,omitempty"`
}

// EventFilter narrows a listing of audit events.
type EventFilter struct {
	Kind     EventKind
	AfterSeq int64
	Limit    int
}

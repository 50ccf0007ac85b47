package model

import (
	"math/big"
	"time"
)

// Phase is the trade-cycle state shared by the allocator and distributor.
type Phase string

const (
	PhaseIdle             Phase = "IDLE"
	PhaseCapitalRequested Phase = "CAPITAL_REQUESTED"
	PhaseTradeExecuting   Phase = "TRADE_EXECUTING"
	PhaseResultReported   Phase = "RESULT_REPORTED"
)

// Allocation is capital drawn from the pool and not yet reported back.
type Allocation struct {
	ID        string    `json:"id"`
	Principal *big.Int  `json:"principal"`
	OpenedAt  time.Time `json:"opened_at"`
	Trades    int       `json:"trades"`
}

// CycleStatus is the allocator state an auditor reads to find capital at risk
// outside pool custody.
type CycleStatus struct {
	Phase      Phase       `json:"phase"`
	Open       *Allocation `json:"open,omitempty"`
	Closed     int         `json:"closed"`
	TotalDrawn *big.Int    `json:"total_drawn"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Distribution is the outcome of one reported trade result.
type Distribution struct {
	Principal  *big.Int `json:"principal"`
	Profit     *big.Int `json:"profit"`
	ToPool     *big.Int `json:"to_pool"`
	VaultShare *big.Int `json:"vault_share"`
	OpsShare   *big.Int `json:"ops_share"`
	BurnShare  *big.Int `json:"burn_share"`
	Dust       *big.Int `json:"dust"`
	Redirected *big.Int `json:"redirected"`
	Burned     *big.Int `json:"burned"`
}

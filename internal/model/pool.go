package model

import (
	"math/big"
	"time"
)

// PoolState holds the asset pool totals. Share balances per holder live in
// the ledger under the share token, not here.
type PoolState struct {
	TotalAssets *big.Int  `json:"total_assets"`
	TotalShares *big.Int  `json:"total_shares"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewPoolState returns an empty pool.
func NewPoolState() PoolState {
	return PoolState{TotalAssets: new(big.Int), TotalShares: new(big.Int)}
}

// Clone returns a deep copy.
func (s PoolState) Clone() PoolState {
	return PoolState{
		TotalAssets: CloneInt(s.TotalAssets),
		TotalShares: CloneInt(s.TotalShares),
		UpdatedAt:   s.UpdatedAt,
	}
}

// CloneInt copies x, treating nil as zero.
func CloneInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

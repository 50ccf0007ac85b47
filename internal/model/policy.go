package model

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Bps is a fraction in basis points.
type Bps uint32

// BpsDenominator is 100% in basis points.
const BpsDenominator Bps = 10000

// Valid range for allocation bounds: 2%..5% of current pool assets.
const (
	MinBoundBps Bps = 200
	MaxBoundBps Bps = 500
)

var bpsDenominator = big.NewInt(int64(BpsDenominator))

// Of returns floor(x * b / 10000).
func (b Bps) Of(x *big.Int) *big.Int {
	out := new(big.Int).Mul(x, big.NewInt(int64(b)))
	return out.Quo(out, bpsDenominator)
}

// Decimal returns b as a fraction of one, e.g. 7500 -> 0.75.
func (b Bps) Decimal() decimal.Decimal {
	return decimal.New(int64(b), -4)
}

func (b Bps) String() string {
	return b.Decimal().String()
}

// BpsFromDecimal converts a fraction of one into exact basis points. It fails
// when the fraction has more precision than one basis point or is outside [0, 1].
func BpsFromDecimal(d decimal.Decimal) (Bps, error) {
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("fraction %s outside [0, 1]", d)
	}
	scaled := d.Shift(4)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("fraction %s finer than one basis point", d)
	}
	return Bps(scaled.IntPart()), nil
}

// Bounds limit a single allocation to a fraction of current pool assets.
type Bounds struct {
	MinBps Bps `json:"min_bps"`
	MaxBps Bps `json:"max_bps"`
}

// Validate checks MinBoundBps <= MinBps <= MaxBps <= MaxBoundBps.
func (b Bounds) Validate() error {
	if b.MinBps < MinBoundBps || b.MaxBps > MaxBoundBps {
		return fmt.Errorf("bounds [%d, %d] bps outside [%d, %d]", b.MinBps, b.MaxBps, MinBoundBps, MaxBoundBps)
	}
	if b.MinBps > b.MaxBps {
		return fmt.Errorf("min %d bps above max %d bps", b.MinBps, b.MaxBps)
	}
	return nil
}

// Range returns the inclusive draw range for the given pool assets.
func (b Bounds) Range(totalAssets *big.Int) (min, max *big.Int) {
	return b.MinBps.Of(totalAssets), b.MaxBps.Of(totalAssets)
}

// Fractions split trade profit between the pool, operations and the burn.
type Fractions struct {
	VaultBps Bps `json:"vault_bps"`
	OpsBps   Bps `json:"ops_bps"`
	BurnBps  Bps `json:"burn_bps"`
}

// DefaultFractions is the reference 75/20/5 split.
var DefaultFractions = Fractions{VaultBps: 7500, OpsBps: 2000, BurnBps: 500}

// DefaultBounds is the reference 2%..5% allocation window.
var DefaultBounds = Bounds{MinBps: 200, MaxBps: 500}

// Validate checks that the fractions sum to exactly 10000 bps.
func (f Fractions) Validate() error {
	if sum := uint64(f.VaultBps) + uint64(f.OpsBps) + uint64(f.BurnBps); sum != uint64(BpsDenominator) {
		return fmt.Errorf("fractions sum to %d bps, want %d", sum, BpsDenominator)
	}
	return nil
}

// Split divides profit by the fractions with floor rounding. dust is whatever
// the three floors leave behind.
func (f Fractions) Split(profit *big.Int) (vault, ops, burn, dust *big.Int) {
	vault = f.VaultBps.Of(profit)
	ops = f.OpsBps.Of(profit)
	burn = f.BurnBps.Of(profit)
	dust = new(big.Int).Sub(profit, vault)
	dust.Sub(dust, ops)
	dust.Sub(dust, burn)
	return vault, ops, burn, dust
}

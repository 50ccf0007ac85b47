package swap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"ProfitVault/internal/ledger"
)

var basisPointDivisor = big.NewInt(10000)

// ConstantProduct is a paper x*y=k pool whose reserves are the ledger balances
// of its own account.
type ConstantProduct struct {
	Address common.Address
	Token0  common.Address
	Token1  common.Address
	FeeBps  uint32
}

// NewConstantProduct creates a venue for one pair. Reserves are whatever the
// venue address holds on the ledger.
func NewConstantProduct(addr, token0, token1 common.Address, feeBps uint32) *ConstantProduct {
	return &ConstantProduct{Address: addr, Token0: token0, Token1: token1, FeeBps: feeBps}
}

func (c *ConstantProduct) supports(tokenIn, tokenOut common.Address) bool {
	return (tokenIn == c.Token0 && tokenOut == c.Token1) || (tokenIn == c.Token1 && tokenOut == c.Token0)
}

// Quote returns the output for amountIn at current reserves.
func (c *ConstantProduct) Quote(r ledger.Reader, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	if !c.supports(tokenIn, tokenOut) {
		return nil, ErrUnsupportedPair
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	reserveIn := r.BalanceOf(tokenIn, c.Address)
	reserveOut := r.BalanceOf(tokenOut, c.Address)
	return GetAmountOut(amountIn, reserveIn, reserveOut, c.FeeBps)
}

// Swap settles an exact-input swap on the ledger.
func (c *ConstantProduct) Swap(ctx context.Context, tx *ledger.Tx, req Request) (*big.Int, error) {
	if err := CheckDeadline(ctx, req.Deadline); err != nil {
		return nil, err
	}
	out, err := c.Quote(tx, req.TokenIn, req.TokenOut, req.AmountIn)
	if err != nil {
		return nil, err
	}
	if req.AmountOutMin != nil && out.Cmp(req.AmountOutMin) < 0 {
		return nil, fmt.Errorf("got %s, want at least %s: %w", out, req.AmountOutMin, ErrSlippage)
	}
	if err := tx.Transfer(req.TokenIn, req.Payer, c.Address, req.AmountIn); err != nil {
		return nil, err
	}
	if err := tx.Transfer(req.TokenOut, c.Address, req.Recipient, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAmountOut is the fee-adjusted constant product formula:
// out = in*(10000-fee)*reserveOut / (reserveIn*10000 + in*(10000-fee)).
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 || feeBps >= 10000 {
		return nil, ErrInsufficientLiquidity
	}
	amountInWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(10000-feeBps)))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, basisPointDivisor)
	denominator.Add(denominator, amountInWithFee)
	out := numerator.Quo(numerator, denominator)
	if out.Sign() == 0 || out.Cmp(reserveOut) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	return out, nil
}

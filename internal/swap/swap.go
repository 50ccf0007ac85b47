// Package swap defines the contract the custody components use to reach an
// external swap venue, and a paper constant-product venue that settles on the
// ledger.
package swap

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ProfitVault/internal/ledger"
)

var (
	ErrDeadlineExpired       = errors.New("swap deadline expired")
	ErrSlippage              = errors.New("output below minimum")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrUnsupportedPair       = errors.New("unsupported pair")
	ErrInvalidAmount         = errors.New("swap amount must be positive")
)

// Request is one exact-input swap. Payer funds AmountIn; Recipient receives
// the output.
type Request struct {
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Deadline     time.Time
	Payer        common.Address
	Recipient    common.Address
}

// Venue executes swaps as part of the caller's ledger transaction, so a
// failure anywhere in the caller reverts the swap as well.
type Venue interface {
	Swap(ctx context.Context, tx *ledger.Tx, req Request) (*big.Int, error)
}

// Quoter is implemented by venues that can price a swap without executing it.
type Quoter interface {
	Quote(r ledger.Reader, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)
}

// VenueFunc adapts a function to Venue.
type VenueFunc func(ctx context.Context, tx *ledger.Tx, req Request) (*big.Int, error)

func (f VenueFunc) Swap(ctx context.Context, tx *ledger.Tx, req Request) (*big.Int, error) {
	return f(ctx, tx, req)
}

// CheckDeadline fails when ctx is done or deadline has passed.
func CheckDeadline(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrDeadlineExpired, err)
	}
	if deadline.IsZero() || !time.Now().Before(deadline) {
		return ErrDeadlineExpired
	}
	return nil
}

// Package liquidity is the burn engine: it converts the burn share of trade
// profit into protocol token on a swap venue and destroys it.
package liquidity

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"ProfitVault/internal/audit"
	"ProfitVault/internal/ledger"
	"ProfitVault/internal/metrics"
	"ProfitVault/internal/model"
	"ProfitVault/internal/recorder"
	"ProfitVault/internal/roles"
	"ProfitVault/internal/store"
	"ProfitVault/internal/swap"
	"ProfitVault/internal/vaulterr"
)

const (
	stateKey = "liquidity_engine"

	// DefaultSwapDeadline bounds how long a buy may wait on the venue.
	DefaultSwapDeadline = 30 * time.Second
)

// Config names the accounts and venue the engine works with.
type Config struct {
	Address       common.Address // engine account, transit only
	Asset         common.Address // base asset received from the distributor
	ProtocolToken common.Address // burnable, fixed supply
	Venue         swap.Venue
}

// State is the engine's running totals.
type State struct {
	TotalSpent   *big.Int      `json:"total_spent"`
	TotalBurned  *big.Int      `json:"total_burned"`
	Burns        int           `json:"burns"`
	SwapDeadline time.Duration `json:"swap_deadline"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (s State) clone() State {
	s.TotalSpent = model.CloneInt(s.TotalSpent)
	s.TotalBurned = model.CloneInt(s.TotalBurned)
	return s
}

// Engine buys protocol token with base asset and burns it.
type Engine struct {
	ledger *ledger.Ledger
	cfg    Config
	roles  *roles.Bindings
	state  State
	store  store.Store
	audit  *audit.Emitter
}

// NewEngine creates an engine, restoring its totals from st when present.
func NewEngine(l *ledger.Ledger, cfg Config, admin common.Address, st store.Store, rec recorder.Recorder) (*Engine, error) {
	if cfg.Venue == nil {
		return nil, vaulterr.New("liquidity.new", vaulterr.KindInvalidConfig, "venue", "<nil>")
	}
	if st == nil {
		st = store.NopStore{}
	}
	e := &Engine{
		ledger: l,
		cfg:    cfg,
		roles:  roles.NewBindings(admin).Reserve(cfg.Address),
		state: State{
			TotalSpent:   new(big.Int),
			TotalBurned:  new(big.Int),
			SwapDeadline: DefaultSwapDeadline,
		},
		store: st,
		audit: audit.NewEmitter("liquidity", rec),
	}
	var saved State
	switch err := st.Load(stateKey, &saved); {
	case err == nil:
		e.state = saved.clone()
		if e.state.SwapDeadline <= 0 {
			e.state.SwapDeadline = DefaultSwapDeadline
		}
		e.audit.Log().WithFields(logrus.Fields{
			"total_burned": e.state.TotalBurned.String(),
			"burns":        e.state.Burns,
		}).Info("engine state restored")
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	return e, nil
}

// Address is the engine account.
func (e *Engine) Address() common.Address { return e.cfg.Address }

// Roles exposes the engine's role bindings for inspection.
func (e *Engine) Roles() *roles.Bindings { return e.roles }

// Venue is the swap venue the engine buys on.
func (e *Engine) Venue() swap.Venue { return e.cfg.Venue }

// ProtocolToken is the token the engine burns.
func (e *Engine) ProtocolToken() common.Address { return e.cfg.ProtocolToken }

// Asset is the base asset the engine spends.
func (e *Engine) Asset() common.Address { return e.cfg.Asset }

// Quote prices amountIn of base asset in protocol token at the venue. ok is
// false when the venue cannot quote.
func (e *Engine) Quote(r ledger.Reader, amountIn *big.Int) (out *big.Int, ok bool, err error) {
	q, isQuoter := e.cfg.Venue.(swap.Quoter)
	if !isQuoter {
		return nil, false, nil
	}
	out, err = q.Quote(r, e.cfg.Asset, e.cfg.ProtocolToken, amountIn)
	return out, true, err
}

// BuyAndBurn pulls amountIn of base asset from the distributor, swaps it into
// protocol token and burns the output.
func (e *Engine) BuyAndBurn(ctx context.Context, caller common.Address, amountIn, amountOutMin *big.Int) (*big.Int, error) {
	const op = "liquidity.buyAndBurn"
	var out *big.Int
	err := e.ledger.Exec(func(tx *ledger.Tx) error {
		var err error
		out, err = e.BuyAndBurnIn(ctx, tx, caller, amountIn, amountOutMin)
		return err
	})
	return out, e.audit.Observe(op, err)
}

// BuyAndBurnIn is BuyAndBurn inside an existing transaction.
func (e *Engine) BuyAndBurnIn(ctx context.Context, tx *ledger.Tx, caller common.Address, amountIn, amountOutMin *big.Int) (*big.Int, error) {
	const op = "liquidity.buyAndBurn"
	if err := e.roles.Require(op, roles.Distributor, caller); err != nil {
		return nil, err
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, vaulterr.New(op, vaulterr.KindInvalidAmount, "amount_in", amountIn)
	}
	minOut := model.CloneInt(amountOutMin)
	if minOut.Sign() < 0 {
		return nil, vaulterr.New(op, vaulterr.KindInvalidAmount, "amount_in", amountIn, "amount_out_min", amountOutMin)
	}
	if err := tx.Transfer(e.cfg.Asset, caller, e.cfg.Address, amountIn); err != nil {
		return nil, vaulterr.Wrap(op, vaulterr.KindInsufficientAssets, err, "amount_in", amountIn)
	}

	deadline := time.Now().Add(e.state.SwapDeadline)
	swapCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	out, err := e.cfg.Venue.Swap(swapCtx, tx, swap.Request{
		TokenIn:      e.cfg.Asset,
		TokenOut:     e.cfg.ProtocolToken,
		AmountIn:     amountIn,
		AmountOutMin: minOut,
		Deadline:     deadline,
		Payer:        e.cfg.Address,
		Recipient:    e.cfg.Address,
	})
	if err != nil {
		return nil, vaulterr.Wrap(op, vaulterr.KindSwapFailed, err,
			"amount_in", amountIn, "amount_out_min", minOut)
	}
	if out == nil || out.Cmp(minOut) < 0 || out.Sign() == 0 {
		return nil, vaulterr.New(op, vaulterr.KindSwapFailed,
			"amount_in", amountIn, "amount_out", out, "amount_out_min", minOut)
	}
	if err := tx.Burn(e.cfg.ProtocolToken, e.cfg.Address, out); err != nil {
		return nil, vaulterr.Wrap(op, vaulterr.KindSwapFailed, err, "amount_out", out)
	}

	next := e.state.clone()
	next.TotalSpent.Add(next.TotalSpent, amountIn)
	next.TotalBurned.Add(next.TotalBurned, out)
	next.Burns++
	e.apply(tx, next)
	e.audit.Emit(tx, op, model.EventBurn, caller, roles.Distributor, amountIn,
		audit.Details("amount_in", amountIn, "amount_out", out, "total_burned", next.TotalBurned))
	burned := new(big.Int).Set(out)
	tx.OnCommit(func() {
		metrics.AddFlow("burn_in", amountIn)
		metrics.ProtocolBurned.Add(metrics.Float(burned))
	})
	return burned, nil
}

// SetDistributor binds the only identity allowed to fund burns.
func (e *Engine) SetDistributor(caller, who common.Address) error {
	const op = "liquidity.setDistributor"
	return e.audit.Observe(op, e.ledger.Exec(func(tx *ledger.Tx) error {
		if err := e.roles.BindIn(tx, op, caller, roles.Distributor, who); err != nil {
			return err
		}
		e.audit.Emit(tx, op, model.EventConfig, caller, roles.Admin, nil,
			audit.Details("role", roles.Distributor, "identity", who))
		return nil
	}))
}

// SetSwapDeadline changes how far ahead each buy's deadline is set.
func (e *Engine) SetSwapDeadline(caller common.Address, d time.Duration) error {
	const op = "liquidity.setSwapDeadline"
	return e.audit.Observe(op, e.ledger.Exec(func(tx *ledger.Tx) error {
		if err := e.roles.Require(op, roles.Admin, caller); err != nil {
			return err
		}
		if d <= 0 {
			return vaulterr.New(op, vaulterr.KindInvalidConfig, "swap_deadline", d)
		}
		next := e.state.clone()
		next.SwapDeadline = d
		e.apply(tx, next)
		e.audit.Emit(tx, op, model.EventConfig, caller, roles.Admin, nil,
			audit.Details("swap_deadline", d))
		return nil
	}))
}

// State returns a copy of the committed totals.
func (e *Engine) State() State {
	var s State
	e.ledger.View(func(ledger.Reader) { s = e.state.clone() })
	return s
}

// TotalBurned is the protocol token destroyed so far.
func (e *Engine) TotalBurned() *big.Int { return e.State().TotalBurned }

// TotalSpent is the base asset spent on burns so far.
func (e *Engine) TotalSpent() *big.Int { return e.State().TotalSpent }

func (e *Engine) apply(tx *ledger.Tx, next State) {
	prev := e.state
	next.UpdatedAt = time.Now().UTC()
	e.state = next
	tx.OnRevert(func() { e.state = prev })
	tx.OnCommit(e.commit)
}

func (e *Engine) commit() {
	if err := e.store.Save(stateKey, e.state); err != nil {
		e.audit.Log().WithError(err).Error("failed to save engine state")
	}
}

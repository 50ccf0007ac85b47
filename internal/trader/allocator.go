// Package trader is the capital allocator: the only path by which capital
// leaves the pool for trading, bounded per request to a fraction of current
// pool assets, with at most one allocation outstanding.
package trader

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ProfitVault/internal/audit"
	"ProfitVault/internal/ledger"
	"ProfitVault/internal/metrics"
	"ProfitVault/internal/model"
	"ProfitVault/internal/recorder"
	"ProfitVault/internal/roles"
	"ProfitVault/internal/store"
	"ProfitVault/internal/swap"
	"ProfitVault/internal/vault"
	"ProfitVault/internal/vaulterr"
)

const stateKey = "trader_allocator"

// Pool is the capital source.
type Pool interface {
	Address() common.Address
	TotalAssets() *big.Int
	DrawIn(tx *ledger.Tx, caller common.Address, amount *big.Int, guard vault.DrawGuard) error
}

// Distributor settles reported results.
type Distributor interface {
	Address() common.Address
	HandleTradeResultIn(ctx context.Context, tx *ledger.Tx, caller common.Address, principal, profitOrLoss *big.Int) (*model.Distribution, error)
}

// Config names the allocator account, its venue and its starting bounds.
type Config struct {
	Address common.Address
	Bounds  model.Bounds
	Venue   swap.Venue
}

// TradeRequest is one swap the executor asks the allocator to perform with
// allocated capital.
type TradeRequest struct {
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	AmountOutMin *big.Int // required, zero accepts any output
	Deadline     time.Time
}

// State is the allocator's persisted policy and cycle.
type State struct {
	Bounds model.Bounds      `json:"bounds"`
	Cycle  model.CycleStatus `json:"cycle"`
}

func (s State) clone() State {
	s.Cycle = cloneCycle(s.Cycle)
	return s
}

func cloneCycle(c model.CycleStatus) model.CycleStatus {
	c.TotalDrawn = model.CloneInt(c.TotalDrawn)
	if c.Open != nil {
		open := *c.Open
		open.Principal = model.CloneInt(open.Principal)
		c.Open = &open
	}
	return c
}

// Allocator draws bounded capital, trades it and reports the outcome.
type Allocator struct {
	ledger      *ledger.Ledger
	cfg         Config
	roles       *roles.Bindings
	pool        Pool
	distributor Distributor
	state       State
	store       store.Store
	audit       *audit.Emitter
}

// NewAllocator creates an allocator drawing from pool and reporting to
// distributor. Bounds and any open allocation are restored from st.
func NewAllocator(l *ledger.Ledger, cfg Config, admin common.Address, pool Pool, distributor Distributor, st store.Store, rec recorder.Recorder) (*Allocator, error) {
	const op = "trader.new"
	if cfg.Bounds == (model.Bounds{}) {
		cfg.Bounds = model.DefaultBounds
	}
	if err := cfg.Bounds.Validate(); err != nil {
		return nil, vaulterr.Wrap(op, vaulterr.KindInvalidConfig, err, "min_bps", cfg.Bounds.MinBps, "max_bps", cfg.Bounds.MaxBps)
	}
	if pool == nil || distributor == nil || cfg.Venue == nil {
		return nil, vaulterr.New(op, vaulterr.KindInvalidConfig, "reason", "pool, distributor and venue are required")
	}
	if st == nil {
		st = store.NopStore{}
	}
	a := &Allocator{
		ledger:      l,
		cfg:         cfg,
		roles:       roles.NewBindings(admin).Reserve(cfg.Address),
		pool:        pool,
		distributor: distributor,
		state: State{
			Bounds: cfg.Bounds,
			Cycle:  model.CycleStatus{Phase: model.PhaseIdle, TotalDrawn: new(big.Int)},
		},
		store: st,
		audit: audit.NewEmitter("trader", rec),
	}
	var saved State
	switch err := st.Load(stateKey, &saved); {
	case err == nil:
		if saved.Bounds.Validate() == nil && saved.Cycle.Phase != "" {
			a.state = saved.clone()
		}
		fields := logrus.Fields{"phase": a.state.Cycle.Phase, "closed": a.state.Cycle.Closed}
		if a.state.Cycle.Open != nil {
			fields["open_principal"] = a.state.Cycle.Open.Principal.String()
		}
		a.audit.Log().WithFields(fields).Info("allocator state restored")
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	a.publish()
	return a, nil
}

// Address is the allocator account.
func (a *Allocator) Address() common.Address { return a.cfg.Address }

// Roles exposes the allocator's role bindings for inspection.
func (a *Allocator) Roles() *roles.Bindings { return a.roles }

// Bounds returns the active allocation bounds.
func (a *Allocator) Bounds() model.Bounds {
	var b model.Bounds
	a.ledger.View(func(ledger.Reader) { b = a.state.Bounds })
	return b
}

// MaxDraw is the largest request the pool would honor right now.
func (a *Allocator) MaxDraw() *big.Int {
	_, max := a.Bounds().Range(a.pool.TotalAssets())
	return max
}

// MinDraw is the smallest request the pool would honor right now.
func (a *Allocator) MinDraw() *big.Int {
	min, _ := a.Bounds().Range(a.pool.TotalAssets())
	return min
}

// Status returns the cycle phase and any open allocation.
func (a *Allocator) Status() model.CycleStatus {
	var c model.CycleStatus
	a.ledger.View(func(ledger.Reader) { c = cloneCycle(a.state.Cycle) })
	return c
}

// StatusAt is Status for callers already inside View or Exec.
func (a *Allocator) StatusAt(ledger.Reader) model.CycleStatus { return cloneCycle(a.state.Cycle) }

// RequestCapital draws amount from the pool. The bounds are computed from
// totalAssets inside the same transaction as the draw.
func (a *Allocator) RequestCapital(caller common.Address, amount *big.Int) (*model.Allocation, error) {
	const op = "trader.requestCapital"
	var alloc *model.Allocation
	err := a.ledger.Exec(func(tx *ledger.Tx) error {
		if err := a.roles.Require(op, roles.Executor, caller); err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return vaulterr.New(op, vaulterr.KindInvalidAmount, "amount", amount)
		}
		if open := a.state.Cycle.Open; open != nil {
			return vaulterr.New(op, vaulterr.KindAllocationAlreadyOpen,
				"amount", amount, "open_id", open.ID, "open_principal", open.Principal)
		}
		bounds := a.state.Bounds
		guard := func(totalAssets *big.Int) error {
			min, max := bounds.Range(totalAssets)
			if amount.Cmp(min) < 0 || amount.Cmp(max) > 0 {
				return vaulterr.New(op, vaulterr.KindBoundsViolation,
					"amount", amount, "min", min, "max", max, "total_assets", totalAssets)
			}
			return nil
		}
		if err := a.pool.DrawIn(tx, a.cfg.Address, amount, guard); err != nil {
			return err
		}

		now := time.Now().UTC()
		alloc = &model.Allocation{
			ID:        uuid.NewString(),
			Principal: new(big.Int).Set(amount),
			OpenedAt:  now,
		}
		next := a.state.clone()
		next.Cycle.Phase = model.PhaseCapitalRequested
		next.Cycle.Open = alloc
		next.Cycle.TotalDrawn.Add(next.Cycle.TotalDrawn, amount)
		a.apply(tx, next)
		a.audit.Emit(tx, op, model.EventAllocationOpen, caller, roles.Executor, amount,
			audit.Details("allocation", alloc.ID, "min_bps", bounds.MinBps, "max_bps", bounds.MaxBps))
		return nil
	})
	if err != nil {
		return nil, a.audit.Observe(op, err)
	}
	out := *alloc
	out.Principal = model.CloneInt(alloc.Principal)
	return &out, nil
}

// ExecuteTrade swaps allocated capital on the venue. Any failure, including a
// missing or past deadline or short output, reverts every effect of the call.
func (a *Allocator) ExecuteTrade(ctx context.Context, caller common.Address, req TradeRequest) (*big.Int, error) {
	const op = "trader.executeTrade"
	var out *big.Int
	err := a.ledger.Exec(func(tx *ledger.Tx) error {
		if err := a.roles.Require(op, roles.Executor, caller); err != nil {
			return err
		}
		open := a.state.Cycle.Open
		if open == nil {
			return vaulterr.New(op, vaulterr.KindAllocationNotOpen, "phase", a.state.Cycle.Phase)
		}
		if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
			return vaulterr.New(op, vaulterr.KindInvalidAmount, "amount_in", req.AmountIn)
		}
		if req.AmountOutMin == nil || req.AmountOutMin.Sign() < 0 {
			// zero must be passed explicitly
			return vaulterr.New(op, vaulterr.KindInvalidAmount, "amount_out_min", req.AmountOutMin)
		}
		if err := swap.CheckDeadline(ctx, req.Deadline); err != nil {
			return vaulterr.Wrap(op, vaulterr.KindSwapFailed, err,
				"amount_in", req.AmountIn, "deadline", req.Deadline.Format(time.RFC3339))
		}
		swapCtx, cancel := context.WithDeadline(ctx, req.Deadline)
		defer cancel()
		got, err := a.cfg.Venue.Swap(swapCtx, tx, swap.Request{
			TokenIn:      req.TokenIn,
			TokenOut:     req.TokenOut,
			AmountIn:     req.AmountIn,
			AmountOutMin: req.AmountOutMin,
			Deadline:     req.Deadline,
			Payer:        a.cfg.Address,
			Recipient:    a.cfg.Address,
		})
		if err != nil {
			return vaulterr.Wrap(op, vaulterr.KindSwapFailed, err,
				"amount_in", req.AmountIn, "amount_out_min", req.AmountOutMin)
		}
		if got.Cmp(req.AmountOutMin) < 0 {
			return vaulterr.New(op, vaulterr.KindSwapFailed,
				"amount_in", req.AmountIn, "amount_out", got, "amount_out_min", req.AmountOutMin)
		}

		next := a.state.clone()
		next.Cycle.Phase = model.PhaseTradeExecuting
		next.Cycle.Open.Trades++
		a.apply(tx, next)
		a.audit.Emit(tx, op, model.EventTrade, caller, roles.Executor, req.AmountIn,
			audit.Details("allocation", open.ID, "token_in", req.TokenIn, "token_out", req.TokenOut,
				"amount_out", got))
		out = got
		return nil
	})
	return out, a.audit.Observe(op, err)
}

// ReturnCapital reports the outcome of the open allocation to the distributor
// and closes it. At least one trade must have executed. The cycle passes
// through RESULT_REPORTED inside the transaction, so a failed report leaves it
// in TRADE_EXECUTING. principal and profitOrLoss are forwarded unchanged.
func (a *Allocator) ReturnCapital(ctx context.Context, caller common.Address, principal, profitOrLoss *big.Int) (*model.Distribution, error) {
	const op = "trader.returnCapital"
	var d *model.Distribution
	err := a.ledger.Exec(func(tx *ledger.Tx) error {
		if err := a.roles.Require(op, roles.Executor, caller); err != nil {
			return err
		}
		open := a.state.Cycle.Open
		if open == nil {
			return vaulterr.New(op, vaulterr.KindAllocationNotOpen, "phase", a.state.Cycle.Phase)
		}
		if a.state.Cycle.Phase != model.PhaseTradeExecuting {
			return vaulterr.New(op, vaulterr.KindInvalidPhase,
				"phase", a.state.Cycle.Phase, "want", model.PhaseTradeExecuting, "allocation", open.ID)
		}
		reported := a.state.clone()
		reported.Cycle.Phase = model.PhaseResultReported
		a.apply(tx, reported)

		var err error
		d, err = a.distributor.HandleTradeResultIn(ctx, tx, a.cfg.Address, principal, profitOrLoss)
		if err != nil {
			return err
		}

		next := a.state.clone()
		next.Cycle.Phase = model.PhaseIdle
		next.Cycle.Open = nil
		next.Cycle.Closed++
		a.apply(tx, next)
		a.audit.Emit(tx, op, model.EventAllocationClose, caller, roles.Executor, principal,
			audit.Details(
				"allocation", open.ID,
				"drawn", open.Principal,
				"profit_or_loss", model.CloneInt(profitOrLoss),
				"trades", open.Trades,
				"from_phase", reported.Cycle.Phase,
			))
		return nil
	})
	return d, a.audit.Observe(op, err)
}

// SetExecutor binds the only identity allowed to drive the cycle.
func (a *Allocator) SetExecutor(caller, who common.Address) error {
	const op = "trader.setExecutor"
	return a.audit.Observe(op, a.ledger.Exec(func(tx *ledger.Tx) error {
		if err := a.roles.BindIn(tx, op, caller, roles.Executor, who); err != nil {
			return err
		}
		a.audit.Emit(tx, op, model.EventConfig, caller, roles.Admin, nil,
			audit.Details("role", roles.Executor, "identity", who))
		return nil
	}))
}

// SetBounds replaces the allocation bounds. Both must lie in [200, 500] bps
// with min <= max.
func (a *Allocator) SetBounds(caller common.Address, minBps, maxBps model.Bps) error {
	const op = "trader.setBounds"
	return a.audit.Observe(op, a.ledger.Exec(func(tx *ledger.Tx) error {
		if err := a.roles.Require(op, roles.Admin, caller); err != nil {
			return err
		}
		b := model.Bounds{MinBps: minBps, MaxBps: maxBps}
		if err := b.Validate(); err != nil {
			return vaulterr.Wrap(op, vaulterr.KindInvalidConfig, err, "min_bps", minBps, "max_bps", maxBps)
		}
		next := a.state.clone()
		next.Bounds = b
		a.apply(tx, next)
		a.audit.Emit(tx, op, model.EventConfig, caller, roles.Admin, nil,
			audit.Details("min_bps", minBps, "max_bps", maxBps))
		return nil
	}))
}

func (a *Allocator) apply(tx *ledger.Tx, next State) {
	prev := a.state
	next.Cycle.UpdatedAt = time.Now().UTC()
	a.state = next
	tx.OnRevert(func() { a.state = prev })
	tx.OnCommit(a.commit)
}

func (a *Allocator) commit() {
	if err := a.store.Save(stateKey, a.state); err != nil {
		a.audit.Log().WithError(err).Error("failed to save allocator state")
	}
	a.publish()
}

func (a *Allocator) publish() {
	if a.state.Cycle.Open != nil {
		metrics.AllocationOpen.Set(1)
	} else {
		metrics.AllocationOpen.Set(0)
	}
}

// Package treasury is the profit distributor. It receives trade outcomes from
// the allocator, returns principal to the pool and splits any profit between
// the pool, the operations sink and the burn engine.
package treasury

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

const stateKey = "treasury"

// Pool is the custody side of a distribution.
type Pool interface {
	Address() common.Address
	ReceiveProfitIn(tx *ledger.Tx, caller common.Address, amount *big.Int) error
}

// Burner converts the burn share into destroyed protocol token.
type Burner interface {
	Address() common.Address
	Quote(r ledger.Reader, amountIn *big.Int) (*big.Int, bool, error)
	BuyAndBurnIn(ctx context.Context, tx *ledger.Tx, caller common.Address, amountIn, amountOutMin *big.Int) (*big.Int, error)
}

// Config names the treasury account and its starting policy.
type Config struct {
	Address         common.Address
	Asset           common.Address
	Fractions       model.Fractions
	BurnSlippageBps model.Bps
}

// State is the distribution policy and running totals.
type State struct {
	Fractions       model.Fractions     `json:"fractions"`
	BurnSlippageBps model.Bps           `json:"burn_slippage_bps"`
	Results         int                 `json:"results"`
	TotalPrincipal  *big.Int            `json:"total_principal"`
	TotalProfit     *big.Int            `json:"total_profit"`
	TotalLoss       *big.Int            `json:"total_loss"`
	TotalToPool     *big.Int            `json:"total_to_pool"`
	TotalOps        *big.Int            `json:"total_ops"`
	TotalBurnSpent  *big.Int            `json:"total_burn_spent"`
	TotalRedirected *big.Int            `json:"total_redirected"`
	Last            *model.Distribution `json:"last,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func newState(cfg Config) State {
	return State{
		Fractions:       cfg.Fractions,
		BurnSlippageBps: cfg.BurnSlippageBps,
		TotalPrincipal:  new(big.Int),
		TotalProfit:     new(big.Int),
		TotalLoss:       new(big.Int),
		TotalToPool:     new(big.Int),
		TotalOps:        new(big.Int),
		TotalBurnSpent:  new(big.Int),
		TotalRedirected: new(big.Int),
	}
}

func (s State) clone() State {
	s.TotalPrincipal = model.CloneInt(s.TotalPrincipal)
	s.TotalProfit = model.CloneInt(s.TotalProfit)
	s.TotalLoss = model.CloneInt(s.TotalLoss)
	s.TotalToPool = model.CloneInt(s.TotalToPool)
	s.TotalOps = model.CloneInt(s.TotalOps)
	s.TotalBurnSpent = model.CloneInt(s.TotalBurnSpent)
	s.TotalRedirected = model.CloneInt(s.TotalRedirected)
	return s
}

// Treasury routes trade results.
type Treasury struct {
	ledger *ledger.Ledger
	cfg    Config
	roles  *roles.Bindings
	pool   Pool
	burner Burner
	state  State
	store  store.Store
	audit  *audit.Emitter
}

// New creates a treasury remitting to pool. Policy and totals are restored
// from st when present.
func New(l *ledger.Ledger, cfg Config, admin common.Address, pool Pool, st store.Store, rec recorder.Recorder) (*Treasury, error) {
	const op = "treasury.new"
	if cfg.Fractions == (model.Fractions{}) {
		cfg.Fractions = model.DefaultFractions
	}
	if err := cfg.Fractions.Validate(); err != nil {
		return nil, vaulterr.Wrap(op, vaulterr.KindInvalidConfig, err, "fractions", fractionsString(cfg.Fractions))
	}
	if cfg.BurnSlippageBps > model.BpsDenominator {
		return nil, vaulterr.New(op, vaulterr.KindInvalidConfig, "burn_slippage_bps", cfg.BurnSlippageBps)
	}
	if pool == nil {
		return nil, vaulterr.New(op, vaulterr.KindInvalidConfig, "pool", "<nil>")
	}
	if st == nil {
		st = store.NopStore{}
	}
	t := &Treasury{
		ledger: l,
		cfg:    cfg,
		roles:  roles.NewBindings(admin).Reserve(cfg.Address),
		pool:   pool,
		state:  newState(cfg),
		store:  st,
		audit:  audit.NewEmitter("treasury", rec),
	}
	var saved State
	switch err := st.Load(stateKey, &saved); {
	case err == nil:
		if saved.Fractions.Validate() == nil {
			t.state = saved.clone()
		}
		t.audit.Log().WithFields(logrus.Fields{
			"fractions": fractionsString(t.state.Fractions),
			"results":   t.state.Results,
		}).Info("treasury state restored")
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	return t, nil
}

// Address is the treasury account.
func (t *Treasury) Address() common.Address { return t.cfg.Address }

// Roles exposes the treasury's role bindings for inspection.
func (t *Treasury) Roles() *roles.Bindings { return t.roles }

// HandleTradeResult settles one reported trade outcome.
func (t *Treasury) HandleTradeResult(ctx context.Context, caller common.Address, principal, profitOrLoss *big.Int) (*model.Distribution, error) {
	const op = "treasury.handleTradeResult"
	var d *model.Distribution
	err := t.ledger.Exec(func(tx *ledger.Tx) error {
		var err error
		d, err = t.HandleTradeResultIn(ctx, tx, caller, principal, profitOrLoss)
		return err
	})
	return d, t.audit.Observe(op, err)
}

// HandleTradeResultIn is HandleTradeResult inside an existing transaction.
//
// A loss or zero result returns principal to the pool. A profit is pulled
// together with principal and split with floor rounding; the pool receives
// principal, its share and the rounding dust. Shares whose beneficiary is not
// bound go to the pool and are reported as redirected.
func (t *Treasury) HandleTradeResultIn(ctx context.Context, tx *ledger.Tx, caller common.Address, principal, profitOrLoss *big.Int) (*model.Distribution, error) {
	const op = "treasury.handleTradeResult"
	if err := t.roles.Require(op, roles.Allocator, caller); err != nil {
		return nil, err
	}
	if principal == nil || principal.Sign() < 0 {
		return nil, vaulterr.New(op, vaulterr.KindInvalidAmount, "principal", principal, "profit_or_loss", profitOrLoss)
	}
	pnl := model.CloneInt(profitOrLoss)

	d := &model.Distribution{
		Principal:  new(big.Int).Set(principal),
		Profit:     new(big.Int),
		ToPool:     new(big.Int).Set(principal),
		VaultShare: new(big.Int),
		OpsShare:   new(big.Int),
		BurnShare:  new(big.Int),
		Dust:       new(big.Int),
		Redirected: new(big.Int),
		Burned:     new(big.Int),
	}
	pull := new(big.Int).Set(principal)
	if pnl.Sign() > 0 {
		d.Profit.Set(pnl)
		pull.Add(pull, pnl)
		d.VaultShare, d.OpsShare, d.BurnShare, d.Dust = t.state.Fractions.Split(pnl)
		d.ToPool.Add(d.ToPool, d.VaultShare)
		d.ToPool.Add(d.ToPool, d.Dust)
	}
	if pull.Sign() > 0 {
		if err := tx.Transfer(t.cfg.Asset, caller, t.cfg.Address, pull); err != nil {
			return nil, ledgerErr(op, err, "principal", principal, "profit_or_loss", pnl, "pull", pull)
		}
	}

	opsPaid := new(big.Int)
	if d.OpsShare.Sign() > 0 {
		sink := t.roles.Get(roles.OpsSink)
		if sink == (common.Address{}) {
			t.redirect(tx, op, caller, d, d.OpsShare, "ops_sink_unbound")
		} else {
			if err := tx.Transfer(t.cfg.Asset, t.cfg.Address, sink, d.OpsShare); err != nil {
				return nil, ledgerErr(op, err, "ops_share", d.OpsShare)
			}
			opsPaid.Set(d.OpsShare)
		}
	}

	if d.BurnShare.Sign() > 0 {
		burned, err := t.fundBurn(ctx, tx, op, caller, d)
		if err != nil {
			return nil, err
		}
		d.Burned = burned
	}

	if d.ToPool.Sign() > 0 {
		if err := t.pool.ReceiveProfitIn(tx, t.cfg.Address, d.ToPool); err != nil {
			return nil, err
		}
	}

	next := t.state.clone()
	next.Results++
	next.TotalPrincipal.Add(next.TotalPrincipal, principal)
	if pnl.Sign() > 0 {
		next.TotalProfit.Add(next.TotalProfit, pnl)
	} else {
		next.TotalLoss.Sub(next.TotalLoss, pnl)
	}
	next.TotalToPool.Add(next.TotalToPool, d.ToPool)
	next.TotalOps.Add(next.TotalOps, opsPaid)
	if d.Burned.Sign() > 0 {
		next.TotalBurnSpent.Add(next.TotalBurnSpent, d.BurnShare)
	}
	next.TotalRedirected.Add(next.TotalRedirected, d.Redirected)
	next.Last = d
	t.apply(tx, next)

	t.audit.Emit(tx, op, model.EventDistribution, caller, roles.Allocator, pnl,
		audit.Details(
			"principal", d.Principal,
			"profit", d.Profit,
			"to_pool", d.ToPool,
			"vault_share", d.VaultShare,
			"ops_share", d.OpsShare,
			"burn_share", d.BurnShare,
			"dust", d.Dust,
			"redirected", d.Redirected,
			"burned", d.Burned,
		))
	dust, redirected := d.Dust, d.Redirected
	tx.OnCommit(func() {
		metrics.AddFlow("ops", opsPaid)
		metrics.AddFlow("dust", dust)
		metrics.AddFlow("redirect", redirected)
	})
	return d, nil
}

// fundBurn sends the burn share to the engine, or redirects it to the pool
// when no engine is bound or the share is too small to buy anything.
func (t *Treasury) fundBurn(ctx context.Context, tx *ledger.Tx, op string, caller common.Address, d *model.Distribution) (*big.Int, error) {
	if t.burner == nil || !t.roles.IsBound(roles.BurnEngine) {
		t.redirect(tx, op, caller, d, d.BurnShare, "burn_engine_unbound")
		return new(big.Int), nil
	}
	minOut := new(big.Int)
	quote, ok, err := t.burner.Quote(tx, d.BurnShare)
	switch {
	case ok && errors.Is(err, swap.ErrInsufficientLiquidity):
		t.redirect(tx, op, caller, d, d.BurnShare, "burn_unfillable")
		return new(big.Int), nil
	case ok && err != nil:
		return nil, vaulterr.Wrap(op, vaulterr.KindSwapFailed, err, "burn_share", d.BurnShare)
	case ok:
		minOut = (model.BpsDenominator - t.state.BurnSlippageBps).Of(quote)
	}
	// the engine pulls the share from us as its distributor
	return t.burner.BuyAndBurnIn(ctx, tx, t.cfg.Address, d.BurnShare, minOut)
}

// redirect books amount to the pool instead of its beneficiary. caller is the
// allocator whose report authorized the distribution.
func (t *Treasury) redirect(tx *ledger.Tx, op string, caller common.Address, d *model.Distribution, amount *big.Int, reason string) {
	d.Redirected.Add(d.Redirected, amount)
	d.ToPool.Add(d.ToPool, amount)
	t.audit.Emit(tx, op, model.EventDistribution, caller, roles.Allocator, amount,
		audit.Details("redirected", amount, "reason", reason))
}

// DistributionFractions returns the active split.
func (t *Treasury) DistributionFractions() model.Fractions {
	var f model.Fractions
	t.ledger.View(func(ledger.Reader) { f = t.state.Fractions })
	return f
}

// BurnSlippage returns the tolerance applied to burn quotes.
func (t *Treasury) BurnSlippage() model.Bps {
	var b model.Bps
	t.ledger.View(func(ledger.Reader) { b = t.state.BurnSlippageBps })
	return b
}

// State returns a copy of the committed policy and totals.
func (t *Treasury) State() State {
	var s State
	t.ledger.View(func(ledger.Reader) { s = t.state.clone() })
	return s
}

// SetFractions replaces the split. The fractions must sum to exactly 10000 bps.
func (t *Treasury) SetFractions(caller common.Address, f model.Fractions) error {
	const op = "treasury.setFractions"
	return t.audit.Observe(op, t.ledger.Exec(func(tx *ledger.Tx) error {
		if err := t.roles.Require(op, roles.Admin, caller); err != nil {
			return err
		}
		if err := f.Validate(); err != nil {
			return vaulterr.Wrap(op, vaulterr.KindInvalidConfig, err, "fractions", fractionsString(f))
		}
		next := t.state.clone()
		next.Fractions = f
		t.apply(tx, next)
		t.audit.Emit(tx, op, model.EventConfig, caller, roles.Admin, nil,
			audit.Details("vault", f.VaultBps, "ops", f.OpsBps, "burn", f.BurnBps))
		return nil
	}))
}

// SetBurnSlippage sets the tolerance below the venue quote accepted on burns.
func (t *Treasury) SetBurnSlippage(caller common.Address, bps model.Bps) error {
	const op = "treasury.setBurnSlippage"
	return t.audit.Observe(op, t.ledger.Exec(func(tx *ledger.Tx) error {
		if err := t.roles.Require(op, roles.Admin, caller); err != nil {
			return err
		}
		if bps > model.BpsDenominator {
			return vaulterr.New(op, vaulterr.KindInvalidConfig, "burn_slippage_bps", bps)
		}
		next := t.state.clone()
		next.BurnSlippageBps = bps
		t.apply(tx, next)
		t.audit.Emit(tx, op, model.EventConfig, caller, roles.Admin, nil,
			audit.Details("burn_slippage", bps))
		return nil
	}))
}

// SetAllocator binds the only identity allowed to report results.
func (t *Treasury) SetAllocator(caller, who common.Address) error {
	return t.bind("treasury.setAllocator", caller, roles.Allocator, who)
}

// SetOpsSink binds the recipient of the operations share.
func (t *Treasury) SetOpsSink(caller, who common.Address) error {
	return t.bind("treasury.setOpsSink", caller, roles.OpsSink, who)
}

// SetBurnEngine binds the engine funded with the burn share. A nil engine
// unbinds it.
func (t *Treasury) SetBurnEngine(caller common.Address, b Burner) error {
	const op = "treasury.setBurnEngine"
	var who common.Address
	if b != nil {
		who = b.Address()
	}
	return t.audit.Observe(op, t.ledger.Exec(func(tx *ledger.Tx) error {
		if err := t.roles.BindIn(tx, op, caller, roles.BurnEngine, who); err != nil {
			return err
		}
		prev := t.burner
		t.burner = b
		tx.OnRevert(func() { t.burner = prev })
		t.audit.Emit(tx, op, model.EventConfig, caller, roles.Admin, nil,
			audit.Details("role", roles.BurnEngine, "identity", who))
		return nil
	}))
}

func (t *Treasury) bind(op string, caller common.Address, role roles.Role, who common.Address) error {
	return t.audit.Observe(op, t.ledger.Exec(func(tx *ledger.Tx) error {
		if err := t.roles.BindIn(tx, op, caller, role, who); err != nil {
			return err
		}
		t.audit.Emit(tx, op, model.EventConfig, caller, roles.Admin, nil,
			audit.Details("role", role, "identity", who))
		return nil
	}))
}

func (t *Treasury) apply(tx *ledger.Tx, next State) {
	prev := t.state
	next.UpdatedAt = time.Now().UTC()
	t.state = next
	tx.OnRevert(func() { t.state = prev })
	tx.OnCommit(t.commit)
}

func (t *Treasury) commit() {
	if err := t.store.Save(stateKey, t.state); err != nil {
		t.audit.Log().WithError(err).Error("failed to save treasury state")
	}
}

func fractionsString(f model.Fractions) string {
	return f.VaultBps.String() + "/" + f.OpsBps.String() + "/" + f.BurnBps.String()
}

func ledgerErr(op string, err error, kv ...any) error {
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return vaulterr.Wrap(op, vaulterr.KindInsufficientAssets, err, kv...)
	}
	return vaulterr.Wrap(op, vaulterr.KindInvalidAmount, err, kv...)
}

// Package vault is the asset pool: custody of the base asset, share
// accounting, and the two privileged flows that move value in and out of
// custody without touching shares (draws to the allocator, remittances from
// the distributor).
package vault

import (
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
	"ProfitVault/internal/vaulterr"
)

const stateKey = "vault_pool"

// Config names the accounts the pool works with.
type Config struct {
	Address    common.Address // custody account holding the base asset
	Asset      common.Address // base asset
	ShareToken common.Address // share ledger asset, mintable and burnable
}

// DrawGuard is evaluated against the live totalAssets in the same transaction
// as the draw. A non-nil error aborts the draw.
type DrawGuard func(totalAssets *big.Int) error

// Pool holds the pool totals. All mutation runs inside ledger transactions.
type Pool struct {
	ledger *ledger.Ledger
	cfg    Config
	roles  *roles.Bindings
	state  model.PoolState
	store  store.Store
	audit  *audit.Emitter
}

// NewPool creates a pool, restoring its totals from st when present.
func NewPool(l *ledger.Ledger, cfg Config, admin common.Address, st store.Store, rec recorder.Recorder) (*Pool, error) {
	if st == nil {
		st = store.NopStore{}
	}
	p := &Pool{
		ledger: l,
		cfg:    cfg,
		roles:  roles.NewBindings(admin).Reserve(cfg.Address),
		state:  model.NewPoolState(),
		store:  st,
		audit:  audit.NewEmitter("vault", rec),
	}
	var saved model.PoolState
	switch err := st.Load(stateKey, &saved); {
	case err == nil:
		p.state = saved.Clone()
		p.audit.Log().WithFields(logrus.Fields{
			"total_assets": p.state.TotalAssets.String(),
			"total_shares": p.state.TotalShares.String(),
		}).Info("pool state restored")
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	p.publish()
	return p, nil
}

// Address is the custody account.
func (p *Pool) Address() common.Address { return p.cfg.Address }

// Roles exposes the pool's role bindings for inspection.
func (p *Pool) Roles() *roles.Bindings { return p.roles }

// Deposit moves amount of base asset from caller into custody and mints
// shares to caller.
func (p *Pool) Deposit(caller common.Address, amount *big.Int) (*big.Int, error) {
	const op = "vault.deposit"
	var shares *big.Int
	err := p.ledger.Exec(func(tx *ledger.Tx) error {
		if caller == p.cfg.Address {
			// custody cannot deposit into itself
			return vaulterr.New(op, vaulterr.KindUnauthorized, "caller", caller.Hex())
		}
		if amount == nil || amount.Sign() <= 0 {
			return vaulterr.New(op, vaulterr.KindInvalidAmount, "amount", amount)
		}
		ta, ts := p.state.TotalAssets, p.state.TotalShares
		if ts.Sign() > 0 && ta.Sign() == 0 {
			return vaulterr.New(op, vaulterr.KindInsufficientAssets,
				"amount", amount, "total_assets", ta, "total_shares", ts)
		}
		s := convertToShares(amount, ta, ts)
		if s.Sign() == 0 {
			return vaulterr.New(op, vaulterr.KindInvalidAmount,
				"amount", amount, "total_assets", ta, "total_shares", ts)
		}
		if err := tx.Transfer(p.cfg.Asset, caller, p.cfg.Address, amount); err != nil {
			return ledgerErr(op, vaulterr.KindInsufficientAssets, err, "amount", amount)
		}
		if err := tx.Mint(p.cfg.ShareToken, caller, s); err != nil {
			return ledgerErr(op, vaulterr.KindInvalidAmount, err, "shares", s)
		}
		p.apply(tx, new(big.Int).Add(ta, amount), new(big.Int).Add(ts, s))
		p.audit.Emit(tx, op, model.EventDeposit, caller, "depositor", amount,
			audit.Details("shares", s, "total_assets", p.state.TotalAssets, "total_shares", p.state.TotalShares))
		shares = s
		return nil
	})
	return shares, p.audit.Observe(op, err)
}

// Withdraw burns shares held by caller and pays out their floor value.
func (p *Pool) Withdraw(caller common.Address, shares *big.Int) (*big.Int, error) {
	const op = "vault.withdraw"
	var amount *big.Int
	err := p.ledger.Exec(func(tx *ledger.Tx) error {
		if caller == p.cfg.Address {
			return vaulterr.New(op, vaulterr.KindUnauthorized, "caller", caller.Hex())
		}
		ta, ts := p.state.TotalAssets, p.state.TotalShares
		if shares == nil || shares.Sign() <= 0 || shares.Cmp(ts) > 0 {
			return vaulterr.New(op, vaulterr.KindInsufficientShares,
				"shares", shares, "total_shares", ts)
		}
		a := convertToAssets(shares, ta, ts)
		if a.Sign() == 0 {
			return vaulterr.New(op, vaulterr.KindInvalidAmount,
				"shares", shares, "total_assets", ta, "total_shares", ts)
		}
		newTA := new(big.Int).Sub(ta, a)
		newTS := new(big.Int).Sub(ts, shares)
		if newTS.Sign() > 0 && newTA.Sign() == 0 {
			return vaulterr.New(op, vaulterr.KindInsufficientAssets,
				"shares", shares, "amount", a, "total_assets", ta, "total_shares", ts)
		}
		if err := tx.Burn(p.cfg.ShareToken, caller, shares); err != nil {
			return ledgerErr(op, vaulterr.KindInsufficientShares, err, "shares", shares)
		}
		if err := tx.Transfer(p.cfg.Asset, p.cfg.Address, caller, a); err != nil {
			return ledgerErr(op, vaulterr.KindInsufficientAssets, err, "amount", a)
		}
		p.apply(tx, newTA, newTS)
		p.audit.Emit(tx, op, model.EventWithdraw, caller, "depositor", a,
			audit.Details("shares", shares, "total_assets", newTA, "total_shares", newTS))
		amount = a
		return nil
	})
	return amount, p.audit.Observe(op, err)
}

// DrawToAllocator sends amount out of custody to the bound allocator.
func (p *Pool) DrawToAllocator(caller common.Address, amount *big.Int) error {
	const op = "vault.drawToAllocator"
	return p.audit.Observe(op, p.ledger.Exec(func(tx *ledger.Tx) error {
		return p.DrawIn(tx, caller, amount, nil)
	}))
}

// DrawIn performs the draw inside an existing transaction. guard, when set,
// sees the live totalAssets before anything moves.
func (p *Pool) DrawIn(tx *ledger.Tx, caller common.Address, amount *big.Int, guard DrawGuard) error {
	const op = "vault.drawToAllocator"
	if err := p.roles.Require(op, roles.Allocator, caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return vaulterr.New(op, vaulterr.KindInvalidAmount, "amount", amount)
	}
	ta, ts := p.state.TotalAssets, p.state.TotalShares
	if guard != nil {
		if err := guard(new(big.Int).Set(ta)); err != nil {
			return err
		}
	}
	if amount.Cmp(ta) > 0 {
		return vaulterr.New(op, vaulterr.KindInsufficientAssets, "amount", amount, "total_assets", ta)
	}
	newTA := new(big.Int).Sub(ta, amount)
	if newTA.Sign() == 0 && ts.Sign() > 0 {
		// would leave shares outstanding against nothing
		return vaulterr.New(op, vaulterr.KindInsufficientAssets,
			"amount", amount, "total_assets", ta, "total_shares", ts)
	}
	if err := tx.Transfer(p.cfg.Asset, p.cfg.Address, caller, amount); err != nil {
		return ledgerErr(op, vaulterr.KindInsufficientAssets, err, "amount", amount)
	}
	p.apply(tx, newTA, ts)
	p.audit.Emit(tx, op, model.EventDraw, caller, roles.Allocator, amount,
		audit.Details("total_assets", newTA, "total_shares", ts))
	tx.OnCommit(func() { metrics.AddFlow("draw", amount) })
	return nil
}

// ReceiveProfit pulls amount from the bound distributor into custody without
// issuing shares.
func (p *Pool) ReceiveProfit(caller common.Address, amount *big.Int) error {
	const op = "vault.receiveProfit"
	return p.audit.Observe(op, p.ledger.Exec(func(tx *ledger.Tx) error {
		return p.ReceiveProfitIn(tx, caller, amount)
	}))
}

// ReceiveProfitIn is ReceiveProfit inside an existing transaction.
func (p *Pool) ReceiveProfitIn(tx *ledger.Tx, caller common.Address, amount *big.Int) error {
	const op = "vault.receiveProfit"
	if err := p.roles.Require(op, roles.Distributor, caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return vaulterr.New(op, vaulterr.KindInvalidAmount, "amount", amount)
	}
	if err := tx.Transfer(p.cfg.Asset, caller, p.cfg.Address, amount); err != nil {
		return ledgerErr(op, vaulterr.KindInsufficientAssets, err, "amount", amount)
	}
	newTA := new(big.Int).Add(p.state.TotalAssets, amount)
	p.apply(tx, newTA, p.state.TotalShares)
	p.audit.Emit(tx, op, model.EventRemittance, caller, roles.Distributor, amount,
		audit.Details("total_assets", newTA, "total_shares", p.state.TotalShares))
	tx.OnCommit(func() { metrics.AddFlow("remit", amount) })
	return nil
}

// SetAllocator binds the only identity allowed to draw.
func (p *Pool) SetAllocator(caller, who common.Address) error {
	return p.bind("vault.setAllocator", caller, roles.Allocator, who)
}

// SetDistributor binds the only identity allowed to remit.
func (p *Pool) SetDistributor(caller, who common.Address) error {
	return p.bind("vault.setDistributor", caller, roles.Distributor, who)
}

func (p *Pool) bind(op string, caller common.Address, role roles.Role, who common.Address) error {
	return p.audit.Observe(op, p.ledger.Exec(func(tx *ledger.Tx) error {
		if err := p.roles.BindIn(tx, op, caller, role, who); err != nil {
			return err
		}
		p.audit.Emit(tx, op, model.EventConfig, caller, roles.Admin, nil,
			audit.Details("role", role, "identity", who))
		return nil
	}))
}

// State returns a copy of the committed totals.
func (p *Pool) State() model.PoolState {
	var s model.PoolState
	p.ledger.View(func(ledger.Reader) { s = p.state.Clone() })
	return s
}

// StateAt returns a copy of the totals without taking the ledger lock. It must
// only be called from inside View or Exec so the totals match r.
func (p *Pool) StateAt(ledger.Reader) model.PoolState { return p.state.Clone() }

// TotalAssets returns the base units in custody.
func (p *Pool) TotalAssets() *big.Int { return p.State().TotalAssets }

// TotalShares returns the shares outstanding.
func (p *Pool) TotalShares() *big.Int { return p.State().TotalShares }

// ConvertToShares prices assets at the current ratio.
func (p *Pool) ConvertToShares(assets *big.Int) *big.Int {
	s := p.State()
	return convertToShares(assets, s.TotalAssets, s.TotalShares)
}

// ConvertToAssets prices shares at the current ratio.
func (p *Pool) ConvertToAssets(shares *big.Int) *big.Int {
	s := p.State()
	return convertToAssets(shares, s.TotalAssets, s.TotalShares)
}

// SharesOf returns holder's share balance from the share ledger.
func (p *Pool) SharesOf(holder common.Address) *big.Int {
	var out *big.Int
	p.ledger.View(func(r ledger.Reader) { out = r.BalanceOf(p.cfg.ShareToken, holder) })
	return out
}

// apply swaps in new totals with undo, and persists them on commit.
func (p *Pool) apply(tx *ledger.Tx, totalAssets, totalShares *big.Int) {
	prev := p.state
	p.state = model.PoolState{TotalAssets: totalAssets, TotalShares: totalShares, UpdatedAt: time.Now().UTC()}
	tx.OnRevert(func() { p.state = prev })
	tx.OnCommit(p.commit)
}

func (p *Pool) commit() {
	if err := p.store.Save(stateKey, p.state); err != nil {
		p.audit.Log().WithError(err).Error("failed to save pool state")
	}
	p.publish()
}

func (p *Pool) publish() {
	metrics.PoolTotalAssets.Set(metrics.Float(p.state.TotalAssets))
	metrics.PoolTotalShares.Set(metrics.Float(p.state.TotalShares))
	if p.state.TotalShares.Sign() > 0 {
		price, _ := new(big.Rat).SetFrac(p.state.TotalAssets, p.state.TotalShares).Float64()
		metrics.SharePrice.Set(price)
	}
}

func convertToShares(assets, totalAssets, totalShares *big.Int) *big.Int {
	if assets == nil || assets.Sign() <= 0 {
		return new(big.Int)
	}
	if totalShares.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	if totalAssets.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(assets, totalShares)
	return out.Quo(out, totalAssets)
}

func convertToAssets(shares, totalAssets, totalShares *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || totalShares.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(shares, totalAssets)
	return out.Quo(out, totalShares)
}

// ledgerErr classifies a ledger failure. Balance shortfalls map to kind;
// anything else is reported as an invalid amount with the cause attached.
func ledgerErr(op string, kind vaulterr.Kind, err error, kv ...any) error {
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return vaulterr.Wrap(op, kind, err, kv...)
	}
	return vaulterr.Wrap(op, vaulterr.KindInvalidAmount, err, kv...)
}

// Package protocol assembles the ledger, the four custody components, the
// paper swap venue and the auditor, and binds every role between them.
package protocol

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"ProfitVault/internal/ledger"
	"ProfitVault/internal/liquidity"
	"ProfitVault/internal/metrics"
	"ProfitVault/internal/model"
	"ProfitVault/internal/reconcile"
	"ProfitVault/internal/recorder"
	"ProfitVault/internal/store"
	"ProfitVault/internal/swap"
	"ProfitVault/internal/trader"
	"ProfitVault/internal/treasury"
	"ProfitVault/internal/vault"
)

const ledgerKey = "ledger"

// DeriveAddress returns a deterministic account for a protocol label, so the
// same deployment gets the same addresses on every start.
func DeriveAddress(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("profitvault/" + label))[12:])
}

// Addresses is the account of every participant.
type Addresses struct {
	Admin         common.Address `json:"admin"`
	Executor      common.Address `json:"executor"`
	OpsSink       common.Address `json:"ops_sink"`
	Pool          common.Address `json:"pool"`
	Allocator     common.Address `json:"allocator"`
	Treasury      common.Address `json:"treasury"`
	Engine        common.Address `json:"engine"`
	Venue         common.Address `json:"venue"`
	BaseAsset     common.Address `json:"base_asset"`
	ShareToken    common.Address `json:"share_token"`
	ProtocolToken common.Address `json:"protocol_token"`
}

// Genesis is a paper-mode account seeded with base asset. Deposit, when set,
// is deposited into the pool on first start.
type Genesis struct {
	Address common.Address
	Balance *big.Int
	Deposit *big.Int
}

// Options configures a protocol instance. Zero policy values fall back to the
// package defaults.
type Options struct {
	Admin    common.Address
	Executor common.Address
	OpsSink  common.Address

	Bounds       model.Bounds
	Fractions    model.Fractions
	BurnSlippage model.Bps
	SwapDeadline time.Duration

	BaseSymbol           string
	ProtocolSymbol       string
	ProtocolSupply       *big.Int
	VenueBaseReserve     *big.Int
	VenueProtocolReserve *big.Int
	FeeBps               uint32
	Genesis              []Genesis

	Store    store.Store
	Recorder recorder.Recorder
}

// Protocol is a wired deployment.
type Protocol struct {
	Addresses Addresses
	Ledger    *ledger.Ledger
	Pool      *vault.Pool
	Allocator *trader.Allocator
	Treasury  *treasury.Treasury
	Engine    *liquidity.Engine
	Venue     *swap.ConstantProduct
	Auditor   *reconcile.Auditor
	Recorder  recorder.Recorder

	restored bool
	log      *logrus.Entry
}

// New wires a deployment. When st holds a ledger snapshot the balances and
// component state are restored from it; otherwise genesis issuance runs.
func New(opts Options) (*Protocol, error) {
	applyDefaults(&opts)
	log := logrus.WithField("component", "protocol")

	addrs := Addresses{
		Admin:         opts.Admin,
		Executor:      opts.Executor,
		OpsSink:       opts.OpsSink,
		Pool:          DeriveAddress("pool"),
		Allocator:     DeriveAddress("allocator"),
		Treasury:      DeriveAddress("treasury"),
		Engine:        DeriveAddress("engine"),
		Venue:         DeriveAddress("venue"),
		BaseAsset:     DeriveAddress("asset/" + opts.BaseSymbol),
		ShareToken:    DeriveAddress("shares/" + opts.BaseSymbol),
		ProtocolToken: DeriveAddress("asset/" + opts.ProtocolSymbol),
	}

	l := ledger.New()
	if err := l.Register(addrs.BaseAsset, ledger.AssetConfig{Symbol: opts.BaseSymbol}); err != nil {
		return nil, err
	}
	if err := l.Register(addrs.ShareToken, ledger.AssetConfig{Symbol: "pv" + opts.BaseSymbol, Mintable: true, Burnable: true}); err != nil {
		return nil, err
	}
	if err := l.Register(addrs.ProtocolToken, ledger.AssetConfig{Symbol: opts.ProtocolSymbol, Burnable: true}); err != nil {
		return nil, err
	}

	p := &Protocol{Addresses: addrs, Ledger: l, Recorder: opts.Recorder, log: log}

	var snap ledger.Snapshot
	switch err := opts.Store.Load(ledgerKey, &snap); {
	case err == nil:
		l.Restore(snap)
		p.restored = true
		log.WithField("seq", snap.Seq).Info("ledger restored")
	case errors.Is(err, store.ErrNotFound):
		if err := genesis(l, addrs, opts); err != nil {
			return nil, err
		}
		log.Info("genesis issued")
	default:
		return nil, err
	}

	p.Venue = swap.NewConstantProduct(addrs.Venue, addrs.BaseAsset, addrs.ProtocolToken, opts.FeeBps)

	var err error
	p.Pool, err = vault.NewPool(l, vault.Config{
		Address: addrs.Pool, Asset: addrs.BaseAsset, ShareToken: addrs.ShareToken,
	}, addrs.Admin, opts.Store, opts.Recorder)
	if err != nil {
		return nil, err
	}
	p.Engine, err = liquidity.NewEngine(l, liquidity.Config{
		Address: addrs.Engine, Asset: addrs.BaseAsset, ProtocolToken: addrs.ProtocolToken, Venue: p.Venue,
	}, addrs.Admin, opts.Store, opts.Recorder)
	if err != nil {
		return nil, err
	}
	p.Treasury, err = treasury.New(l, treasury.Config{
		Address: addrs.Treasury, Asset: addrs.BaseAsset,
		Fractions: opts.Fractions, BurnSlippageBps: opts.BurnSlippage,
	}, addrs.Admin, p.Pool, opts.Store, opts.Recorder)
	if err != nil {
		return nil, err
	}
	p.Allocator, err = trader.NewAllocator(l, trader.Config{
		Address: addrs.Allocator, Bounds: opts.Bounds, Venue: p.Venue,
	}, addrs.Admin, p.Pool, p.Treasury, opts.Store, opts.Recorder)
	if err != nil {
		return nil, err
	}
	p.Auditor = reconcile.NewAuditor(l, reconcile.Config{
		Asset: addrs.BaseAsset, ShareToken: addrs.ShareToken, ProtocolToken: addrs.ProtocolToken,
	}, p.Pool, p.Allocator)
	p.Auditor.SetRecorder(opts.Recorder)

	if err := p.bind(); err != nil {
		return nil, err
	}
	if err := p.applyPolicy(opts); err != nil {
		return nil, err
	}

	st := opts.Store
	l.OnCommit(func(s ledger.Snapshot) {
		if err := st.Save(ledgerKey, s); err != nil {
			log.WithError(err).WithField("seq", s.Seq).Error("failed to save ledger")
		}
	})

	if !p.restored {
		if err := p.seedDeposits(opts.Genesis); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// RefreshMetrics republishes the gauges from committed state. Counters are
// maintained by the components themselves.
func (p *Protocol) RefreshMetrics() {
	var (
		pool   model.PoolState
		status model.CycleStatus
	)
	p.Ledger.View(func(r ledger.Reader) {
		pool = p.Pool.StateAt(r)
		status = p.Allocator.StatusAt(r)
	})
	metrics.PoolTotalAssets.Set(metrics.Float(pool.TotalAssets))
	metrics.PoolTotalShares.Set(metrics.Float(pool.TotalShares))
	if pool.TotalShares.Sign() > 0 {
		price, _ := new(big.Rat).SetFrac(pool.TotalAssets, pool.TotalShares).Float64()
		metrics.SharePrice.Set(price)
	}
	if status.Open != nil {
		metrics.AllocationOpen.Set(1)
	} else {
		metrics.AllocationOpen.Set(0)
	}
}

// Restored reports whether balances came from a saved snapshot.
func (p *Protocol) Restored() bool { return p.restored }

func applyDefaults(opts *Options) {
	if opts.Store == nil {
		opts.Store = store.NopStore{}
	}
	if opts.Recorder == nil {
		opts.Recorder = recorder.NewNoopRecorder()
	}
	if opts.Admin == (common.Address{}) {
		opts.Admin = DeriveAddress("admin")
	}
	if opts.Executor == (common.Address{}) {
		opts.Executor = DeriveAddress("executor")
	}
	if opts.Bounds == (model.Bounds{}) {
		opts.Bounds = model.DefaultBounds
	}
	if opts.Fractions == (model.Fractions{}) {
		opts.Fractions = model.DefaultFractions
	}
	if opts.SwapDeadline <= 0 {
		opts.SwapDeadline = liquidity.DefaultSwapDeadline
	}
	if opts.BaseSymbol == "" {
		opts.BaseSymbol = "USDC"
	}
	if opts.ProtocolSymbol == "" {
		opts.ProtocolSymbol = "PVT"
	}
	if opts.FeeBps == 0 {
		opts.FeeBps = 30
	}
}

func genesis(l *ledger.Ledger, addrs Addresses, opts Options) error {
	issue := func(token, to common.Address, amount *big.Int) error {
		if amount == nil || amount.Sign() == 0 {
			return nil
		}
		return l.Issue(token, to, amount)
	}
	// protocol supply not parked at the venue goes to the admin treasury
	rest := model.CloneInt(opts.ProtocolSupply)
	rest.Sub(rest, model.CloneInt(opts.VenueProtocolReserve))
	if rest.Sign() < 0 {
		return errors.New("venue protocol reserve exceeds protocol supply")
	}
	if err := issue(addrs.ProtocolToken, addrs.Venue, opts.VenueProtocolReserve); err != nil {
		return err
	}
	if err := issue(addrs.ProtocolToken, addrs.Admin, rest); err != nil {
		return err
	}
	if err := issue(addrs.BaseAsset, addrs.Venue, opts.VenueBaseReserve); err != nil {
		return err
	}
	for _, g := range opts.Genesis {
		if err := issue(addrs.BaseAsset, g.Address, g.Balance); err != nil {
			return err
		}
	}
	l.Seal()
	return nil
}

// bind points every component at its counterparties. Bindings are not
// persisted, so this runs on every start.
func (p *Protocol) bind() error {
	a := p.Addresses
	steps := []func() error{
		func() error { return p.Pool.SetAllocator(a.Admin, a.Allocator) },
		func() error { return p.Pool.SetDistributor(a.Admin, a.Treasury) },
		func() error { return p.Engine.SetDistributor(a.Admin, a.Treasury) },
		func() error { return p.Treasury.SetAllocator(a.Admin, a.Allocator) },
		func() error { return p.Treasury.SetBurnEngine(a.Admin, p.Engine) },
		func() error { return p.Allocator.SetExecutor(a.Admin, a.Executor) },
	}
	if a.OpsSink != (common.Address{}) {
		steps = append(steps, func() error { return p.Treasury.SetOpsSink(a.Admin, a.OpsSink) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// applyPolicy makes the configured policy authoritative after a restore.
func (p *Protocol) applyPolicy(opts Options) error {
	admin := p.Addresses.Admin
	if p.Allocator.Bounds() != opts.Bounds {
		if err := p.Allocator.SetBounds(admin, opts.Bounds.MinBps, opts.Bounds.MaxBps); err != nil {
			return err
		}
	}
	if p.Treasury.DistributionFractions() != opts.Fractions {
		if err := p.Treasury.SetFractions(admin, opts.Fractions); err != nil {
			return err
		}
	}
	if p.Treasury.BurnSlippage() != opts.BurnSlippage {
		if err := p.Treasury.SetBurnSlippage(admin, opts.BurnSlippage); err != nil {
			return err
		}
	}
	if p.Engine.State().SwapDeadline != opts.SwapDeadline {
		if err := p.Engine.SetSwapDeadline(admin, opts.SwapDeadline); err != nil {
			return err
		}
	}
	return nil
}

func (p *Protocol) seedDeposits(gen []Genesis) error {
	for _, g := range gen {
		if g.Deposit == nil || g.Deposit.Sign() == 0 {
			continue
		}
		shares, err := p.Pool.Deposit(g.Address, g.Deposit)
		if err != nil {
			return err
		}
		p.log.WithFields(logrus.Fields{
			"depositor": g.Address.Hex(),
			"amount":    g.Deposit.String(),
			"shares":    shares.String(),
		}).Info("genesis deposit")
	}
	return nil
}

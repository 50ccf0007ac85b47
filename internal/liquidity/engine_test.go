package liquidity

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProfitVault/internal/ledger"
	"ProfitVault/internal/model"
	"ProfitVault/internal/recorder"
	"ProfitVault/internal/store"
	"ProfitVault/internal/swap"
	"ProfitVault/internal/vaulterr"
)

var (
	usdc        = common.HexToAddress("0x1001")
	prot        = common.HexToAddress("0x1003")
	engineAddr  = common.HexToAddress("0x2004")
	venueAddr   = common.HexToAddress("0x3001")
	admin       = common.HexToAddress("0xad")
	distributor = common.HexToAddress("0x7e5")
	stranger    = common.HexToAddress("0xbad")
)

type fixture struct {
	ledger *ledger.Ledger
	engine *Engine
	rec    *recorder.MemoryRecorder
}

func newFixture(t *testing.T, venue swap.Venue, st store.Store) *fixture {
	t.Helper()
	l := ledger.New()
	require.NoError(t, l.Register(usdc, ledger.AssetConfig{Symbol: "USDC"}))
	require.NoError(t, l.Register(prot, ledger.AssetConfig{Symbol: "PROT", Burnable: true}))
	require.NoError(t, l.Issue(usdc, venueAddr, big.NewInt(1_000_000)))
	require.NoError(t, l.Issue(prot, venueAddr, big.NewInt(1_000_000)))
	require.NoError(t, l.Issue(usdc, distributor, big.NewInt(10_000)))
	l.Seal()

	if venue == nil {
		venue = swap.NewConstantProduct(venueAddr, usdc, prot, 30)
	}
	rec := recorder.NewMemoryRecorder()
	e, err := NewEngine(l, Config{Address: engineAddr, Asset: usdc, ProtocolToken: prot, Venue: venue}, admin, st, rec)
	require.NoError(t, err)
	require.NoError(t, e.SetDistributor(admin, distributor))
	return &fixture{ledger: l, engine: e, rec: rec}
}

func (f *fixture) read(fn func(r ledger.Reader) *big.Int) int64 {
	var out *big.Int
	f.ledger.View(func(r ledger.Reader) { out = fn(r) })
	return out.Int64()
}

func TestBuyAndBurnDestroysOutput(t *testing.T) {
	f := newFixture(t, nil, nil)

	out, err := f.engine.BuyAndBurn(context.Background(), distributor, big.NewInt(1000), big.NewInt(990))
	require.NoError(t, err)
	assert.Equal(t, int64(996), out.Int64())

	assert.Equal(t, int64(1_000_000-996), f.read(func(r ledger.Reader) *big.Int { return r.TotalSupply(prot) }))
	assert.Equal(t, int64(996), f.read(func(r ledger.Reader) *big.Int { return r.Burned(prot) }))
	assert.Equal(t, int64(0), f.read(func(r ledger.Reader) *big.Int { return r.BalanceOf(prot, engineAddr) }))
	assert.Equal(t, int64(0), f.read(func(r ledger.Reader) *big.Int { return r.BalanceOf(usdc, engineAddr) }))
	assert.Equal(t, int64(9_000), f.read(func(r ledger.Reader) *big.Int { return r.BalanceOf(usdc, distributor) }))

	assert.Equal(t, int64(996), f.engine.TotalBurned().Int64())
	assert.Equal(t, int64(1000), f.engine.TotalSpent().Int64())

	events, err := f.rec.List(model.EventFilter{Kind: model.EventBurn})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "1000", events[0].Details["amount_in"])
	assert.Equal(t, "996", events[0].Details["amount_out"])
}

func TestBurnedSupplyNeverReturns(t *testing.T) {
	f := newFixture(t, nil, nil)
	supply := f.read(func(r ledger.Reader) *big.Int { return r.TotalSupply(prot) })
	for i := 0; i < 5; i++ {
		_, err := f.engine.BuyAndBurn(context.Background(), distributor, big.NewInt(500), nil)
		require.NoError(t, err)
		next := f.read(func(r ledger.Reader) *big.Int { return r.TotalSupply(prot) })
		assert.Less(t, next, supply)
		supply = next
	}
	assert.Equal(t, int64(1_000_000)-supply, f.engine.TotalBurned().Int64())
}

func TestBuyAndBurnRejections(t *testing.T) {
	f := newFixture(t, nil, nil)
	tests := []struct {
		name   string
		caller common.Address
		in     *big.Int
		minOut *big.Int
		want   error
	}{
		{"stranger", stranger, big.NewInt(100), nil, vaulterr.ErrUnauthorized},
		{"zero amount", distributor, big.NewInt(0), nil, vaulterr.ErrInvalidAmount},
		{"nil amount", distributor, nil, nil, vaulterr.ErrInvalidAmount},
		{"short output", distributor, big.NewInt(1000), big.NewInt(997), vaulterr.ErrSwapFailed},
		{"underfunded caller", distributor, big.NewInt(50_000), nil, vaulterr.ErrInsufficientAssets},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.BuyAndBurn(context.Background(), tt.caller, tt.in, tt.minOut)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int64(10_000), f.read(func(r ledger.Reader) *big.Int { return r.BalanceOf(usdc, distributor) }))
			assert.Equal(t, int64(1_000_000), f.read(func(r ledger.Reader) *big.Int { return r.TotalSupply(prot) }))
			assert.Equal(t, int64(0), f.engine.TotalBurned().Int64())
		})
	}
}

func TestVenueFailureRevertsPull(t *testing.T) {
	boom := errors.New("venue offline")
	venue := swap.VenueFunc(func(ctx context.Context, tx *ledger.Tx, req swap.Request) (*big.Int, error) {
		return nil, boom
	})
	f := newFixture(t, venue, nil)

	_, err := f.engine.BuyAndBurn(context.Background(), distributor, big.NewInt(100), nil)
	require.ErrorIs(t, err, vaulterr.ErrSwapFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(10_000), f.read(func(r ledger.Reader) *big.Int { return r.BalanceOf(usdc, distributor) }))
}

func TestSwapDeadlineIsBounded(t *testing.T) {
	var seen time.Time
	venue := swap.VenueFunc(func(ctx context.Context, tx *ledger.Tx, req swap.Request) (*big.Int, error) {
		seen = req.Deadline
		dl, ok := ctx.Deadline()
		require.True(t, ok)
		assert.Equal(t, req.Deadline, dl)
		return nil, swap.ErrDeadlineExpired
	})
	f := newFixture(t, venue, nil)
	require.NoError(t, f.engine.SetSwapDeadline(admin, 5*time.Second))
	assert.ErrorIs(t, f.engine.SetSwapDeadline(admin, 0), vaulterr.ErrInvalidConfig)
	assert.ErrorIs(t, f.engine.SetSwapDeadline(stranger, time.Second), vaulterr.ErrUnauthorized)

	start := time.Now()
	_, err := f.engine.BuyAndBurn(context.Background(), distributor, big.NewInt(100), nil)
	assert.ErrorIs(t, err, vaulterr.ErrSwapFailed)
	assert.WithinDuration(t, start.Add(5*time.Second), seen, time.Second)
}

func TestEngineTotalsSurviveRestart(t *testing.T) {
	st, err := store.NewJSONFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	f := newFixture(t, nil, st)
	_, err = f.engine.BuyAndBurn(context.Background(), distributor, big.NewInt(1000), nil)
	require.NoError(t, err)

	e2, err := NewEngine(f.ledger, Config{Address: engineAddr, Asset: usdc, ProtocolToken: prot, Venue: f.engine.Venue()}, admin, st, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(996), e2.TotalBurned().Int64())
	assert.Equal(t, 1, e2.State().Burns)
}

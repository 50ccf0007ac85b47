package trader

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProfitVault/internal/ledger"
	"ProfitVault/internal/liquidity"
	"ProfitVault/internal/model"
	"ProfitVault/internal/recorder"
	"ProfitVault/internal/store"
	"ProfitVault/internal/swap"
	"ProfitVault/internal/treasury"
	"ProfitVault/internal/vault"
	"ProfitVault/internal/vaulterr"
)

var (
	usdc       = common.HexToAddress("0x1001")
	shareToken = common.HexToAddress("0x1002")
	prot       = common.HexToAddress("0x1003")
	poolAddr   = common.HexToAddress("0x2001")
	allocAddr  = common.HexToAddress("0x2002")
	treasAddr  = common.HexToAddress("0x2003")
	engineAddr = common.HexToAddress("0x2004")
	venueAddr  = common.HexToAddress("0x3001")
	admin      = common.HexToAddress("0xad")
	executor   = common.HexToAddress("0xe0")
	opsSink    = common.HexToAddress("0x0b5")
	alice      = common.HexToAddress("0xa11ce")
)

type fixture struct {
	ledger    *ledger.Ledger
	pool      *vault.Pool
	treasury  *treasury.Treasury
	allocator *Allocator
	venue     *swap.ConstantProduct
	rec       *recorder.MemoryRecorder
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	l := ledger.New()
	require.NoError(t, l.Register(usdc, ledger.AssetConfig{Symbol: "USDC"}))
	require.NoError(t, l.Register(shareToken, ledger.AssetConfig{Symbol: "pvUSDC", Mintable: true, Burnable: true}))
	require.NoError(t, l.Register(prot, ledger.AssetConfig{Symbol: "PROT", Burnable: true}))
	require.NoError(t, l.Issue(usdc, venueAddr, big.NewInt(1_000_000)))
	require.NoError(t, l.Issue(prot, venueAddr, big.NewInt(1_000_000)))
	require.NoError(t, l.Issue(usdc, alice, big.NewInt(100_000)))
	l.Seal()

	rec := recorder.NewMemoryRecorder()
	venue := swap.NewConstantProduct(venueAddr, usdc, prot, 30)
	pool, err := vault.NewPool(l, vault.Config{Address: poolAddr, Asset: usdc, ShareToken: shareToken}, admin, nil, rec)
	require.NoError(t, err)
	engine, err := liquidity.NewEngine(l, liquidity.Config{Address: engineAddr, Asset: usdc, ProtocolToken: prot, Venue: venue}, admin, nil, rec)
	require.NoError(t, err)
	tr, err := treasury.New(l, treasury.Config{Address: treasAddr, Asset: usdc}, admin, pool, nil, rec)
	require.NoError(t, err)
	alloc, err := NewAllocator(l, Config{Address: allocAddr, Venue: venue}, admin, pool, tr, st, rec)
	require.NoError(t, err)

	require.NoError(t, pool.SetAllocator(admin, allocAddr))
	require.NoError(t, pool.SetDistributor(admin, treasAddr))
	require.NoError(t, engine.SetDistributor(admin, treasAddr))
	require.NoError(t, tr.SetAllocator(admin, allocAddr))
	require.NoError(t, tr.SetOpsSink(admin, opsSink))
	require.NoError(t, tr.SetBurnEngine(admin, engine))
	require.NoError(t, alloc.SetExecutor(admin, executor))

	_, err = pool.Deposit(alice, big.NewInt(100_000))
	require.NoError(t, err)
	return &fixture{ledger: l, pool: pool, treasury: tr, allocator: alloc, venue: venue, rec: rec}
}

// spend trades amount of allocated base asset into the protocol token, which
// stays with the allocator.
func (f *fixture) spend(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.allocator.ExecuteTrade(context.Background(), executor, TradeRequest{
		TokenIn: usdc, TokenOut: prot, AmountIn: big.NewInt(amount),
		AmountOutMin: new(big.Int), Deadline: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(token, who common.Address) int64 {
	var out *big.Int
	f.ledger.View(func(r ledger.Reader) { out = r.BalanceOf(token, who) })
	return out.Int64()
}

func TestDrawBounds(t *testing.T) {
	tests := []struct {
		amount int64
		want   error
	}{
		{1999, vaulterr.ErrBoundsViolation},
		{2000, nil},
		{5000, nil},
		{5001, vaulterr.ErrBoundsViolation},
	}
	for _, tt := range tests {
		f := newFixture(t, nil)
		assert.Equal(t, int64(2000), f.allocator.MinDraw().Int64())
		assert.Equal(t, int64(5000), f.allocator.MaxDraw().Int64())

		_, err := f.allocator.RequestCapital(executor, big.NewInt(tt.amount))
		if tt.want != nil {
			assert.ErrorIs(t, err, tt.want, "amount %d", tt.amount)
			assert.Equal(t, int64(100_000), f.pool.TotalAssets().Int64())
			assert.Equal(t, model.PhaseIdle, f.allocator.Status().Phase)
			continue
		}
		require.NoError(t, err, "amount %d", tt.amount)
		assert.Equal(t, 100_000-tt.amount, f.pool.TotalAssets().Int64())
		assert.Equal(t, tt.amount, f.balance(usdc, allocAddr))
	}
}

func TestRequestCapitalRejections(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.allocator.RequestCapital(alice, big.NewInt(3000))
	assert.ErrorIs(t, err, vaulterr.ErrUnauthorized)
	_, err = f.allocator.RequestCapital(executor, big.NewInt(0))
	assert.ErrorIs(t, err, vaulterr.ErrInvalidAmount)

	_, err = f.allocator.RequestCapital(executor, big.NewInt(3000))
	require.NoError(t, err)
	_, err = f.allocator.RequestCapital(executor, big.NewInt(2000))
	assert.ErrorIs(t, err, vaulterr.ErrAllocationAlreadyOpen)
	assert.Equal(t, int64(97_000), f.pool.TotalAssets().Int64())
}

func TestNoDoubleDrawUnderConcurrency(t *testing.T) {
	f := newFixture(t, nil)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		already int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.allocator.RequestCapital(executor, big.NewInt(5000))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case vaulterr.KindOf(err) == vaulterr.KindAllocationAlreadyOpen:
				already++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, callers-1, already)
	assert.Equal(t, int64(95_000), f.pool.TotalAssets().Int64())
	assert.Equal(t, int64(5000), f.balance(usdc, allocAddr))
}

func TestFailedTradeRevertsAndKeepsAllocation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.allocator.RequestCapital(executor, big.NewInt(2000))
	require.NoError(t, err)

	tests := []struct {
		name string
		req  TradeRequest
		want error
	}{
		{"expired deadline", TradeRequest{TokenIn: usdc, TokenOut: prot, AmountIn: big.NewInt(1000), AmountOutMin: new(big.Int), Deadline: time.Now().Add(-time.Second)}, vaulterr.ErrSwapFailed},
		{"missing deadline", TradeRequest{TokenIn: usdc, TokenOut: prot, AmountIn: big.NewInt(1000), AmountOutMin: new(big.Int)}, vaulterr.ErrSwapFailed},
		{"short output", TradeRequest{TokenIn: usdc, TokenOut: prot, AmountIn: big.NewInt(1000), AmountOutMin: big.NewInt(1000), Deadline: time.Now().Add(time.Minute)}, vaulterr.ErrSwapFailed},
		{"more than allocated", TradeRequest{TokenIn: usdc, TokenOut: prot, AmountIn: big.NewInt(2001), AmountOutMin: new(big.Int), Deadline: time.Now().Add(time.Minute)}, vaulterr.ErrSwapFailed},
		{"missing minimum output", TradeRequest{TokenIn: usdc, TokenOut: prot, AmountIn: big.NewInt(1000), Deadline: time.Now().Add(time.Minute)}, vaulterr.ErrInvalidAmount},
		{"negative minimum output", TradeRequest{TokenIn: usdc, TokenOut: prot, AmountIn: big.NewInt(1000), AmountOutMin: big.NewInt(-1), Deadline: time.Now().Add(time.Minute)}, vaulterr.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.allocator.ExecuteTrade(context.Background(), executor, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int64(2000), f.balance(usdc, allocAddr))
			assert.Equal(t, int64(0), f.balance(prot, allocAddr))
			assert.Equal(t, int64(1_000_000), f.balance(usdc, venueAddr))
			st := f.allocator.Status()
			assert.Equal(t, model.PhaseCapitalRequested, st.Phase)
			assert.Equal(t, 0, st.Open.Trades)
		})
	}
}

func TestTradeRequiresOpenAllocation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.allocator.ExecuteTrade(context.Background(), executor, TradeRequest{
		TokenIn: usdc, TokenOut: prot, AmountIn: big.NewInt(10), AmountOutMin: new(big.Int),
		Deadline: time.Now().Add(time.Minute),
	})
	assert.ErrorIs(t, err, vaulterr.ErrAllocationNotOpen)
	_, err = f.allocator.ReturnCapital(context.Background(), executor, big.NewInt(0), big.NewInt(0))
	assert.ErrorIs(t, err, vaulterr.ErrAllocationNotOpen)
}

func TestReturnBeforeAnyTradeIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	alloc, err := f.allocator.RequestCapital(executor, big.NewInt(2000))
	require.NoError(t, err)

	_, err = f.allocator.ReturnCapital(context.Background(), executor, big.NewInt(2000), big.NewInt(0))
	assert.ErrorIs(t, err, vaulterr.ErrInvalidPhase)

	st := f.allocator.Status()
	assert.Equal(t, model.PhaseCapitalRequested, st.Phase)
	require.NotNil(t, st.Open)
	assert.Equal(t, alloc.ID, st.Open.ID)
	assert.Equal(t, int64(98_000), f.pool.TotalAssets().Int64())
	assert.Equal(t, int64(2000), f.balance(usdc, allocAddr))

	events, err := f.rec.List(model.EventFilter{Kind: model.EventAllocationClose})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFailedReportStaysInTradeExecuting(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.allocator.RequestCapital(executor, big.NewInt(2000))
	require.NoError(t, err)
	f.spend(t, 500)

	// reports more base asset than the allocator holds
	_, err = f.allocator.ReturnCapital(context.Background(), executor, big.NewInt(2000), big.NewInt(0))
	require.ErrorIs(t, err, vaulterr.ErrInsufficientAssets)
	st := f.allocator.Status()
	assert.Equal(t, model.PhaseTradeExecuting, st.Phase)
	assert.NotNil(t, st.Open)
}

func TestLossPathReturnsRemainingPrincipal(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.allocator.RequestCapital(executor, big.NewInt(2000))
	require.NoError(t, err)
	assert.Equal(t, int64(98_000), f.pool.TotalAssets().Int64())
	f.spend(t, 300)

	_, err = f.allocator.ReturnCapital(context.Background(), executor, big.NewInt(1700), big.NewInt(-300))
	require.NoError(t, err)
	assert.Equal(t, int64(99_700), f.pool.TotalAssets().Int64())
	assert.Equal(t, int64(0), f.balance(usdc, allocAddr))
	assert.Equal(t, int64(0), f.balance(usdc, opsSink))
	st := f.allocator.Status()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Nil(t, st.Open)
	assert.Equal(t, 1, st.Closed)
}

func TestFullCycleWithTrades(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.allocator.RequestCapital(executor, big.NewInt(4000))
	require.NoError(t, err)

	deadline := time.Now().Add(time.Minute)
	bought, err := f.allocator.ExecuteTrade(ctx, executor, TradeRequest{
		TokenIn: usdc, TokenOut: prot, AmountIn: big.NewInt(4000), AmountOutMin: big.NewInt(3900), Deadline: deadline,
	})
	require.NoError(t, err)
	sold, err := f.allocator.ExecuteTrade(ctx, executor, TradeRequest{
		TokenIn: prot, TokenOut: usdc, AmountIn: bought, AmountOutMin: new(big.Int), Deadline: deadline,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.allocator.Status().Open.Trades)
	assert.Equal(t, model.PhaseTradeExecuting, f.allocator.Status().Phase)

	// round trip through the fee leaves a small loss
	loss := new(big.Int).Sub(sold, big.NewInt(4000))
	require.Equal(t, -1, loss.Sign())
	_, err = f.allocator.ReturnCapital(ctx, executor, sold, loss)
	require.NoError(t, err)

	assert.Equal(t, 96_000+sold.Int64(), f.pool.TotalAssets().Int64())
	assert.Equal(t, int64(0), f.balance(usdc, allocAddr))

	events, err := f.rec.List(model.EventFilter{Kind: model.EventTrade})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	closed, err := f.rec.List(model.EventFilter{Kind: model.EventAllocationClose})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, string(model.PhaseResultReported), closed[0].Details["from_phase"])
	assert.Equal(t, model.PhaseIdle, f.allocator.Status().Phase)
}

func TestProfitCycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.allocator.RequestCapital(executor, big.NewInt(2000))
	require.NoError(t, err)
	f.spend(t, 100)

	// the executor cannot report more than the allocator holds
	_, err = f.allocator.ReturnCapital(ctx, executor, big.NewInt(2000), big.NewInt(1000))
	require.ErrorIs(t, err, vaulterr.ErrInsufficientAssets)
	assert.NotNil(t, f.allocator.Status().Open)

	d, err := f.allocator.ReturnCapital(ctx, executor, big.NewInt(1600), big.NewInt(300))
	require.NoError(t, err)
	assert.Equal(t, int64(225), d.VaultShare.Int64())
	assert.Equal(t, int64(60), d.OpsShare.Int64())
	assert.Equal(t, int64(15), d.BurnShare.Int64())
	assert.Equal(t, int64(98_000+1600+225), f.pool.TotalAssets().Int64())
	assert.Equal(t, int64(60), f.balance(usdc, opsSink))
}

func TestSetBounds(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.allocator.SetBounds(admin, 100, 500), vaulterr.ErrInvalidConfig)
	assert.ErrorIs(t, f.allocator.SetBounds(admin, 200, 600), vaulterr.ErrInvalidConfig)
	assert.ErrorIs(t, f.allocator.SetBounds(admin, 400, 300), vaulterr.ErrInvalidConfig)
	assert.ErrorIs(t, f.allocator.SetBounds(executor, 300, 400), vaulterr.ErrUnauthorized)

	require.NoError(t, f.allocator.SetBounds(admin, 300, 400))
	assert.Equal(t, int64(3000), f.allocator.MinDraw().Int64())
	assert.Equal(t, int64(4000), f.allocator.MaxDraw().Int64())
	_, err := f.allocator.RequestCapital(executor, big.NewInt(2500))
	assert.ErrorIs(t, err, vaulterr.ErrBoundsViolation)
}

func TestOpenAllocationSurvivesRestart(t *testing.T) {
	st, err := store.NewJSONFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	f := newFixture(t, st)
	alloc, err := f.allocator.RequestCapital(executor, big.NewInt(2500))
	require.NoError(t, err)

	a2, err := NewAllocator(f.ledger, Config{Address: allocAddr, Venue: f.venue}, admin, f.pool, f.treasury, st, nil)
	require.NoError(t, err)
	status := a2.Status()
	require.NotNil(t, status.Open)
	assert.Equal(t, alloc.ID, status.Open.ID)
	assert.Equal(t, int64(2500), status.Open.Principal.Int64())
	assert.Equal(t, model.PhaseCapitalRequested, status.Phase)
}

package ledger

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc  = common.HexToAddress("0x01")
	share = common.HexToAddress("0x02")
	prot  = common.HexToAddress("0x03")
	alice = common.HexToAddress("0xa1")
	bob   = common.HexToAddress("0xb0")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New()
	require.NoError(t, l.Register(usdc, AssetConfig{Symbol: "USDC"}))
	require.NoError(t, l.Register(share, AssetConfig{Symbol: "SHARE", Mintable: true, Burnable: true}))
	require.NoError(t, l.Register(prot, AssetConfig{Symbol: "PROT", Burnable: true}))
	require.NoError(t, l.Issue(usdc, alice, big.NewInt(1000)))
	require.NoError(t, l.Issue(prot, bob, big.NewInt(500)))
	l.Seal()
	return l
}

func balance(l *Ledger, token, who common.Address) int64 {
	var v int64
	l.View(func(r Reader) { v = r.BalanceOf(token, who).Int64() })
	return v
}

func TestTransferCommits(t *testing.T) {
	l := newTestLedger(t)
	err := l.Exec(func(tx *Tx) error {
		return tx.Transfer(usdc, alice, bob, big.NewInt(300))
	})
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance(l, usdc, alice))
	assert.Equal(t, int64(300), balance(l, usdc, bob))
	assert.Equal(t, uint64(1), l.Seq())
}

func TestFailedTransactionRevertsEverything(t *testing.T) {
	l := newTestLedger(t)
	marker := 0
	committed := false
	err := l.Exec(func(tx *Tx) error {
		require.NoError(t, tx.Transfer(usdc, alice, bob, big.NewInt(300)))
		require.NoError(t, tx.Mint(share, alice, big.NewInt(10)))
		require.NoError(t, tx.Burn(prot, bob, big.NewInt(5)))
		marker = 1
		tx.OnRevert(func() { marker = 0 })
		tx.OnCommit(func() { committed = true })
		return tx.Transfer(usdc, bob, alice, big.NewInt(301))
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, 0, marker)
	assert.False(t, committed)
	assert.Equal(t, int64(1000), balance(l, usdc, alice))
	assert.Equal(t, int64(0), balance(l, usdc, bob))
	assert.Equal(t, int64(500), balance(l, prot, bob))
	l.View(func(r Reader) {
		assert.Equal(t, int64(0), r.TotalSupply(share).Int64())
		assert.Equal(t, int64(500), r.TotalSupply(prot).Int64())
		assert.Equal(t, int64(0), r.Burned(prot).Int64())
	})
	assert.Equal(t, uint64(0), l.Seq())
}

func TestPanicRevertsAndPropagates(t *testing.T) {
	l := newTestLedger(t)
	assert.Panics(t, func() {
		_ = l.Exec(func(tx *Tx) error {
			_ = tx.Transfer(usdc, alice, bob, big.NewInt(1))
			panic("boom")
		})
	})
	assert.Equal(t, int64(1000), balance(l, usdc, alice))
}

func TestSupplyRules(t *testing.T) {
	l := newTestLedger(t)

	err := l.Exec(func(tx *Tx) error { return tx.Mint(prot, bob, big.NewInt(1)) })
	assert.ErrorIs(t, err, ErrNotMintable)

	err = l.Exec(func(tx *Tx) error { return tx.Burn(usdc, alice, big.NewInt(1)) })
	assert.ErrorIs(t, err, ErrNotBurnable)

	assert.ErrorIs(t, l.Issue(prot, bob, big.NewInt(1)), ErrSealed)

	err = l.Exec(func(tx *Tx) error { return tx.Transfer(usdc, alice, bob, big.NewInt(0)) })
	assert.ErrorIs(t, err, ErrInvalidAmount)

	err = l.Exec(func(tx *Tx) error { return tx.Transfer(usdc, alice, common.Address{}, big.NewInt(1)) })
	assert.ErrorIs(t, err, ErrZeroAddress)
}

func TestSelfTransferRejected(t *testing.T) {
	l := newTestLedger(t)
	var before *big.Int
	l.View(func(r Reader) { before = r.BalanceOf(usdc, alice) })

	err := l.Exec(func(tx *Tx) error { return tx.Transfer(usdc, alice, alice, big.NewInt(1)) })
	assert.ErrorIs(t, err, ErrSelfTransfer)
	l.View(func(r Reader) { assert.Equal(t, 0, before.Cmp(r.BalanceOf(usdc, alice))) })
}

func TestBurnIsPermanentAfterCommit(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Exec(func(tx *Tx) error { return tx.Burn(prot, bob, big.NewInt(120)) }))
	l.View(func(r Reader) {
		assert.Equal(t, int64(380), r.TotalSupply(prot).Int64())
		assert.Equal(t, int64(120), r.Burned(prot).Int64())
		assert.Equal(t, int64(500), r.Issued(prot).Int64())
	})
}

func TestCommitHookSeesSnapshot(t *testing.T) {
	l := newTestLedger(t)
	var got Snapshot
	l.OnCommit(func(s Snapshot) { got = s })
	require.NoError(t, l.Exec(func(tx *Tx) error {
		return tx.Transfer(usdc, alice, bob, big.NewInt(10))
	}))
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, int64(10), got.Assets[usdc.Hex()].Balances[bob.Hex()].Int64())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Exec(func(tx *Tx) error {
		if err := tx.Transfer(usdc, alice, bob, big.NewInt(40)); err != nil {
			return err
		}
		return tx.Burn(prot, bob, big.NewInt(7))
	}))
	snap := l.Snapshot()

	restored := New()
	restored.Restore(snap)
	assert.Equal(t, int64(960), balance(restored, usdc, alice))
	assert.Equal(t, int64(40), balance(restored, usdc, bob))
	restored.View(func(r Reader) {
		assert.Equal(t, int64(7), r.Burned(prot).Int64())
	})
	assert.ErrorIs(t, restored.Issue(usdc, alice, big.NewInt(1)), ErrSealed)
	assert.Equal(t, l.Seq(), restored.Seq())
}

func TestConcurrentTransfersConserveSupply(t *testing.T) {
	l := newTestLedger(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = l.Exec(func(tx *Tx) error { return tx.Transfer(usdc, alice, bob, big.NewInt(7)) })
		}()
		go func() {
			defer wg.Done()
			err := l.Exec(func(tx *Tx) error { return tx.Transfer(usdc, bob, alice, big.NewInt(3)) })
			if err != nil && !errors.Is(err, ErrInsufficientBalance) {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), balance(l, usdc, alice)+balance(l, usdc, bob))
}

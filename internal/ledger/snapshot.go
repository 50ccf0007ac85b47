package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetSnapshot is the persisted form of one asset.
type AssetSnapshot struct {
	Symbol   string              `json:"symbol"`
	Mintable bool                `json:"mintable"`
	Burnable bool                `json:"burnable"`
	Supply   *big.Int            `json:"supply"`
	Issued   *big.Int            `json:"issued"`
	Minted   *big.Int            `json:"minted"`
	Burned   *big.Int            `json:"burned"`
	Balances map[string]*big.Int `json:"balances"`
}

// Snapshot is the persisted form of the whole ledger.
type Snapshot struct {
	Seq    uint64                   `json:"seq"`
	Assets map[string]AssetSnapshot `json:"assets"`
}

// Snapshot copies the committed state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	snap := Snapshot{Seq: l.seq, Assets: make(map[string]AssetSnapshot, len(l.assets))}
	for token, a := range l.assets {
		as := AssetSnapshot{
			Symbol:   a.cfg.Symbol,
			Mintable: a.cfg.Mintable,
			Burnable: a.cfg.Burnable,
			Supply:   new(big.Int).Set(a.supply),
			Issued:   new(big.Int).Set(a.issued),
			Minted:   new(big.Int).Set(a.minted),
			Burned:   new(big.Int).Set(a.burned),
			Balances: make(map[string]*big.Int, len(a.balances)),
		}
		for who, bal := range a.balances {
			if bal.Sign() != 0 {
				as.Balances[who.Hex()] = new(big.Int).Set(bal)
			}
		}
		snap.Assets[token.Hex()] = as
	}
	return snap
}

// Restore replaces the ledger contents with snap and seals it. Assets
// registered but absent from snap are kept as registered.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for hex, as := range snap.Assets {
		a := &asset{
			cfg:      AssetConfig{Symbol: as.Symbol, Mintable: as.Mintable, Burnable: as.Burnable},
			supply:   orZero(as.Supply),
			issued:   orZero(as.Issued),
			minted:   orZero(as.Minted),
			burned:   orZero(as.Burned),
			balances: make(map[common.Address]*big.Int, len(as.Balances)),
		}
		for who, bal := range as.Balances {
			a.balances[common.HexToAddress(who)] = orZero(bal)
		}
		l.assets[common.HexToAddress(hex)] = a
	}
	l.seq = snap.Seq
	l.sealed = true
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

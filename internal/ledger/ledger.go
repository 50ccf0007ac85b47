// Package ledger is the single serialization point for every value-moving
// operation. It keeps balances for each registered asset and runs mutations
// as transactions: a failing transaction reverts every balance change and every
// undo entry registered by the components that took part in it.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrAssetExists         = errors.New("asset already registered")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotMintable         = errors.New("asset is not mintable")
	ErrNotBurnable         = errors.New("asset is not burnable")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSealed              = errors.New("genesis issuance is closed")
	ErrZeroAddress         = errors.New("zero address")
	ErrSelfTransfer        = errors.New("transfer to self")
)

// AssetConfig describes the supply rules of one asset.
type AssetConfig struct {
	Symbol   string
	Mintable bool
	Burnable bool
}

type asset struct {
	cfg      AssetConfig
	supply   *big.Int
	issued   *big.Int
	minted   *big.Int
	burned   *big.Int
	balances map[common.Address]*big.Int
}

func (a *asset) balance(who common.Address) *big.Int {
	if b, ok := a.balances[who]; ok {
		return b
	}
	return new(big.Int)
}

// Ledger holds balances and serializes all writers.
type Ledger struct {
	mu     sync.RWMutex
	assets map[common.Address]*asset
	seq    uint64
	sealed bool
	hooks  []func(Snapshot)
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{assets: make(map[common.Address]*asset)}
}

// Register adds an asset. Must be called before Seal.
func (l *Ledger) Register(token common.Address, cfg AssetConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return ErrSealed
	}
	if _, ok := l.assets[token]; ok {
		return fmt.Errorf("%s: %w", cfg.Symbol, ErrAssetExists)
	}
	l.assets[token] = &asset{
		cfg:      cfg,
		supply:   new(big.Int),
		issued:   new(big.Int),
		minted:   new(big.Int),
		burned:   new(big.Int),
		balances: make(map[common.Address]*big.Int),
	}
	return nil
}

// Issue credits genesis supply to an account, regardless of the asset's
// Mintable flag. It is rejected once the ledger is sealed.
func (l *Ledger) Issue(token, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return ErrSealed
	}
	a, ok := l.assets[token]
	if !ok {
		return ErrUnknownAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	a.balances[to] = new(big.Int).Add(a.balance(to), amount)
	a.supply.Add(a.supply, amount)
	a.issued.Add(a.issued, amount)
	return nil
}

// Seal closes genesis issuance. After Seal, supply only changes through Mint
// on mintable assets and Burn on burnable ones.
func (l *Ledger) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
}

// OnCommit registers a hook run after every committed transaction, still under
// the writer lock, with a snapshot of the committed balances.
func (l *Ledger) OnCommit(fn func(Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Exec runs fn as one atomic transaction. If fn returns an error (or panics)
// every change made through tx is reverted.
func (l *Ledger) Exec(fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &Tx{reader: reader{l: l}, l: l}
	committed := false
	defer func() {
		if !committed {
			tx.revert()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	l.seq++
	for _, h := range tx.commits {
		h()
	}
	if len(l.hooks) > 0 {
		snap := l.snapshotLocked()
		for _, h := range l.hooks {
			h(snap)
		}
	}
	return nil
}

// View runs fn with a consistent read-only view. fn must not call Exec or View.
func (l *Ledger) View(fn func(r Reader)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(reader{l: l})
}

// Seq returns the number of committed transactions.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Reader exposes balances without mutation.
type Reader interface {
	BalanceOf(token, who common.Address) *big.Int
	TotalSupply(token common.Address) *big.Int
	Issued(token common.Address) *big.Int
	Burned(token common.Address) *big.Int
	Minted(token common.Address) *big.Int
	// Seq is the number of transactions committed before this view.
	Seq() uint64
}

type reader struct{ l *Ledger }

func (r reader) BalanceOf(token, who common.Address) *big.Int {
	a, ok := r.l.assets[token]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(a.balance(who))
}

func (r reader) TotalSupply(token common.Address) *big.Int { return r.field(token, func(a *asset) *big.Int { return a.supply }) }
func (r reader) Issued(token common.Address) *big.Int      { return r.field(token, func(a *asset) *big.Int { return a.issued }) }
func (r reader) Burned(token common.Address) *big.Int      { return r.field(token, func(a *asset) *big.Int { return a.burned }) }
func (r reader) Minted(token common.Address) *big.Int      { return r.field(token, func(a *asset) *big.Int { return a.minted }) }

func (r reader) Seq() uint64 { return r.l.seq }

func (r reader) field(token common.Address, get func(*asset) *big.Int) *big.Int {
	a, ok := r.l.assets[token]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(get(a))
}

package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Tx is an open transaction. It is only valid inside the Exec callback that
// created it.
type Tx struct {
	reader
	l       *Ledger
	undo    []func()
	commits []func()
}

// OnRevert registers fn to run if the transaction fails. Undo entries run in
// reverse registration order, after balance changes made later are undone.
func (tx *Tx) OnRevert(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// OnCommit registers fn to run once the transaction commits.
func (tx *Tx) OnCommit(fn func()) {
	tx.commits = append(tx.commits, fn)
}

func (tx *Tx) revert() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.commits = nil
}

func (tx *Tx) asset(token common.Address) (*asset, error) {
	a, ok := tx.l.assets[token]
	if !ok {
		return nil, fmt.Errorf("%s: %w", token.Hex(), ErrUnknownAsset)
	}
	return a, nil
}

// setBalance writes a balance and registers its undo.
func (tx *Tx) setBalance(a *asset, who common.Address, v *big.Int) {
	prev, had := a.balances[who]
	a.balances[who] = v
	tx.OnRevert(func() {
		if had {
			a.balances[who] = prev
		} else {
			delete(a.balances, who)
		}
	})
}

// addCounter adds delta to one of the asset's running totals with undo.
func (tx *Tx) addCounter(c *big.Int, delta *big.Int) {
	before := new(big.Int).Set(c)
	c.Add(c, delta)
	tx.OnRevert(func() { c.Set(before) })
}

// Transfer moves amount of token from one account to another. from and to
// must differ.
func (tx *Tx) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if from == to {
		return fmt.Errorf("%s: %w", from.Hex(), ErrSelfTransfer)
	}
	a, err := tx.asset(token)
	if err != nil {
		return err
	}
	fromBal := a.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%s balance of %s is %s, need %s: %w",
			a.cfg.Symbol, from.Hex(), fromBal, amount, ErrInsufficientBalance)
	}
	tx.setBalance(a, from, new(big.Int).Sub(fromBal, amount))
	tx.setBalance(a, to, new(big.Int).Add(a.balance(to), amount))
	return nil
}

// Mint creates amount of a mintable token for to.
func (tx *Tx) Mint(token, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	a, err := tx.asset(token)
	if err != nil {
		return err
	}
	if !a.cfg.Mintable {
		return fmt.Errorf("%s: %w", a.cfg.Symbol, ErrNotMintable)
	}
	tx.setBalance(a, to, new(big.Int).Add(a.balance(to), amount))
	tx.addCounter(a.supply, amount)
	tx.addCounter(a.minted, amount)
	return nil
}

// Burn destroys amount of a burnable token held by from. Once the enclosing
// transaction commits the supply reduction is permanent.
func (tx *Tx) Burn(token, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	a, err := tx.asset(token)
	if err != nil {
		return err
	}
	if !a.cfg.Burnable {
		return fmt.Errorf("%s: %w", a.cfg.Symbol, ErrNotBurnable)
	}
	bal := a.balance(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%s balance of %s is %s, need %s: %w",
			a.cfg.Symbol, from.Hex(), bal, amount, ErrInsufficientBalance)
	}
	tx.setBalance(a, from, new(big.Int).Sub(bal, amount))
	tx.addCounter(a.supply, new(big.Int).Neg(amount))
	tx.addCounter(a.burned, amount)
	return nil
}

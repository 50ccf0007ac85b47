package roles

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"ProfitVault/internal/ledger"
	"ProfitVault/internal/vaulterr"
)

// Role names a privileged counterparty a component trusts.
type Role string

const (
	Admin       Role = "admin"
	Allocator   Role = "allocator"
	Distributor Role = "distributor"
	Executor    Role = "executor"
	BurnEngine  Role = "burn_engine"
	OpsSink     Role = "ops_sink"
)

// Bindings holds one administrator and one bound identity per role.
// The zero address means the role is unbound.
type Bindings struct {
	mu       sync.RWMutex
	admin    common.Address
	bound    map[Role]common.Address
	reserved map[common.Address]bool
}

// NewBindings creates bindings owned by admin.
func NewBindings(admin common.Address) *Bindings {
	return &Bindings{
		admin:    admin,
		bound:    make(map[Role]common.Address),
		reserved: make(map[common.Address]bool),
	}
}

// Reserve marks addresses that can never be bound to a role, typically the
// owning component's own custody account.
func (b *Bindings) Reserve(addrs ...common.Address) *Bindings {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range addrs {
		b.reserved[a] = true
	}
	return b
}

// Admin returns the administrative principal.
func (b *Bindings) Admin() common.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.admin
}

// Get returns the identity bound to role, or the zero address.
func (b *Bindings) Get(role Role) common.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if role == Admin {
		return b.admin
	}
	return b.bound[role]
}

// IsBound reports whether role has a non-zero identity.
func (b *Bindings) IsBound(role Role) bool {
	return b.Get(role) != (common.Address{})
}

// Require fails with Unauthorized unless caller is the identity bound to role.
func (b *Bindings) Require(op string, role Role, caller common.Address) error {
	want := b.Get(role)
	if want == (common.Address{}) || want != caller {
		return vaulterr.New(op, vaulterr.KindUnauthorized,
			"role", string(role), "caller", caller.Hex())
	}
	return nil
}

// Bind sets role to who. Only the administrator may rebind, and the admin
// role itself is fixed at construction. It returns the previous identity.
func (b *Bindings) Bind(op string, caller common.Address, role Role, who common.Address) (common.Address, error) {
	if err := b.Require(op, Admin, caller); err != nil {
		return common.Address{}, err
	}
	if role == Admin {
		return common.Address{}, vaulterr.New(op, vaulterr.KindInvalidConfig, "role", string(role))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserved[who] {
		return common.Address{}, vaulterr.New(op, vaulterr.KindInvalidConfig,
			"role", string(role), "identity", who.Hex())
	}
	prev := b.bound[role]
	b.bound[role] = who
	return prev, nil
}

// Restore overwrites role without an admin check. Used to undo a Bind inside a
// reverted transaction.
func (b *Bindings) Restore(role Role, who common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[role] = who
}

// Snapshot returns a copy of all bound roles keyed by name.
func (b *Bindings) Snapshot() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.bound)+1)
	out[string(Admin)] = b.admin.Hex()
	for r, a := range b.bound {
		out[string(r)] = a.Hex()
	}
	return out
}

// BindIn binds role inside tx, restoring the previous identity if tx reverts.
func (b *Bindings) BindIn(tx *ledger.Tx, op string, caller common.Address, role Role, who common.Address) error {
	prev, err := b.Bind(op, caller, role, who)
	if err != nil {
		return err
	}
	tx.OnRevert(func() { b.Restore(role, prev) })
	return nil
}

package roles

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProfitVault/internal/vaulterr"
)

var (
	admin    = common.HexToAddress("0xa0")
	trader   = common.HexToAddress("0xb0")
	stranger = common.HexToAddress("0xc0")
)

func TestRequireUnboundRole(t *testing.T) {
	b := NewBindings(admin)
	err := b.Require("op", Allocator, common.Address{})
	assert.ErrorIs(t, err, vaulterr.ErrUnauthorized)
}

func TestBindAndRequire(t *testing.T) {
	b := NewBindings(admin)

	_, err := b.Bind("op", stranger, Allocator, trader)
	require.ErrorIs(t, err, vaulterr.ErrUnauthorized)
	assert.False(t, b.IsBound(Allocator))

	prev, err := b.Bind("op", admin, Allocator, trader)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, prev)

	assert.NoError(t, b.Require("op", Allocator, trader))
	assert.ErrorIs(t, b.Require("op", Allocator, stranger), vaulterr.ErrUnauthorized)
	assert.NoError(t, b.Require("op", Admin, admin))
}

func TestAdminCannotBeRebound(t *testing.T) {
	b := NewBindings(admin)
	_, err := b.Bind("op", admin, Admin, stranger)
	assert.ErrorIs(t, err, vaulterr.ErrInvalidConfig)
	assert.Equal(t, admin, b.Admin())
}

func TestRestoreUndoesBind(t *testing.T) {
	b := NewBindings(admin)
	prev, err := b.Bind("op", admin, Executor, trader)
	require.NoError(t, err)
	b.Restore(Executor, prev)
	assert.False(t, b.IsBound(Executor))
	assert.Equal(t, admin.Hex(), b.Snapshot()["admin"])
}

func TestReservedAddressCannotBeBound(t *testing.T) {
	custody := common.HexToAddress("0xd0")
	b := NewBindings(admin).Reserve(custody)

	_, err := b.Bind("op", admin, Distributor, custody)
	assert.ErrorIs(t, err, vaulterr.ErrInvalidConfig)
	assert.False(t, b.IsBound(Distributor))

	_, err = b.Bind("op", admin, Distributor, trader)
	assert.NoError(t, err)
}

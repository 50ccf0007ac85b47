package audit

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProfitVault/internal/ledger"
	"ProfitVault/internal/metrics"
	"ProfitVault/internal/model"
	"ProfitVault/internal/recorder"
	"ProfitVault/internal/roles"
	"ProfitVault/internal/vaulterr"
)

var actor = common.HexToAddress("0xa11ce")

type failingRecorder struct{}

func (failingRecorder) Record(*model.AuditEvent) error { return errors.New("disk full") }
func (failingRecorder) List(model.EventFilter) ([]model.AuditEvent, error) {
	return nil, nil
}
func (failingRecorder) Close() error { return nil }

func TestEmitRecordsOnlyOnCommit(t *testing.T) {
	rec := recorder.NewMemoryRecorder()
	e := NewEmitter("pool", rec)
	l := ledger.New()

	err := l.Exec(func(tx *ledger.Tx) error {
		e.Emit(tx, "deposit", model.EventDeposit, actor, "", big.NewInt(10), nil)
		return vaulterr.New("deposit", vaulterr.KindInvalidAmount)
	})
	require.Error(t, err)
	events, err := rec.List(model.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, l.Exec(func(tx *ledger.Tx) error {
		e.Emit(tx, "deposit", model.EventDeposit, actor, roles.Allocator, big.NewInt(10),
			Details("shares", big.NewInt(10), "to", actor))
		return nil
	}))
	events, err = rec.List(model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0]
	assert.Equal(t, model.EventDeposit, got.Kind)
	assert.Equal(t, "pool", got.Component)
	assert.Equal(t, actor.Hex(), got.Actor)
	assert.Equal(t, "allocator", got.Role)
	assert.Equal(t, int64(10), got.Amount.Int64())
	assert.Equal(t, "10", got.Details["shares"])
	assert.Equal(t, actor.Hex(), got.Details["to"])
	assert.NotEmpty(t, got.ID)
}

func TestEmitCountsRecorderFailures(t *testing.T) {
	e := NewEmitter("treasury", failingRecorder{})
	before := testutil.ToFloat64(metrics.AuditRecordErrors)

	err := ledger.New().Exec(func(tx *ledger.Tx) error {
		e.Emit(tx, "handle_trade_result", model.EventDistribution, actor, roles.Allocator, nil, nil)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditRecordErrors))
}

func TestObserveCountsByKind(t *testing.T) {
	e := NewEmitter("engine", nil)
	c := metrics.Failures.WithLabelValues("engine", "buy_and_burn", string(vaulterr.KindUnauthorized))
	before := testutil.ToFloat64(c)

	assert.NoError(t, e.Observe("buy_and_burn", nil))
	err := vaulterr.New("buy_and_burn", vaulterr.KindUnauthorized)
	assert.Same(t, err, e.Observe("buy_and_burn", err))
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

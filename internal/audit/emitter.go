// Package audit turns committed custody operations into append-only records,
// counters and log lines.
package audit

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ProfitVault/internal/ledger"
	"ProfitVault/internal/metrics"
	"ProfitVault/internal/model"
	"ProfitVault/internal/recorder"
	"ProfitVault/internal/roles"
	"ProfitVault/internal/vaulterr"
)

// Emitter records events for one component.
type Emitter struct {
	component string
	rec       recorder.Recorder
	log       *logrus.Entry
}

// NewEmitter returns an emitter writing to rec. A nil rec records nothing.
func NewEmitter(component string, rec recorder.Recorder) *Emitter {
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	return &Emitter{
		component: component,
		rec:       rec,
		log:       logrus.WithField("component", component),
	}
}

// Log returns the component logger.
func (e *Emitter) Log() *logrus.Entry { return e.log }

// Emit queues an event that is recorded only if tx commits.
func (e *Emitter) Emit(tx *ledger.Tx, op string, kind model.EventKind, actor common.Address, role roles.Role, amount *big.Int, details map[string]string) {
	tx.OnCommit(func() {
		evt := &model.AuditEvent{
			ID:        uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Kind:      kind,
			Component: e.component,
			Actor:     actor.Hex(),
			Role:      string(role),
			Amount:    model.CloneInt(amount),
			Details:   details,
		}
		if err := e.rec.Record(evt); err != nil {
			metrics.AuditRecordErrors.Inc()
			e.log.WithError(err).WithField("kind", kind).Error("record audit event")
		}
		metrics.Operations.WithLabelValues(e.component, op).Inc()
		e.log.WithFields(logrus.Fields{
			"op":     op,
			"actor":  actor.Hex(),
			"amount": evt.Amount.String(),
		}).Debug("committed")
	})
}

// Observe counts and logs a failed operation and returns err unchanged.
func (e *Emitter) Observe(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := vaulterr.KindOf(err)
	if kind == "" {
		kind = "Internal"
	}
	metrics.Failures.WithLabelValues(e.component, op, string(kind)).Inc()
	e.log.WithError(err).WithField("op", op).Warn("operation rejected")
	return err
}

// Details renders key/value pairs the way audit records store them.
func Details(kv ...any) map[string]string {
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		switch v := kv[i+1].(type) {
		case *big.Int:
			out[key] = model.CloneInt(v).String()
		case common.Address:
			out[key] = v.Hex()
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}

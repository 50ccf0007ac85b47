// Package reconcile checks that value is conserved across the custody
// components: every base unit the pool claims is in its custody account, the
// share supply matches the pool's share total, the base asset supply never
// changes, and burned protocol token never comes back.
package reconcile

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ProfitVault/internal/ledger"
	"ProfitVault/internal/metrics"
	"ProfitVault/internal/model"
	"ProfitVault/internal/recorder"
)

// PoolReader is the pool side of a reconciliation.
type PoolReader interface {
	Address() common.Address
	StateAt(r ledger.Reader) model.PoolState
}

// AllocatorReader is the allocator side of a reconciliation.
type AllocatorReader interface {
	Address() common.Address
	StatusAt(r ledger.Reader) model.CycleStatus
}

// Config names the assets the auditor checks.
type Config struct {
	Asset         common.Address
	ShareToken    common.Address
	ProtocolToken common.Address
}

// Check is one conservation rule.
type Check struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Want string `json:"want"`
	Got  string `json:"got"`
}

// Report is the outcome of one run. All values are read at ledger sequence Seq.
type Report struct {
	Seq        uint64            `json:"seq"`
	At         time.Time         `json:"at"`
	OK         bool              `json:"ok"`
	Checks     []Check           `json:"checks"`
	Pool       model.PoolState   `json:"pool"`
	Allocation model.CycleStatus `json:"allocation"`
	// Exposure is base asset drawn and not yet reported back.
	Exposure *big.Int `json:"exposure"`
	Burned   *big.Int `json:"burned"`
}

// Auditor runs conservation checks.
type Auditor struct {
	ledger    *ledger.Ledger
	cfg       Config
	pool      PoolReader
	allocator AllocatorReader
	rec       recorder.Recorder
	log       *logrus.Entry
}

// NewAuditor creates an auditor. allocator may be nil.
func NewAuditor(l *ledger.Ledger, cfg Config, pool PoolReader, allocator AllocatorReader) *Auditor {
	return &Auditor{
		ledger:    l,
		cfg:       cfg,
		pool:      pool,
		allocator: allocator,
		log:       logrus.WithField("component", "reconcile"),
	}
}

// SetRecorder makes the auditor append a RECONCILE event for every breach.
func (a *Auditor) SetRecorder(rec recorder.Recorder) { a.rec = rec }

// Run reads every component under one ledger read lock and checks the
// conservation rules.
func (a *Auditor) Run() Report {
	rep := Report{At: time.Now().UTC(), OK: true, Exposure: new(big.Int), Burned: new(big.Int)}
	a.ledger.View(func(r ledger.Reader) {
		rep.Seq = r.Seq()
		rep.Pool = a.pool.StateAt(r)

		rep.add("pool_custody", rep.Pool.TotalAssets, r.BalanceOf(a.cfg.Asset, a.pool.Address()))
		rep.add("share_supply", rep.Pool.TotalShares, r.TotalSupply(a.cfg.ShareToken))
		rep.add("base_supply", r.Issued(a.cfg.Asset), r.TotalSupply(a.cfg.Asset))

		orphan := rep.Pool.TotalAssets.Sign() == 0 && rep.Pool.TotalShares.Sign() > 0
		rep.addBool("shares_backed", !orphan, "total_assets > 0 or total_shares == 0")

		if a.cfg.ProtocolToken != (common.Address{}) {
			want := new(big.Int).Sub(r.Issued(a.cfg.ProtocolToken), r.Burned(a.cfg.ProtocolToken))
			rep.add("protocol_supply", want, r.TotalSupply(a.cfg.ProtocolToken))
			rep.add("protocol_not_minted", new(big.Int), r.Minted(a.cfg.ProtocolToken))
			rep.Burned = r.Burned(a.cfg.ProtocolToken)
		}

		if a.allocator != nil {
			rep.Allocation = a.allocator.StatusAt(r)
			open := rep.Allocation.Open != nil
			idle := rep.Allocation.Phase == model.PhaseIdle
			rep.addBool("allocation_phase", open != idle, string(rep.Allocation.Phase))
			if open {
				rep.Exposure = model.CloneInt(rep.Allocation.Open.Principal)
			}
		}
	})

	metrics.ReconcileRuns.Inc()
	entry := a.log.WithFields(logrus.Fields{
		"seq":          rep.Seq,
		"total_assets": rep.Pool.TotalAssets.String(),
		"total_shares": rep.Pool.TotalShares.String(),
		"exposure":     rep.Exposure.String(),
	})
	if !rep.OK {
		metrics.ReconcileBreaches.Inc()
		for _, c := range rep.Checks {
			if !c.OK {
				entry.WithFields(logrus.Fields{"check": c.Name, "want": c.Want, "got": c.Got}).Error("conservation breach")
			}
		}
		a.record(rep)
		return rep
	}
	entry.Debug("reconciled")
	return rep
}

func (r *Report) add(name string, want, got *big.Int) {
	want, got = model.CloneInt(want), model.CloneInt(got)
	c := Check{Name: name, OK: want.Cmp(got) == 0, Want: want.String(), Got: got.String()}
	r.Checks = append(r.Checks, c)
	r.OK = r.OK && c.OK
}

func (r *Report) addBool(name string, ok bool, detail string) {
	c := Check{Name: name, OK: ok, Want: "true", Got: detail}
	r.Checks = append(r.Checks, c)
	r.OK = r.OK && ok
}

func (a *Auditor) record(rep Report) {
	if a.rec == nil {
		return
	}
	details := map[string]string{"seq": strconv.FormatUint(rep.Seq, 10)}
	for _, c := range rep.Checks {
		if !c.OK {
			details[c.Name] = "want " + c.Want + " got " + c.Got
		}
	}
	err := a.rec.Record(&model.AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: rep.At,
		Kind:      model.EventReconcile,
		Component: "reconcile",
		Amount:    model.CloneInt(rep.Exposure),
		Details:   details,
	})
	if err != nil {
		metrics.AuditRecordErrors.Inc()
		a.log.WithError(err).Error("record reconcile breach")
	}
}

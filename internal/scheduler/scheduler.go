package scheduler

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"ProfitVault/internal/reconcile"
)

// Auditor runs a conservation check.
type Auditor interface {
	Run() reconcile.Report
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron    *cron.Cron
	Auditor Auditor
	Refresh func()

	mu   sync.RWMutex
	last *reconcile.Report
	log  *logrus.Entry
}

// NewScheduler creates a new Scheduler. refresh may be nil.
func NewScheduler(aud Auditor, refresh func()) *Scheduler {
	return &Scheduler{
		Cron:    cron.New(cron.WithSeconds()),
		Auditor: aud,
		Refresh: refresh,
		log:     logrus.WithField("component", "scheduler"),
	}
}

// RegisterAll registers the reconciliation and metrics refresh tasks.
func (s *Scheduler) RegisterAll(reconcileCron, metricsCron string) error {
	if _, err := s.Cron.AddFunc(reconcileCron, func() { s.reconcileTask() }); err != nil {
		return fmt.Errorf("register reconcile task: %w", err)
	}
	if s.Refresh != nil && metricsCron != "" {
		if _, err := s.Cron.AddFunc(metricsCron, s.Refresh); err != nil {
			return fmt.Errorf("register metrics task: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info("scheduler started")
}

// Stop stops the cron scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunReconcileNow runs the reconciliation task immediately (for RUN_ON_START).
func (s *Scheduler) RunReconcileNow() reconcile.Report {
	return s.reconcileTask()
}

// LastReport returns the most recent scheduled reconciliation, if any.
func (s *Scheduler) LastReport() (reconcile.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return reconcile.Report{}, false
	}
	return *s.last, true
}

func (s *Scheduler) reconcileTask() reconcile.Report {
	rep := s.Auditor.Run()
	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	if !rep.OK {
		s.log.WithField("seq", rep.Seq).Error("reconciliation failed")
	} else {
		s.log.WithField("seq", rep.Seq).Info("reconciliation passed")
	}
	return rep
}

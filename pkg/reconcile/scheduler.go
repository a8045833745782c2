package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/observability"
)

// LockKey identifies the reconciliation leader lock across every instance
// sharing the database. The value is arbitrary but must never change
// between releases.
const LockKey int64 = 987654321

// SweepConfig carries the per-sweep tunables.
type SweepConfig struct {
	PerTenantDelay      time.Duration
	DisbursementTimeout time.Duration
}

// SchedulerConfig controls the periodic sweep.
type SchedulerConfig struct {
	Enabled        bool
	Interval       time.Duration
	InitialDelay   time.Duration
	RunImmediately bool
	Sweep          SweepConfig
}

// Scheduler runs tenant sweeps on a timer. Exactly one instance sweeps at a
// time cluster-wide (advisory lock) and at most one sweep runs per process
// (single-flight guard); a sweep that overruns the interval skips the next
// tick instead of stacking.
type Scheduler struct {
	db     *database.DB
	job    *TenantJob
	locker database.AdvisoryLocker
	cfg    SchedulerConfig

	running atomic.Bool
	stop    chan struct{}
	done    sync.WaitGroup
	once    sync.Once
}

func NewScheduler(db *database.DB, job *TenantJob, locker database.AdvisoryLocker, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{db: db, job: job, locker: locker, cfg: cfg, stop: make(chan struct{})}
}

// Start launches the sweep loop. A disabled scheduler starts nothing.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		slog.Info("reconciliation scheduler disabled")
		return
	}
	s.done.Add(1)
	go s.loop(ctx)
	slog.Info("reconciliation scheduler started",
		"interval", s.cfg.Interval, "initialDelay", s.cfg.InitialDelay)
}

// Stop signals the loop and waits for any in-flight sweep to finish its
// current tenant.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.done.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.done.Done()

	if s.cfg.RunImmediately {
		s.Sweep(ctx)
	} else if s.cfg.InitialDelay > 0 {
		select {
		case <-time.After(s.cfg.InitialDelay):
			s.Sweep(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one full reconciliation pass if no other pass holds the lock.
// Exposed so an operator endpoint can trigger it on demand.
func (s *Scheduler) Sweep(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		slog.Info("reconciliation sweep still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	acquired, err := s.locker.TryAcquire(ctx)
	if err != nil {
		slog.Error("reconciliation lock acquire failed", "error", err)
		return
	}
	if !acquired {
		slog.Info("reconciliation lock held elsewhere, skipping sweep")
		return
	}
	defer func() {
		if err := s.locker.Release(ctx); err != nil {
			slog.Error("reconciliation lock release failed", "error", err)
		}
	}()

	observability.ReconcileRuns.Add(ctx, 1)
	start := time.Now()

	tenants, err := s.job.projection.ListTenantIDs(ctx, s.db)
	if err != nil {
		slog.Error("reconciliation tenant listing failed", "error", err)
		return
	}

	totalRepairs := 0
	for i, tenantID := range tenants {
		select {
		case <-s.stop:
			slog.Info("reconciliation sweep interrupted by shutdown",
				"completedTenants", i, "totalTenants", len(tenants))
			return
		case <-ctx.Done():
			return
		default:
		}

		repairs, err := s.job.Run(ctx, tenantID, s.cfg.Sweep)
		if err != nil {
			// One tenant's failure must not abort the sweep.
			slog.Error("tenant reconciliation failed", "tenant", tenantID, "error", err)
		}
		totalRepairs += repairs

		if s.cfg.Sweep.PerTenantDelay > 0 && i < len(tenants)-1 {
			select {
			case <-time.After(s.cfg.Sweep.PerTenantDelay):
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
	slog.Info("reconciliation sweep complete",
		"tenants", len(tenants), "repairs", totalRepairs,
		"elapsed", time.Since(start))
}

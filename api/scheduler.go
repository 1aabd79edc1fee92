/*
scheduler.go - Automated reconciliation sweep

PURPOSE:
  Periodically recomputes every customer's history sum and compares it to
  the stored balance. Mismatches are logged at error level and counted in
  Prometheus. The sweep is read-only: it never corrects data.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each customer is reconciled in its own ledger operation, so a sweep
    never holds more than one customer lock at a time
  - The last MaxRuns sweeps are kept in memory for the admin endpoint

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(ledger, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GetReconciliation, ListReconciliationRuns
  - ledger/ledger.go: Reconcile
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/ledger"
)

// Reconciler is the part of the ledger the scheduler reads.
type Reconciler interface {
	CustomerIDs(ctx context.Context) ([]ledger.CustomerID, error)
	Reconcile(ctx context.Context, id ledger.CustomerID) (ledger.Reconciliation, error)
}

// Run statuses.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// ReconciliationRun summarizes one sweep.
type ReconciliationRun struct {
	ID          string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
	Checked     int
	Failed      int
	Mismatches  []ledger.Reconciliation
	Error       string
}

// ReconciliationScheduler sweeps all customers on a ticker.
type ReconciliationScheduler struct {
	Ledger        Reconciler
	CheckInterval time.Duration
	Enabled       bool
	MaxRuns       int

	log    logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu sync.RWMutex
	runs   []ReconciliationRun
	seq    int
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(l Reconciler, log logrus.FieldLogger) *ReconciliationScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReconciliationScheduler{
		Ledger:        l,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		MaxRuns:       20,
		log:           log.WithField("component", "reconciler"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.log.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.WithField("interval", rs.CheckInterval).Info("scheduler started")
}

// Stop stops the scheduler and waits for a sweep in progress.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously and records it.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) ReconciliationRun {
	run := ReconciliationRun{
		ID:        rs.nextID(),
		StartedAt: time.Now().UTC(),
	}

	ids, err := rs.Ledger.CustomerIDs(ctx)
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		run.CompletedAt = time.Now().UTC()
		rs.log.WithError(err).Error("listing customers failed")
		reconcileRuns.WithLabelValues(RunFailed).Inc()
		rs.record(run)
		return run
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		rec, err := rs.Ledger.Reconcile(ctx, id)
		if err != nil {
			run.Failed++
			rs.log.WithError(err).WithField("customer_id", id).Warn("reconcile failed")
			continue
		}
		run.Checked++
		if !rec.Balanced() {
			run.Mismatches = append(run.Mismatches, rec)
			reconcileMismatches.Inc()
			rs.log.WithFields(logrus.Fields{
				"customer_id": id,
				"balance":     rec.Balance,
				"history_sum": rec.HistorySum,
				"entries":     rec.Entries,
			}).Error("balance does not match history")
		}
	}

	run.Status = RunCompleted
	if ctx.Err() != nil {
		run.Status = RunFailed
		run.Error = ctx.Err().Error()
	}
	run.CompletedAt = time.Now().UTC()
	reconcileRuns.WithLabelValues(run.Status).Inc()
	rs.record(run)

	rs.log.WithFields(logrus.Fields{
		"checked":    run.Checked,
		"failed":     run.Failed,
		"mismatches": len(run.Mismatches),
	}).Info("reconciliation sweep finished")
	return run
}

// Runs returns the recorded sweeps, newest first.
func (rs *ReconciliationScheduler) Runs() []ReconciliationRun {
	rs.runsMu.RLock()
	defer rs.runsMu.RUnlock()

	out := make([]ReconciliationRun, 0, len(rs.runs))
	for i := len(rs.runs) - 1; i >= 0; i-- {
		out = append(out, rs.runs[i])
	}
	return out
}

func (rs *ReconciliationScheduler) nextID() string {
	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()
	rs.seq++
	return fmt.Sprintf("run-%d", rs.seq)
}

func (rs *ReconciliationScheduler) record(run ReconciliationRun) {
	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()

	rs.runs = append(rs.runs, run)
	if limit := rs.MaxRuns; limit > 0 && len(rs.runs) > limit {
		rs.runs = append([]ReconciliationRun(nil), rs.runs[len(rs.runs)-limit:]...)
	}
}

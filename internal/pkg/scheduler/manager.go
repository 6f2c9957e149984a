package scheduler

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/resumelift/creditengine/internal/pkg/clock"
	"github.com/resumelift/creditengine/internal/pkg/database"
	"github.com/resumelift/creditengine/internal/pkg/entitlement"
	"github.com/resumelift/creditengine/internal/pkg/env"
	"github.com/resumelift/creditengine/internal/pkg/ledger"
	"github.com/resumelift/creditengine/internal/pkg/plans"
	"github.com/resumelift/creditengine/internal/pkg/subscription"
)

const (
	jobMonthlyReset = "monthly_credit_reset"
	jobExpirySweep  = "expiry_sweep"
)

// Report summarizes one job run. Skipped counts users the job visited but
// did not need to touch (e.g. an in-period reset replay).
type Report struct {
	Job       string
	RunID     string
	Processed int
	Succeeded int
	Skipped   int
	Failed    int
}

// Manager drives the recurring jobs: the monthly credit reset and the
// trial/entitlement expiry sweep. Each job holds a run-lock so it never
// overlaps itself; the two jobs may run concurrently with each other and
// with request traffic. Every per-user action is individually fault
// isolated: a failure is logged and counted, never fatal to the batch.
type Manager struct {
	ledger *ledger.Ledger
	subs   *subscription.Machine
	ents   *entitlement.Store
	clk    clock.Clock

	resetInterval time.Duration
	sweepInterval time.Duration

	resetTicker *time.Ticker
	sweepTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool

	resetRunning atomic.Bool
	sweepRunning atomic.Bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the process-wide scheduler (singleton), wired to the
// shared database handle.
func GetManager() *Manager {
	managerOnce.Do(func() {
		db := database.GetDB()
		globalManager = New(
			ledger.NewFromDB(db),
			subscription.NewMachineFromDB(db),
			entitlement.NewStoreFromDB(db),
			clock.System(),
		)
	})
	return globalManager
}

// New creates a scheduler from injected collaborators. Intervals come from
// the environment; defaults keep the reset hourly-cheap since every job is
// idempotent and a missed tick is caught by the next run.
func New(l *ledger.Ledger, subs *subscription.Machine, ents *entitlement.Store, clk clock.Clock) *Manager {
	return &Manager{
		ledger:        l,
		subs:          subs,
		ents:          ents,
		clk:           clk,
		resetInterval: intervalFromEnv("SCHEDULER_RESET_INTERVAL_MINUTES", 360),
		sweepInterval: intervalFromEnv("SCHEDULER_SWEEP_INTERVAL_MINUTES", 60),
		stopCh:        make(chan struct{}),
	}
}

func intervalFromEnv(key string, defMinutes int) time.Duration {
	if v, err := strconv.Atoi(env.GetEnv(key, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Minute
	}
	return time.Duration(defMinutes) * time.Minute
}

// Start launches the background workers. Safe to call more than once.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Scheduler] Starting background jobs")

	m.resetTicker = time.NewTicker(m.resetInterval)
	m.wg.Add(1)
	go m.resetWorker()

	m.sweepTicker = time.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()

	log.Info("[Scheduler] Started successfully")
}

// Stop halts the tickers and drains the in-flight job runs before returning.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Scheduler] Stopping background jobs...")

	if m.resetTicker != nil {
		m.resetTicker.Stop()
	}
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}

	close(m.stopCh)
	m.wg.Wait()
	m.running = false

	log.Info("[Scheduler] Stopped")
}

func (m *Manager) resetWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.resetTicker.C:
			m.RunMonthlyReset(context.Background())
		}
	}
}

func (m *Manager) sweepWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.sweepTicker.C:
			m.RunExpirySweep(context.Background())
		}
	}
}

// RunMonthlyReset applies the tier allotment to every active user whose last
// reset predates the current billing-period anchor. Safe to run any number
// of times per period: the ledger's own guard turns replays into skips.
func (m *Manager) RunMonthlyReset(ctx context.Context) Report {
	report := Report{Job: jobMonthlyReset, RunID: uuid.NewString()}
	if !m.resetRunning.CompareAndSwap(false, true) {
		log.Warnf("[Scheduler] %s already running, skipping run", jobMonthlyReset)
		return report
	}
	defer m.resetRunning.Store(false)

	now := m.clk.Now()
	users, err := m.subs.ListUsersWithAllotment(ctx)
	if err != nil {
		log.Errorf("[Scheduler] %s run=%s listing users failed: %v", jobMonthlyReset, report.RunID, err)
		report.Failed++
		return report
	}

	for i := range users {
		u := &users[i]
		report.Processed++

		allotment := plans.MonthlyAllotment(u.SubscriptionTier)
		if allotment == 0 {
			report.Skipped++
			continue
		}

		outcome, err := m.ledger.ResetMonthly(ctx, u.ID, allotment, periodStart(now, u.SubscriptionStartDate), now)
		if err != nil {
			report.Failed++
			log.Errorf("[Scheduler] %s run=%s user=%d failed: %v", jobMonthlyReset, report.RunID, u.ID, err)
			continue
		}
		if outcome == ledger.ResetSkipped {
			report.Skipped++
			continue
		}
		report.Succeeded++
	}

	log.Infof("[Scheduler] %s run=%s processed=%d succeeded=%d skipped=%d failed=%d",
		jobMonthlyReset, report.RunID, report.Processed, report.Succeeded, report.Skipped, report.Failed)
	return report
}

// RunExpirySweep expires elapsed trials, deactivates stale purchases and
// cancels past_due users whose grace period has run out. Naturally
// idempotent: re-flipping an already-expired row is a no-op.
func (m *Manager) RunExpirySweep(ctx context.Context) Report {
	report := Report{Job: jobExpirySweep, RunID: uuid.NewString()}
	if !m.sweepRunning.CompareAndSwap(false, true) {
		log.Warnf("[Scheduler] %s already running, skipping run", jobExpirySweep)
		return report
	}
	defer m.sweepRunning.Store(false)

	now := m.clk.Now()

	trials, err := m.subs.ListTrialsDue(ctx, now)
	if err != nil {
		log.Errorf("[Scheduler] %s run=%s listing trials failed: %v", jobExpirySweep, report.RunID, err)
		report.Failed++
	}
	for i := range trials {
		report.Processed++
		if _, err := m.subs.ExpireTrial(ctx, trials[i].ID, now); err != nil {
			report.Failed++
			log.Errorf("[Scheduler] %s run=%s expire trial user=%d failed: %v", jobExpirySweep, report.RunID, trials[i].ID, err)
			continue
		}
		report.Succeeded++
	}

	lapsed, err := m.subs.ListPastDueLapsed(ctx, now)
	if err != nil {
		log.Errorf("[Scheduler] %s run=%s listing past_due failed: %v", jobExpirySweep, report.RunID, err)
		report.Failed++
	}
	for i := range lapsed {
		report.Processed++
		if _, err := m.subs.LapsePastDue(ctx, lapsed[i].ID, now); err != nil {
			report.Failed++
			log.Errorf("[Scheduler] %s run=%s lapse user=%d failed: %v", jobExpirySweep, report.RunID, lapsed[i].ID, err)
			continue
		}
		report.Succeeded++
	}

	if _, err := m.ents.ExpireStalePurchases(ctx, now); err != nil {
		report.Failed++
		log.Errorf("[Scheduler] %s run=%s purchase expiry failed: %v", jobExpirySweep, report.RunID, err)
	}

	log.Infof("[Scheduler] %s run=%s processed=%d succeeded=%d failed=%d",
		jobExpirySweep, report.RunID, report.Processed, report.Succeeded, report.Failed)
	return report
}

package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carebridge/funding-engine/ledger"
	"github.com/carebridge/funding-engine/lock"
)

// TickLockKey guards the scheduler tick. With several instances
// sharing a redis locker, only one processes any given tick.
const TickLockKey = "scheduler:tick"

// ===== METRICS =====

// Metrics is the scheduler's observability hook.
type Metrics interface {
	AutomationRunFinished(status ledger.RunStatus)
	SchedulerTicked(at time.Time)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) AutomationRunFinished(ledger.RunStatus) {}
func (NopMetrics) SchedulerTicked(time.Time)              {}

// ===== TICK RESULTS =====

// RunOutcome summarizes one automation's execution within a tick.
type RunOutcome struct {
	AutomationID ledger.AutomationID `json:"automation_id"`
	RunID        ledger.RunID        `json:"run_id"`
	Status       ledger.RunStatus    `json:"status"`
	Summary      string              `json:"summary,omitempty"`
	Error        string              `json:"error,omitempty"`
	NextRunAt    time.Time           `json:"next_run_at"`
}

// TickResult reports what a tick did. Skipped means another instance
// held the tick lock and this one backed off without doing anything.
type TickResult struct {
	Skipped   bool         `json:"skipped"`
	Processed int          `json:"processed"`
	Outcomes  []RunOutcome `json:"outcomes,omitempty"`
}

// ===== SCHEDULER =====

// Scheduler finds due automations and executes them through the
// runner registry. Every execution gets a run record: inserted as
// running before the runner starts, finalized as success or failed
// after, so a crash mid-run leaves visible evidence.
type Scheduler struct {
	store    ledger.Store
	registry *Registry
	locks    lock.Locker
	log      *logrus.Logger
	metrics  Metrics
	clock    func() time.Time
}

func NewScheduler(store ledger.Store, registry *Registry, locks lock.Locker, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		registry: registry,
		locks:    locks,
		log:      log,
		metrics:  NopMetrics{},
		clock:    time.Now,
	}
}

// WithMetrics swaps in a real metrics sink.
func (s *Scheduler) WithMetrics(m Metrics) *Scheduler {
	s.metrics = m
	return s
}

// WithClock fixes the scheduler's notion of now for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Tick processes every automation due at the given time. Ticks are
// serialized through the tick lock; a tick that cannot get the lock
// returns Skipped rather than waiting. A tick with nothing due is a
// cheap no-op. Failures are isolated per automation: each one gets
// its run record and its next run time regardless of its siblings.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	release, ok, err := s.locks.TryAcquire(ctx, TickLockKey)
	if err != nil {
		return TickResult{}, fmt.Errorf("acquire tick lock: %w", err)
	}
	if !ok {
		s.log.WithField("component", "scheduler").Debug("tick already in progress elsewhere, skipping")
		return TickResult{Skipped: true}, nil
	}
	defer release()

	s.metrics.SchedulerTicked(now)

	due, err := s.store.ListDueAutomations(ctx, now)
	if err != nil {
		return TickResult{}, fmt.Errorf("list due automations: %w", err)
	}
	if len(due) == 0 {
		s.log.WithField("component", "scheduler").Debug("no automations due")
		return TickResult{}, nil
	}

	result := TickResult{Outcomes: make([]RunOutcome, 0, len(due))}
	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome := s.runOne(ctx, a, now)
		result.Outcomes = append(result.Outcomes, outcome)
		result.Processed++
		s.metrics.AutomationRunFinished(outcome.Status)
	}

	s.log.WithFields(logrus.Fields{
		"component": "scheduler",
		"processed": result.Processed,
	}).Info("scheduler tick complete")
	return result, nil
}

// runOne executes a single automation and persists its run record
// and rescheduling. It never returns an error: whatever happens is
// captured in the outcome so sibling automations still run.
func (s *Scheduler) runOne(ctx context.Context, a ledger.Automation, now time.Time) RunOutcome {
	runID := ledger.NewRunID()
	run := ledger.AutomationRun{
		ID:           runID,
		AutomationID: a.ID,
		Status:       ledger.RunRunning,
		StartedAt:    now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.log.WithFields(logrus.Fields{
			"component":     "scheduler",
			"automation_id": a.ID,
			"error":         err.Error(),
		}).Error("failed to create run record")
		return RunOutcome{
			AutomationID: a.ID,
			RunID:        runID,
			Status:       ledger.RunFailed,
			Error:        err.Error(),
			NextRunAt:    a.NextRunAt,
		}
	}

	s.log.WithFields(logrus.Fields{
		"component":     "scheduler",
		"automation_id": a.ID,
		"automation":    a.Name,
		"type":          a.Type,
		"run_id":        runID,
	}).Info("automation run started")

	report, runErr := s.execute(ctx, a, runID, now)

	finished := s.clock()
	run.FinishedAt = &finished
	run.Summary = report.Summary
	run.Metrics = report.Metrics
	if runErr != nil {
		run.Status = ledger.RunFailed
		run.Error = runErr.Error()
	} else {
		run.Status = ledger.RunSuccess
	}
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.log.WithFields(logrus.Fields{
			"component": "scheduler",
			"run_id":    runID,
			"error":     err.Error(),
		}).Error("failed to finalize run record")
	}

	// Reschedule in every outcome. A failing automation keeps firing
	// on its cadence instead of wedging at the same next run time.
	a.LastRunAt = &now
	a.LastRunStatus = run.Status
	a.NextRunAt = NextRun(a.Schedule, now)
	a.UpdatedAt = finished
	if err := s.store.UpdateAutomation(ctx, a); err != nil {
		s.log.WithFields(logrus.Fields{
			"component":     "scheduler",
			"automation_id": a.ID,
			"error":         err.Error(),
		}).Error("failed to reschedule automation")
	}

	outcome := RunOutcome{
		AutomationID: a.ID,
		RunID:        runID,
		Status:       run.Status,
		Summary:      run.Summary,
		NextRunAt:    a.NextRunAt,
	}
	if runErr != nil {
		outcome.Error = runErr.Error()
		s.log.WithFields(logrus.Fields{
			"component":     "scheduler",
			"automation_id": a.ID,
			"run_id":        runID,
			"error":         runErr.Error(),
		}).Error("automation run failed")
	} else {
		s.log.WithFields(logrus.Fields{
			"component":     "scheduler",
			"automation_id": a.ID,
			"run_id":        runID,
			"summary":       run.Summary,
		}).Info("automation run succeeded")
	}
	return outcome
}

// execute dispatches to the registered runner, converting a missing
// runner or a panic into an ordinary run failure.
func (s *Scheduler) execute(ctx context.Context, a ledger.Automation, runID ledger.RunID, now time.Time) (report RunReport, err error) {
	runner, ok := s.registry.Get(a.Type)
	if !ok {
		return RunReport{}, fmt.Errorf("%w: no runner registered for type %q", ledger.ErrRunnerFailure, a.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: runner panicked: %v", ledger.ErrRunnerFailure, r)
		}
	}()
	return runner.Run(ctx, RunContext{Automation: a, RunID: runID, Now: now})
}

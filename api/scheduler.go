/*
scheduler.go - Background tick loop for the automation scheduler

PURPOSE:
  Drives automation.Scheduler.Tick on a fixed cadence so drawdowns run
  without an external cron. Deployments that prefer cron set the
  interval to zero and hit POST /api/scheduler/tick instead; the tick
  lock keeps the two from overlapping.

DESIGN:
  - Runs a background goroutine with configurable tick interval
  - Ticks once immediately on start, then on every interval
  - A skipped tick (lock held elsewhere) is logged at debug and
    retried on the next interval

USAGE:
  ticker := NewTicker(scheduler, time.Minute, log)
  ticker.Start()
  // ... later
  ticker.Stop()

SEE ALSO:
  - automation/scheduler.go: What a tick actually does
  - handlers.go: TickScheduler endpoint (external trigger)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carebridge/funding-engine/automation"
)

// tickTimeout bounds one tick's work, including every runner it fires.
const tickTimeout = 5 * time.Minute

// Ticker runs the automation scheduler on an interval.
type Ticker struct {
	Scheduler *automation.Scheduler
	Interval  time.Duration
	Log       *logrus.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewTicker creates a ticker. A non-positive interval disables it.
func NewTicker(scheduler *automation.Scheduler, interval time.Duration, log *logrus.Logger) *Ticker {
	return &Ticker{
		Scheduler: scheduler,
		Interval:  interval,
		Log:       log,
		stop:      make(chan struct{}),
	}
}

// Start begins ticking in the background.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Interval <= 0 {
		t.Log.Info("internal scheduler ticker disabled")
		return
	}

	t.ticker = time.NewTicker(t.Interval)
	t.wg.Add(1)

	go t.run()

	t.Log.WithField("interval", t.Interval.String()).Info("scheduler ticker started")
}

// Stop stops the ticker and waits for an in-flight tick to finish.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker != nil {
		t.ticker.Stop()
		close(t.stop)
		t.wg.Wait()
		t.ticker = nil
		t.Log.Info("scheduler ticker stopped")
	}
}

func (t *Ticker) run() {
	defer t.wg.Done()

	// Tick immediately on start
	t.tick()

	for {
		select {
		case <-t.ticker.C:
			t.tick()
		case <-t.stop:
			return
		}
	}
}

func (t *Ticker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	result, err := t.Scheduler.Tick(ctx, time.Now())
	if err != nil {
		t.Log.WithError(err).Error("scheduler tick failed")
		return
	}
	if result.Skipped {
		t.Log.Debug("scheduler tick skipped, lock held elsewhere")
		return
	}
	if result.Processed > 0 {
		t.Log.WithField("processed", result.Processed).Info("scheduler tick processed automations")
	}
}

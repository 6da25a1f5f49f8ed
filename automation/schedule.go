/*
Package automation runs scheduled background jobs against the funding
ledger. The scheduler wakes on a tick, finds automations whose next
run time has passed, and dispatches each to its registered runner
while recording a run history row for every attempt.

KEY CONCEPTS:

  - Schedule: when an automation fires. Either a fixed interval
    ("every 6h") or a calendar rule ("daily at 02:00", "monthly on
    the 1st at 02:00").
  - Drawdown period: how often an auto-drawdown contract is billed.
    Derived from the contract's drawdown rate, not from the
    automation's schedule; a nightly tick can settle a week's worth
    of missed periods in one pass.

USAGE:

    sched := automation.NewScheduler(store, registry, locks, log)
    result, err := sched.Tick(ctx, time.Now())

SEE ALSO:
  - runner.go for the runner registry
  - drawdown.go for the balance drawdown runner
*/
package automation

import (
	"time"

	"github.com/carebridge/funding-engine/ledger"
)

// ===== CALENDAR HELPERS =====

// day truncates t to midnight UTC. All period bookkeeping is done at
// day granularity so that wall-clock jitter between ticks cannot
// split or duplicate a billing period.
func day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(day(b).Sub(day(a)).Hours() / 24)
}

// ===== DRAWDOWN PERIODS =====

// NextPeriodEnd returns the end of the drawdown period that starts at
// from. Monthly periods follow the calendar, so Jan 31 + one month
// lands on the last day of February rather than a fixed 30 days out.
func NextPeriodEnd(rate ledger.DrawdownRate, from time.Time) time.Time {
	from = day(from)
	switch rate {
	case ledger.DrawdownWeekly:
		return from.AddDate(0, 0, 7)
	case ledger.DrawdownMonthly:
		next := from.AddDate(0, 1, 0)
		if next.Day() != from.Day() {
			// AddDate normalized past the shorter month; snap back
			// to its last day.
			next = time.Date(next.Year(), next.Month(), 0, 0, 0, 0, 0, time.UTC)
		}
		return next
	default:
		return from.AddDate(0, 0, 1)
	}
}

// ElapsedPeriods counts the whole drawdown periods between since and
// now, and returns the end of the last complete one. Partial periods
// are never billed; they roll into the next run.
func ElapsedPeriods(rate ledger.DrawdownRate, since, now time.Time) (int, time.Time) {
	periods := 0
	end := day(since)
	for {
		next := NextPeriodEnd(rate, end)
		if next.After(now) {
			break
		}
		end = next
		periods++
	}
	return periods, end
}

// ===== AUTOMATION SCHEDULES =====

// NextRun computes the first fire time strictly after the given time
// for a schedule. Interval schedules advance from the current run so
// a slow runner does not compress the next gap; calendar schedules
// snap to the next matching wall-clock slot in UTC.
func NextRun(s ledger.Schedule, after time.Time) time.Time {
	after = after.UTC()
	switch s.Kind {
	case ledger.ScheduleDaily:
		next := time.Date(after.Year(), after.Month(), after.Day(), s.AtHour, s.AtMinute, 0, 0, time.UTC)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case ledger.ScheduleMonthly:
		next := monthlySlot(after.Year(), after.Month(), s)
		if !next.After(after) {
			next = monthlySlot(after.Year(), after.Month()+1, s)
		}
		return next
	default:
		return after.Add(s.Every)
	}
}

// monthlySlot places the schedule's day-of-month within the given
// month, clamping to the month's last day when it is shorter.
func monthlySlot(year int, month time.Month, s ledger.Schedule) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	dom := s.DayOfMonth
	if dom > last {
		dom = last
	}
	return time.Date(first.Year(), first.Month(), dom, s.AtHour, s.AtMinute, 0, 0, time.UTC)
}

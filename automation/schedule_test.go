package automation_test

import (
	"testing"
	"time"

	"github.com/carebridge/funding-engine/automation"
	"github.com/carebridge/funding-engine/ledger"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

// =============================================================================
// DAY ARITHMETIC
// =============================================================================

func TestDaysBetween(t *testing.T) {
	cases := []struct {
		name string
		a, b time.Time
		want int
	}{
		{"same day", date(2026, time.March, 10), date(2026, time.March, 10), 0},
		{"one day", date(2026, time.March, 10), date(2026, time.March, 11), 1},
		{"wall clock ignored", at(2026, time.March, 10, 23, 59), at(2026, time.March, 11, 0, 1), 1},
		{"across month end", date(2026, time.January, 30), date(2026, time.February, 2), 3},
		{"reversed is negative", date(2026, time.March, 11), date(2026, time.March, 10), -1},
	}
	for _, tc := range cases {
		if got := automation.DaysBetween(tc.a, tc.b); got != tc.want {
			t.Errorf("%s: DaysBetween = %d, want %d", tc.name, got, tc.want)
		}
	}
}

// =============================================================================
// DRAWDOWN PERIODS
// =============================================================================

func TestNextPeriodEnd_DailyAndWeekly(t *testing.T) {
	from := date(2026, time.March, 10)

	if got := automation.NextPeriodEnd(ledger.DrawdownDaily, from); !got.Equal(date(2026, time.March, 11)) {
		t.Errorf("daily: got %v", got)
	}
	if got := automation.NextPeriodEnd(ledger.DrawdownWeekly, from); !got.Equal(date(2026, time.March, 17)) {
		t.Errorf("weekly: got %v", got)
	}
}

func TestNextPeriodEnd_MonthlyFollowsCalendar(t *testing.T) {
	// GIVEN: Monthly periods starting on days that not every month has
	// WHEN: Advancing one period
	// THEN: Short months clamp to their last day instead of spilling over

	cases := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{"mid month", date(2026, time.March, 15), date(2026, time.April, 15)},
		{"jan 31 clamps to feb 28", date(2026, time.January, 31), date(2026, time.February, 28)},
		{"jan 31 leap year", date(2028, time.January, 31), date(2028, time.February, 29)},
		{"mar 31 clamps to apr 30", date(2026, time.March, 31), date(2026, time.April, 30)},
		{"feb 28 advances plainly", date(2026, time.February, 28), date(2026, time.March, 28)},
	}
	for _, tc := range cases {
		if got := automation.NextPeriodEnd(ledger.DrawdownMonthly, tc.from); !got.Equal(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestElapsedPeriods_PartialPeriodsRollForward(t *testing.T) {
	// GIVEN: A daily cursor ten days back, with the tick mid-afternoon
	// WHEN: Counting elapsed periods
	// THEN: Ten whole days have passed; the partial eleventh is not billed

	since := date(2026, time.March, 1)
	now := at(2026, time.March, 11, 15, 30)

	periods, end := automation.ElapsedPeriods(ledger.DrawdownDaily, since, now)
	if periods != 10 {
		t.Fatalf("periods = %d, want 10", periods)
	}
	if !end.Equal(date(2026, time.March, 11)) {
		t.Fatalf("end = %v, want 2026-03-11", end)
	}
}

func TestElapsedPeriods_NothingDue(t *testing.T) {
	since := date(2026, time.March, 10)
	now := at(2026, time.March, 10, 23, 0)

	periods, end := automation.ElapsedPeriods(ledger.DrawdownDaily, since, now)
	if periods != 0 {
		t.Fatalf("periods = %d, want 0", periods)
	}
	if !end.Equal(since) {
		t.Fatalf("end = %v, want cursor unchanged at %v", end, since)
	}
}

func TestElapsedPeriods_Weekly(t *testing.T) {
	since := date(2026, time.March, 2)
	now := date(2026, time.March, 20) // two full weeks plus four days

	periods, end := automation.ElapsedPeriods(ledger.DrawdownWeekly, since, now)
	if periods != 2 {
		t.Fatalf("periods = %d, want 2", periods)
	}
	if !end.Equal(date(2026, time.March, 16)) {
		t.Fatalf("end = %v, want 2026-03-16", end)
	}
}

func TestElapsedPeriods_MonthlyAcrossShortMonth(t *testing.T) {
	// From Jan 31 the first period ends Feb 28 (clamped), the second
	// Mar 28. A tick on Apr 1 therefore sees two complete periods.
	since := date(2026, time.January, 31)
	now := date(2026, time.April, 1)

	periods, end := automation.ElapsedPeriods(ledger.DrawdownMonthly, since, now)
	if periods != 2 {
		t.Fatalf("periods = %d, want 2", periods)
	}
	if !end.Equal(date(2026, time.March, 28)) {
		t.Fatalf("end = %v, want 2026-03-28", end)
	}
}

// =============================================================================
// AUTOMATION SCHEDULES
// =============================================================================

func TestNextRun_DailySlot(t *testing.T) {
	sched := ledger.Schedule{Kind: ledger.ScheduleDaily, AtHour: 2, AtMinute: 30}

	// Before today's slot: fires today.
	got := automation.NextRun(sched, at(2026, time.March, 10, 1, 0))
	if want := at(2026, time.March, 10, 2, 30); !got.Equal(want) {
		t.Errorf("before slot: got %v, want %v", got, want)
	}

	// Past today's slot: fires tomorrow.
	got = automation.NextRun(sched, at(2026, time.March, 10, 2, 30))
	if want := at(2026, time.March, 11, 2, 30); !got.Equal(want) {
		t.Errorf("at slot: got %v, want %v", got, want)
	}
}

func TestNextRun_MonthlyClampsShortMonths(t *testing.T) {
	sched := ledger.Schedule{Kind: ledger.ScheduleMonthly, DayOfMonth: 31, AtHour: 2}

	// January has a 31st.
	got := automation.NextRun(sched, at(2026, time.January, 10, 0, 0))
	if want := at(2026, time.January, 31, 2, 0); !got.Equal(want) {
		t.Errorf("january: got %v, want %v", got, want)
	}

	// February does not; the slot clamps to the 28th.
	got = automation.NextRun(sched, at(2026, time.February, 1, 0, 0))
	if want := at(2026, time.February, 28, 2, 0); !got.Equal(want) {
		t.Errorf("february: got %v, want %v", got, want)
	}

	// Past this month's slot: rolls to the next month.
	got = automation.NextRun(sched, at(2026, time.January, 31, 3, 0))
	if want := at(2026, time.February, 28, 2, 0); !got.Equal(want) {
		t.Errorf("rollover: got %v, want %v", got, want)
	}
}

func TestNextRun_IntervalAdvancesFromGivenTime(t *testing.T) {
	// A slow run must not compress the following gap: the next fire is
	// interval-from-now, not interval-from-the-scheduled-slot.
	sched := ledger.Schedule{Kind: ledger.ScheduleInterval, Every: 6 * time.Hour}

	got := automation.NextRun(sched, at(2026, time.March, 10, 14, 45))
	if want := at(2026, time.March, 10, 20, 45); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// Package schedule defines when recurring jobs run next: fixed intervals,
// daily and weekly wall-clock times in a chosen location, and cron
// expressions. Schedules can be wrapped with Jitter so a fleet of
// templates does not fire on the same tick.
package schedule

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next run time after a given instant.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// dailySchedule runs at a specific wall-clock time each day.
type dailySchedule struct {
	hour   int
	minute int
	loc    *time.Location
}

// Daily creates a schedule that runs at a specific UTC time each day.
func Daily(hour, minute int) Schedule {
	return DailyAt(hour, minute, time.UTC)
}

// DailyAt creates a schedule that runs at a specific wall-clock time each
// day in the given location, so a nightly run stays at the same local hour
// across DST changes. A nil location means UTC.
func DailyAt(hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return &dailySchedule{hour: hour, minute: minute, loc: loc}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	local := from.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// weeklySchedule runs at a specific day and wall-clock time each week.
type weeklySchedule struct {
	day    time.Weekday
	hour   int
	minute int
	loc    *time.Location
}

// Weekly creates a schedule that runs at a specific day and UTC time each
// week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return WeeklyAt(day, hour, minute, time.UTC)
}

// WeeklyAt is Weekly anchored to a location. A nil location means UTC.
func WeeklyAt(day time.Weekday, hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return &weeklySchedule{day: day, hour: hour, minute: minute, loc: loc}
}

func (s *weeklySchedule) Next(from time.Time) time.Time {
	local := from.In(s.loc)

	daysUntil := int(s.day - local.Weekday())
	if daysUntil < 0 {
		daysUntil += 7
	}

	next := time.Date(local.Year(), local.Month(), local.Day()+daysUntil, s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

// Cron creates a schedule from a standard five-field cron expression.
// Panics on an invalid expression; schedules are registered at startup
// where a bad expression is a programming error.
func Cron(expr string) Schedule {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		panic("invalid cron expression: " + err.Error())
	}
	return &cronSchedule{schedule: schedule}
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// jitterSchedule delays each run of an inner schedule by a random offset.
type jitterSchedule struct {
	inner Schedule
	max   time.Duration
}

// Jitter spreads runs of the inner schedule across a window: each Next is
// pushed later by a random offset in [0, max). Useful when many templates
// share the same nominal time and would otherwise all fire at once.
func Jitter(inner Schedule, max time.Duration) Schedule {
	if max <= 0 {
		return inner
	}
	return &jitterSchedule{inner: inner, max: max}
}

func (s *jitterSchedule) Next(from time.Time) time.Time {
	return s.inner.Next(from).Add(rand.N(s.max))
}

// Package schedule decides when a runner polls next.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is the pause between poll cycles when nothing else is set.
const DefaultInterval = 10 * time.Second

// Schedule returns the next activation time after the given time.
type Schedule = cron.Schedule

// Cron expressions may carry an optional leading seconds field, and
// descriptors such as @hourly or @every 30s are accepted.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Fixed waits a constant interval after each cycle. Unlike cron.Every it
// keeps sub-second precision.
type Fixed time.Duration

// Next implements Schedule.
func (f Fixed) Next(t time.Time) time.Time {
	return t.Add(time.Duration(f))
}

// Parse accepts a Go duration ("10s"), a daily "HH:MM" time, a run_every
// shorthand ("6h", "30m") or a cron expression.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Fixed(DefaultInterval), nil
	}

	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("poll interval must be positive, got %s", expr)
		}
		return Fixed(d), nil
	}

	s, err := parser.Parse(convertSimpleToCron(expr))
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", expr, err)
	}
	return s, nil
}

// Resolve picks the first non-empty of a recipe's own schedule, the global
// schedule and the global poll interval.
func Resolve(recipeSchedule, globalSchedule, pollInterval string) (Schedule, error) {
	for _, expr := range []string{recipeSchedule, globalSchedule} {
		if strings.TrimSpace(expr) != "" {
			return Parse(expr)
		}
	}
	return Parse(pollInterval)
}

// Delay returns how long to wait from now until the next activation.
func Delay(s Schedule, now time.Time) time.Duration {
	d := s.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// convertSimpleToCron turns "HH:MM" into a daily cron expression. Other
// input is returned unchanged.
func convertSimpleToCron(expr string) string {
	if len(expr) == 5 && expr[2] == ':' {
		hour := expr[0:2]
		min := expr[3:5]
		return "0 " + min + " " + hour + " * * *"
	}
	return expr
}

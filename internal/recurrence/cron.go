// Package recurrence handles recurring tasks: cron expression parsing and
// the background scheduler that spawns the next occurrence of a completed
// recurring task.
package recurrence

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Standard 5-field cron: minute hour dom month dow.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Parse validates a 5-field cron expression.
func Parse(expr string) (cronlib.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Valid reports whether expr is a well-formed 5-field cron expression.
func Valid(expr string) bool {
	_, err := cronParser.Parse(expr)
	return err == nil
}

// NextTime returns the first activation of expr strictly after the given
// time, in UTC.
func NextTime(expr string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.UTC()), nil
}

// Package cron parses the 5-field UTC cron expressions used by time
// triggers. Firing itself (dequeue due triggers, claim the idempotency key,
// create the root task) is owned by the supervisor's scan tick; this
// package only answers "what's the next run time" and "what bucket does
// this instant fall in for idempotency purposes".
package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// NextRunTime parses a standard 5-field cron expression (minute hour
// dom month dow, UTC, with the usual dom/dow disjunction rule when both
// are restricted) and returns the next time strictly after `after` that
// it matches.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(after.UTC()), nil
}

// IsoMinute formats t at minute granularity in UTC, matching the
// `cron:<trigger-id>:<iso-minute>` idempotency key format required for
// time-trigger firing.
func IsoMinute(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04")
}

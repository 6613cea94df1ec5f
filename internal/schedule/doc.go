// Package schedule turns human-readable run schedules into triggers.
//
// It interprets RunAt/RunOnDays strings, builds exclusion calendars from
// calendar documents and compiles triggers into robfig/cron schedules that
// the scheduler registers.
package schedule

// Package scheduler fires job triggers and runs job executions.
//
// Triggers are robfig/cron schedules compiled by package schedule. A cron
// fire (or a manual TriggerJob) creates an Execution which is queued to a
// small worker pool; the configured Runner performs the attempt. A
// retryable error refires the same Execution with exponential backoff.
//
// A job never runs concurrently with itself: a fire that arrives while the
// job is executing is vetoed and reported as job.skipped.
package scheduler

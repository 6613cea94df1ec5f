// Package storage keeps the run history of jobs.
//
// Every finished attempt is appended as a RunRecord; the admin API reads
// the most recent runs of a job back. Two drivers exist:
//   - file: JSON Lines journal, trimmed to a fixed number of runs per job
//   - sqlite: a single database file (modernc.org/sqlite, no cgo)
package storage

// Package schedule provides scheduling implementations for recurring work.
//
// This package includes:
//   - Schedule interface for defining recurrence
//   - Every() for fixed-interval schedules
//   - Daily() for daily schedules at a specific time
//   - Weekly() for weekly schedules on a specific day and time
//   - Cron() for cron expression-based schedules
//
// The recovery sweeper consumes a Schedule for its rescan interval. Most
// users should import the root package github.com/docflow-io/docflow which
// re-exports these functions.
package schedule

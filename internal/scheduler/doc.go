// Package scheduler runs the racecard job schedule. It keeps a min-heap of
// triggers sorted by fire time and a single loop goroutine that sleeps until
// the earliest one, with a 60-second max-sleep-cap to absorb NTP steps, DST
// transitions and system suspend.
//
// Triggers are either recurring (a 5-field cron expression evaluated in the
// scheduler's zone) or one-off (fire once, then removed). At most one trigger
// exists per id; registering an existing id replaces it. Every change is
// written to a TriggerStore before the heap changes, so the schedule survives
// restarts. Triggers reference actions by name; actions are bound with
// Register before Start.
package scheduler

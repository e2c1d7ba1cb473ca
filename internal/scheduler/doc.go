// Package scheduler drives persisted job schedules.
//
// One loop polls the store on a fixed tick, gates every due job through the
// execution tracker (duplicate runs become skips, not double executions),
// dispatches winners to a bounded worker pool and persists the outcome.
// The loop never runs job bodies on its own goroutine and keeps ticking
// through job failures and transient store outages.
package scheduler

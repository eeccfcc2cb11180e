// Package cron provides distributed cron scheduling with per-tenant
// support.
//
// Cron entries are stored in the database. Every worker in the fleet runs
// the same tick loop; a per-entry lock in the cron store (LockedBy /
// LockedUntil) guarantees at-most-once firing even when multiple Dispatch
// instances are running.
//
// # Entry
//
// An [Entry] represents a recurring job schedule:
//   - Schedule: standard cron expression (e.g., "0 9 * * 1-5")
//   - JobName: the registered job definition to enqueue when fired
//   - Queue: target queue (defaults to "default")
//   - Payload: static JSON payload passed to every triggered job
//   - ScopeAppID / ScopeOrgID: tenant scoping
//   - Enabled: whether the entry fires
//   - LockedBy / LockedUntil: distributed lock fields (managed internally)
//
// # Registering a Cron
//
// Use engine.RegisterCron to add a cron entry at startup:
//
//	engine.RegisterCron(ctx, eng, &cron.Definition[ReportInput]{
//	    Name:     "daily-report",
//	    Schedule: "0 9 * * *",
//	    JobName:  "generate-report",
//	    Payload:  ReportInput{Format: "pdf"},
//	})
//
// # Enable / Disable
//
// Cron entries can be enabled or disabled at runtime by setting the
// entry's Enabled field and saving it with [Store.UpdateCronEntry]; the
// scheduler skips disabled entries.
//
// # Scheduler
//
// The [Scheduler] evaluates due entries on every tick, acquires a distributed
// lock on each entry, enqueues the corresponding job, and updates LastRunAt
// and NextRunAt. The [ext.CronFired] extension hook fires after each enqueue.
package cron

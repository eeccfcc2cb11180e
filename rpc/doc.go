// Package rpc turns the engine's one-way job queue into an optional
// two-way call: Facade exposes the user-facing enqueue/schedule/cron
// operations, and the bridge job definition registered by
// RegisterBridge runs on a worker, retries the handler under a bounded
// budget, and delivers the terminal outcome to a coordinator.Coordinator
// so a waiting caller can observe it.
package rpc

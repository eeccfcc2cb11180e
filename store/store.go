// Package store defines the aggregate persistence interface. Each subsystem
// (job, cron, dlq, event) defines its own store interface. The composite
// Store composes them all. Backends: Redis and Memory.
package store

import (
	"context"

	"github.com/xraph/taskbridge/cron"
	"github.com/xraph/taskbridge/dlq"
	"github.com/xraph/taskbridge/event"
	"github.com/xraph/taskbridge/job"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface — same pattern as ControlPlane.
// A single backend (redis, memory) implements all of them.
type Store interface {
	job.Store
	cron.Store
	dlq.Store
	event.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

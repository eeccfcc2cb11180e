// Package store defines the aggregate persistence interface.
//
// Each subsystem (job, cron, dlq, event) defines its own store interface.
// The composite [Store] composes them all. A single backend need only
// implement Store to satisfy every subsystem's persistence contract.
//
// The composite interface:
//
//	type Store interface {
//	    job.Store
//	    cron.Store
//	    dlq.Store
//	    event.Store
//
//	    Migrate(ctx context.Context) error
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// # Available Backends
//
//   - store/memory — in-memory store for development and testing
//   - store/redis — Redis backend for distributed deployments
//
// # Usage
//
//	import "github.com/xraph/taskbridge/store/redis"
//
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	d, err := dispatch.New(dispatch.WithStore(s))
//
// # Migrations
//
// Redis is schemaless, so Migrate is a no-op — kept for interface parity
// with backends that do require one.
package store

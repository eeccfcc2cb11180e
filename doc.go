// Package dispatch provides a composable, extensible background job engine
// for Go. It offers library-first job registration, cron scheduling, a
// dead-letter queue, and lifecycle hooks.
//
// Dispatch is designed as a library, not a service. Import it, configure a
// store, and register jobs as ordinary Go functions.
//
// # Quick Start
//
//	d, err := dispatch.New(
//	    dispatch.WithStore(redisStore),
//	    dispatch.WithConcurrency(20),
//	)
//
// # Architecture
//
// Dispatch follows a composable store pattern where each subsystem (job,
// cron, dlq, event) defines its own store interface. A single backend
// implements all of them.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package dispatch

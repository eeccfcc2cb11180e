// Package redis implements store.Store using Redis for high-throughput
// ephemeral workloads. Jobs use Sorted Sets as priority queues, events use
// Streams, and all entities are stored as Redis Hashes.
//
// The caller owns the redis.Cmdable lifecycle -- the store never closes it.
//
//	import (
//	    "github.com/redis/go-redis/v9"
//	    redisstore "github.com/xraph/taskbridge/store/redis"
//	)
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := redisstore.New(client)
//	if err := store.Ping(ctx); err != nil { ... }
package redis

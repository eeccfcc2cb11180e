package dispatch

import "time"

// Entity is the embedded base for all persisted Dispatch records. It
// carries the bookkeeping timestamps common to jobs, cron entries, and
// every other entity that flows through a Store.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current UTC time for both
// CreatedAt and UpdatedAt.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

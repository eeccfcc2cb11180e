package coordinator

import (
	"time"

	"github.com/xraph/taskbridge/id"
)

// TaskOutcome summarizes one rpc invocation's terminal state for the
// benefit of extensions (metrics, audit, webhooks) that want to observe
// completions without depending on the rpc package.
type TaskOutcome struct {
	TaskID      id.TaskID
	DisplayName string
	HandlerName string
	Status      Status
	ErrorKind   ErrorKind // zero value unless Status == StatusFailed
	Message     string    // populated only on failure
	Attempts    int
	Elapsed     time.Duration
}

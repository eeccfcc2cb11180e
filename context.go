package dispatch

import "context"

// Context is the execution context for Dispatch handlers, a simple alias
// for context.Context. Scope is injected via forge.WithScope on the
// stdlib context.
type Context = context.Context

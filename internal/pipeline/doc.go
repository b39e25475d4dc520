// Package pipeline owns the runtime state of admitted execution plans: the
// keyed store polled by clients, the dispatch queue that decouples the HTTP
// request path from execution, and the processor that walks plan steps
// against remote agent endpoints.
package pipeline

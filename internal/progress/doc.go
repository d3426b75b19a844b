// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the orchestrator uses to report job and channel progress. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as logs, Prometheus metrics, persistent storage or live streams.
package progress

// Package sinks implements concrete progress consumers: structured logging,
// Prometheus, repository-backed storage, Pub/Sub and Redis streams. Each sink
// satisfies the progress.Sink interface and is safe for repeated Consume/Close
// cycles.
package sinks

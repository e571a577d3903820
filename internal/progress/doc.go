// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that rewrite contexts use to report their lifecycle. It batches
// events on a background goroutine and fans them out to pluggable sinks such
// as Prometheus metrics, a Pub/Sub topic, or persistent storage.
package progress

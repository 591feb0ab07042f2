// Package metrics exposes the service's Prometheus collectors and small
// recording helpers used by the scheduler, sessions, engine and HTTP layer.
package metrics

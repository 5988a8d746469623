// Package metrics defines Prometheus instrumentation for pgfleet.
//
// Each concern (pool, routing, topology) gets its own metrics struct with
// a promauto constructor for production use and a ...WithRegistry variant
// for tests, so tests never collide on the default registry.
package metrics

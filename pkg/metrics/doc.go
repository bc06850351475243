// Package metrics exposes Prometheus instrumentation for the satellite:
// channel connect and disconnect counters, job launch and completion
// outcomes, telemetry pass durations, and an optional promhttp listener.
package metrics

// Package log provides structured logging for the satellite.
//
// It wraps zerolog with a small global-logger API. Components (comm, job,
// monitor, maint) obtain child loggers via WithComponent so every line
// carries a component field, matching the conductor's log ingestion format.
package log

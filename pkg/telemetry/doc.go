// Package telemetry gathers host and process metrics and reports them to
// the conductor over the control channel. Two passes run on different
// cadences: a lightweight quickmon pass every second (memory, cpu, disk
// and network counters) and a full monitor pass every minute (everything,
// including mounts, interfaces, connections, the process table and custom
// monitor command output). Both passes jitter their send time by a stable
// per-host offset so a large fleet doesn't stampede the conductor.
package telemetry

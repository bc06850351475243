// Package agent assembles the satellite: the control channel, the job
// supervisor, telemetry and maintenance, wired together behind the
// channel's delegate interface and driven by the tick loops.
package agent

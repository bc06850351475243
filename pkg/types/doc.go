// Package types defines the core data structures shared across the
// satellite: the control channel message envelope, the Job record and its
// lifecycle states, per-process resource samples, connection records, file
// descriptors, and the plugin/command catalog pushed by the conductor.
package types

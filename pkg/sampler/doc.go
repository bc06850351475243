// Package sampler provides point-in-time readers of host state: CPU, memory,
// disk and network counters, the full process table, open network
// connections, and virtualization detection.
//
// Samplers are pure data sources with no protocol awareness. Each parser of
// raw OS command or /proc output is a standalone function from text to a
// typed sample, so platform quirks stay testable in isolation. Read errors
// degrade to zero values; they are never fatal to callers.
package sampler

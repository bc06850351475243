// Package maint covers the housekeeping side of the satellite: daily log
// archival, self-upgrade and uninstall orchestration, and surfacing the
// log files a background upgrade or crash handler leaves behind.
package maint

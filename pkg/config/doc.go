// Package config implements the satellite's persisted configuration.
//
// The config file is plain JSON. Beyond local settings (hosts, secret key,
// temp/log dirs) the conductor pushes arbitrary key updates over the control
// channel (key rotation, host list changes); Update merges them into the
// live store and writes the file back pretty-printed with 0600 permissions.
// The one-time `initial` bootstrap key is stripped on first save.
package config

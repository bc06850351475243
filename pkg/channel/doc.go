// Package channel maintains the persistent control connection to the
// conductor. It owns connect, authenticate, heartbeat liveness, exponential
// reconnect backoff and redirect handling, and hands application commands
// to a Delegate.
package channel

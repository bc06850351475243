// Package supervisor launches and supervises conductor-dispatched jobs as
// child processes: environment construction, the line-oriented child
// protocol, resource accounting over the job's process tree, output file
// upload and the abort/kill escalation path.
package supervisor

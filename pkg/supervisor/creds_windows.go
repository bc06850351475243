//go:build windows

package supervisor

import "os/exec"

// RunAs is a no-op on windows; children run as the service account
type RunAs struct{}

func (r *RunAs) Apply(cmd *exec.Cmd) {}

func ResolveRunAs(uidSpec, gidSpec string, env map[string]string) (*RunAs, error) {
	return &RunAs{}, nil
}

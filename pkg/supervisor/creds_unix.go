//go:build !windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// RunAs carries a resolved run-as credential for a child process
type RunAs struct {
	cred *syscall.Credential
}

// Apply sets the credential on a command, when a privilege change is needed
func (r *RunAs) Apply(cmd *exec.Cmd) {
	if r.cred == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = r.cred
}

// ResolveRunAs looks up the run-as user and group (by name or numeric id)
// and fills in USER/HOME env vars. A missing user or group is an error.
func ResolveRunAs(uidSpec, gidSpec string, env map[string]string) (*RunAs, error) {
	var u *user.User
	var err error

	if uidSpec == "" {
		u, err = user.Current()
		if err != nil {
			// can't resolve ourselves; run as-is
			return &RunAs{}, nil
		}
	} else {
		if _, numErr := strconv.Atoi(uidSpec); numErr == nil {
			u, err = user.LookupId(uidSpec)
		} else {
			u, err = user.Lookup(uidSpec)
		}
		if err != nil {
			return nil, fmt.Errorf("User does not exist: %s", uidSpec)
		}
	}

	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	env["USER"] = u.Username
	env["USERNAME"] = u.Username
	env["HOME"] = u.HomeDir

	if gidSpec != "" {
		var g *user.Group
		if _, numErr := strconv.Atoi(gidSpec); numErr == nil {
			g, err = user.LookupGroupId(gidSpec)
		} else {
			g, err = user.LookupGroup(gidSpec)
		}
		if err != nil {
			return nil, fmt.Errorf("Group does not exist: %s", gidSpec)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}

	if uid == os.Getuid() && gid == os.Getgid() {
		// no privilege change needed
		return &RunAs{}, nil
	}
	return &RunAs{cred: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}}, nil
}

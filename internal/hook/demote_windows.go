//go:build windows

package hook

import "os/exec"

// Demotion is a no-op on platforms without POSIX credential semantics.
type Demotion struct {
	targetUser string
}

func NewDemotion(username string, log Logger) *Demotion {
	if username != "" {
		log.Warnf("demotion to user %q is not supported on this platform; running as current user", username)
	}
	return &Demotion{targetUser: username}
}

func (d *Demotion) Apply(cmd *exec.Cmd) {}

//go:build !windows

package hook

import (
	"bytes"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
)

// Demotion resolves a configured username to a uid/gid pair and verifies,
// at construction, that subprocesses actually run as that user. If
// verification fails, it falls back to the current process's uid/gid and
// never raises — the caller has already logged a warning by the time
// NewDemotion returns.
type Demotion struct {
	uid, gid   uint32
	verified   bool
	targetUser string
}

// NewDemotion probes whether username can actually be assumed by spawning
// `whoami` under the candidate credential and comparing its output against
// the requested username.
func NewDemotion(username string, log Logger) *Demotion {
	d := &Demotion{targetUser: username}
	d.uid = uint32(syscall.Getuid())
	d.gid = uint32(syscall.Getgid())

	if username == "" {
		return d
	}

	u, err := user.Lookup(username)
	if err != nil {
		log.Warnf("demotion to user %q failed: %s; running as current user instead", username, err)
		return d
	}
	uid, errUID := strconv.Atoi(u.Uid)
	gid, errGID := strconv.Atoi(u.Gid)
	if errUID != nil || errGID != nil {
		log.Warnf("demotion to user %q failed: malformed uid/gid; running as current user instead", username)
		return d
	}

	probeUID, probeGID := uint32(uid), uint32(gid)
	cmd := exec.Command("whoami")
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: &syscall.Credential{Uid: probeUID, Gid: probeGID}}
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		log.Warnf("demotion to user %q failed probe: %s; running as current user instead", username, err)
		return d
	}
	if strings.TrimSpace(out.String()) != username {
		log.Warnf("demotion to user %q did not verify (probe returned %q); running as current user instead",
			username, strings.TrimSpace(out.String()))
		return d
	}

	d.uid, d.gid, d.verified = probeUID, probeGID, true
	return d
}

// Apply overlays the resolved credential onto cmd. A no-op when demotion
// was never configured or never verified: the subprocess then runs as the
// current process's own user.
func (d *Demotion) Apply(cmd *exec.Cmd) {
	if d == nil || !d.verified {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: &syscall.Credential{Uid: d.uid, Gid: d.gid}}
}

// Package hook supervises the operator-configured subprocess commands
// ("hooks") fired on job lifecycle transitions: list_failed,
// list_successful, mount_failed, mount_successful, umount_failed,
// umount_successful, run_failed, run_successful, give_up.
package hook

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Logger is the narrow leveled-sink interface the hook runner depends on.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Runner executes one named hook command for one owning job.
type Runner struct {
	Name    string
	Argv    []string
	Timeout time.Duration

	log    Logger
	wg     sync.WaitGroup
	demote *Demotion
}

// NewRunner builds a Runner from a pre-tokenized argv. A nil or empty argv
// makes Trigger/TriggerWait a no-op, matching the reference behavior where
// an unconfigured hook simply does nothing.
func NewRunner(name string, argv []string, timeout time.Duration, log Logger, demote *Demotion) *Runner {
	return &Runner{Name: name, Argv: argv, Timeout: timeout, log: log, demote: demote}
}

// Trigger spawns a background worker that runs the command and returns
// immediately. Safe to call concurrently; each call runs independently.
func (r *Runner) Trigger(env map[string]string) {
	if len(r.Argv) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(context.Background(), env)
	}()
}

// TriggerWait runs the command and blocks until it completes or its
// timeout elapses.
func (r *Runner) TriggerWait(env map[string]string) {
	if len(r.Argv) == 0 {
		return
	}
	r.run(context.Background(), env)
}

// Wait blocks until all Trigger-ed (fire-and-forget) invocations of this
// Runner have completed. Intended for tests and graceful shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(parent context.Context, extra map[string]string) {
	ctx := parent
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...)
	cmd.Env = buildEnv(r.Name, extra)
	if r.demote != nil {
		r.demote.Apply(cmd)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		r.log.Errorf("%s", wrapSpawn(err))
		return
	}

	err := cmd.Wait()
	combined := stdout.String() + stderr.String()
	switch {
	case err == nil:
		r.log.Infof("hook %q succeeded", r.Name)
		logLines(r.log.Infof, combined)
	case ctx.Err() == context.DeadlineExceeded:
		r.log.Errorf("hook %q timed out after %s, killed", r.Name, r.Timeout)
	default:
		r.log.Errorf("hook %q failed: %s", r.Name, err)
		logLines(r.log.Errorf, combined)
	}
}

func logLines(sink func(string, ...any), text string) {
	if text == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if line != "" {
			sink("[HOOK] %s", line)
		}
	}
}

// buildEnv overlays BSRV_HOOK_NAME and the caller-provided map onto the
// inherited process environment.
func buildEnv(name string, extra map[string]string) []string {
	env := os.Environ()
	env = append(env, "BSRV_HOOK_NAME="+name)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// wrapSpawn annotates an os/exec spawn failure so callers can log it without
// the process ever crashing.
func wrapSpawn(err error) error {
	return errors.Wrap(err, "hook: spawn failed")
}

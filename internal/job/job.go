// Package job models one configured backup job: the borg repository it
// targets, the schedule it runs on, and the subprocess sequences
// (create/prune/list/mount/umount) used to drive borg itself.
package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alxg/bsrvd/internal/hook"
	"github.com/alxg/bsrvd/internal/schedule"
)

// Hooks bundles the lifecycle hook runners a job may fire. Any entry may be
// nil, in which case firing it is a no-op.
type Hooks struct {
	RunSuccessful    *hook.Runner
	RunFailed        *hook.Runner
	ListSuccessful   *hook.Runner
	ListFailed       *hook.Runner
	MountSuccessful  *hook.Runner
	MountFailed      *hook.Runner
	UmountSuccessful *hook.Runner
	UmountFailed     *hook.Runner
	GiveUp           *hook.Runner
}

func (h Hooks) Fire(r *hook.Runner, env map[string]string) {
	if r != nil {
		r.Trigger(env)
	}
}

// successEnv builds the env passed to a "*_successful" hook.
func successEnv(jobName string) map[string]string {
	return map[string]string{"BSRV_JOB": jobName}
}

// failedEnv builds the env passed to a "*_failed" hook: the job name plus
// the captured subprocess output (or, absent a subprocess, the Go error
// text) with embedded newlines encoded as the literal two characters \n.
func failedEnv(jobName, output string) map[string]string {
	return map[string]string{
		"BSRV_JOB":   jobName,
		"BSRV_ERROR": strings.ReplaceAll(output, "\n", `\n`),
	}
}

// Config is the static, operator-supplied description of a job. It never
// changes after the job is registered; only Job's mutable retry state does.
type Config struct {
	Name                string
	Repo                string
	Passphrase          string
	RSH                 string
	ArchiveNameTemplate string
	BaseDir             string
	MountDir            string
	CreatePaths         []string
	CreateArgs          []string
	PruneArgs           []string
	Schedule            schedule.Schedule
	RetryDelay          time.Duration
	RetryMax            int
	Timeout             time.Duration
}

// Job is a single backup target. Its retry/give-up state is owned
// exclusively by the scheduler goroutine driving it; Job itself performs
// no internal locking.
type Job struct {
	ID     uuid.UUID
	Config Config
	Hooks  Hooks

	RetryCount int // -1 means given up; see scheduler's retry FSM.
}

// New constructs a Job whose identifier is derived from its name, so the
// same configured job keeps the same ID (and its cache entries) across
// daemon restarts.
func New(cfg Config, hooks Hooks) *Job {
	return &Job{ID: uuid.NewSHA1(uuid.NameSpaceURL, []byte("bsrvd:job:"+cfg.Name)), Config: cfg, Hooks: hooks}
}

// Archive describes one entry from `borg list --json`.
type Archive struct {
	Name  string    `json:"name"`
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
}

type archiveListResult struct {
	Archives []Archive `json:"archives"`
}

// CacheStats mirrors the "cache.stats" object from `borg info --json`: the
// repository's size on disk before and after compression/deduplication.
type CacheStats struct {
	TotalSize         int64 `json:"total_size"`
	TotalCSize        int64 `json:"total_csize"`
	UniqueCSize       int64 `json:"unique_csize"`
	TotalChunks       int64 `json:"total_chunks"`
	TotalUniqueChunks int64 `json:"total_unique_chunks"`
}

type repoInfoResult struct {
	Cache struct {
		Stats CacheStats `json:"stats"`
	} `json:"cache"`
}

// defaultArchiveLayout is used when a job does not configure its own
// timestamp layout: the Go reference-time equivalent of the reference
// tool's "%Y-%m-%d_%H-%M-%S" strftime default.
const defaultArchiveLayout = "2006-01-02_15-04-05"

// archiveName renders t through the job's configured timestamp layout (a
// Go reference-time layout, not a strftime format) and prefixes it with the
// repository and "::" the way borg expects an archive locator.
func (j *Job) archiveName(t time.Time) string {
	layout := j.Config.ArchiveNameTemplate
	if layout == "" {
		layout = defaultArchiveLayout
	}
	return fmt.Sprintf("%s::%s", j.Config.Repo, t.Format(layout))
}

func (j *Job) env() []string {
	env := os.Environ()
	env = append(env, "BORG_REPO="+j.Config.Repo)
	if j.Config.RSH != "" {
		env = append(env, "BORG_RSH="+j.Config.RSH)
	}
	if j.Config.Passphrase != "" {
		env = append(env, "BORG_PASSPHRASE="+j.Config.Passphrase)
	}
	if j.Config.BaseDir != "" {
		env = append(env, "BORG_BASE_DIR="+j.Config.BaseDir)
	}
	return env
}

func (j *Job) run(ctx context.Context, argv ...string) (stdout, stderr string, err error) {
	if j.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Config.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "borg", argv...)
	cmd.Env = j.env()
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	return outBuf.String(), errBuf.String(), runErr
}

// Run executes the create-then-prune sequence for this job. Prune is
// skipped entirely when create fails, matching borg's own recommended
// failure handling (a partial archive should not influence retention).
func (j *Job) Run(ctx context.Context) error {
	archive := j.archiveName(time.Now())

	createArgv := append([]string{"create"}, j.Config.CreateArgs...)
	createArgv = append(createArgv, archive)
	createArgv = append(createArgv, j.Config.CreatePaths...)

	_, stderr, err := j.run(ctx, createArgv...)
	if err != nil {
		j.Hooks.Fire(j.Hooks.RunFailed, failedEnv(j.Config.Name, stderr))
		return errors.Wrapf(err, "job %s: borg create failed: %s", j.Config.Name, stderr)
	}

	pruneArgv := append([]string{"prune"}, j.Config.PruneArgs...)
	pruneArgv = append(pruneArgv, j.Config.Repo)
	if _, stderr, err := j.run(ctx, pruneArgv...); err != nil {
		j.Hooks.Fire(j.Hooks.RunFailed, failedEnv(j.Config.Name, stderr))
		return errors.Wrapf(err, "job %s: borg prune failed: %s", j.Config.Name, stderr)
	}

	j.Hooks.Fire(j.Hooks.RunSuccessful, successEnv(j.Config.Name))
	return nil
}

// ListArchives runs `borg list --json` against the repository and parses
// the result.
func (j *Job) ListArchives(ctx context.Context) ([]Archive, error) {
	stdout, stderr, err := j.run(ctx, "list", "--json", j.Config.Repo)
	if err != nil {
		j.Hooks.Fire(j.Hooks.ListFailed, failedEnv(j.Config.Name, stderr))
		return nil, errors.Wrapf(err, "job %s: borg list failed: %s", j.Config.Name, stderr)
	}
	var parsed archiveListResult
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		j.Hooks.Fire(j.Hooks.ListFailed, failedEnv(j.Config.Name, stdout))
		return nil, errors.Wrapf(err, "job %s: borg list produced unparsable output", j.Config.Name)
	}
	j.Hooks.Fire(j.Hooks.ListSuccessful, successEnv(j.Config.Name))
	return parsed.Archives, nil
}

// Info runs `borg info --json` against the repository and returns its
// cache size/dedup statistics. No lifecycle hook fires around this call:
// it is a read-only status query, not one of the job's own run/list/mount
// operations.
func (j *Job) Info(ctx context.Context) (CacheStats, error) {
	stdout, stderr, err := j.run(ctx, "info", "--json", j.Config.Repo)
	if err != nil {
		return CacheStats{}, errors.Wrapf(err, "job %s: borg info failed: %s", j.Config.Name, stderr)
	}
	var parsed repoInfoResult
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		return CacheStats{}, errors.Wrapf(err, "job %s: borg info produced unparsable output", j.Config.Name)
	}
	return parsed.Cache.Stats, nil
}

// Mount mounts the repository (or a single archive, if archiveName is
// non-empty) at the job's configured mount directory.
func (j *Job) Mount(ctx context.Context, archiveName string) error {
	target := j.Config.MountDir
	if target == "" {
		return errors.Errorf("job %s: no mount_dir configured", j.Config.Name)
	}
	if err := os.MkdirAll(target, 0o700); err != nil {
		j.Hooks.Fire(j.Hooks.MountFailed, failedEnv(j.Config.Name, err.Error()))
		return errors.Wrapf(err, "job %s: mkdir mount dir", j.Config.Name)
	}

	source := j.Config.Repo
	if archiveName != "" {
		source = fmt.Sprintf("%s::%s", j.Config.Repo, archiveName)
	}
	if _, stderr, err := j.run(ctx, "mount", source, target); err != nil {
		j.Hooks.Fire(j.Hooks.MountFailed, failedEnv(j.Config.Name, stderr))
		return errors.Wrapf(err, "job %s: borg mount failed: %s", j.Config.Name, stderr)
	}
	j.Hooks.Fire(j.Hooks.MountSuccessful, successEnv(j.Config.Name))
	return nil
}

// Umount unmounts the job's mount directory.
func (j *Job) Umount(ctx context.Context) error {
	target := j.Config.MountDir
	if target == "" {
		return errors.Errorf("job %s: no mount_dir configured", j.Config.Name)
	}
	if _, stderr, err := j.run(ctx, "umount", target); err != nil {
		j.Hooks.Fire(j.Hooks.UmountFailed, failedEnv(j.Config.Name, stderr))
		return errors.Wrapf(err, "job %s: borg umount failed: %s", j.Config.Name, stderr)
	}
	j.Hooks.Fire(j.Hooks.UmountSuccessful, successEnv(j.Config.Name))
	return nil
}

// MountPath reports the absolute mount directory path, for status display.
func (j *Job) MountPath() string {
	if j.Config.MountDir == "" {
		return ""
	}
	abs, err := filepath.Abs(j.Config.MountDir)
	if err != nil {
		return j.Config.MountDir
	}
	return abs
}

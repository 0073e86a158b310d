package job

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alxg/bsrvd/internal/hook"
)

type nullHookLogger struct{}

func (nullHookLogger) Infof(string, ...any)  {}
func (nullHookLogger) Warnf(string, ...any)  {}
func (nullHookLogger) Errorf(string, ...any) {}

// markerRunner builds a *hook.Runner that appends name to a shared marker
// file when fired, so a test can assert which of a job's lifecycle hooks
// ran without otherwise instrumenting the job itself.
func markerRunner(t *testing.T, markerFile, name string) *hook.Runner {
	t.Helper()
	return hook.NewRunner(name, []string{"sh", "-c", "echo " + name + " >> " + markerFile}, time.Second, nullHookLogger{}, nil)
}

func readMarkers(t *testing.T, markerFile string) []string {
	t.Helper()
	data, err := os.ReadFile(markerFile)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var lines []string
	for _, l := range splitNonEmpty(string(data)) {
		lines = append(lines, l)
	}
	return lines
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// fakeBorg drops a shell script named "borg" into a temporary directory
// placed first on PATH; tests decide what it does via its body. Nothing in this
// package ships its own borg, so tests stand one in for it the same way
// hook_test.go leans on true/false/sleep instead of mocking os/exec.
func fakeBorg(t *testing.T, body string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake borg script assumes a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "borg")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func testJob(t *testing.T, cfg Config) *Job {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "nightly"
	}
	if cfg.Repo == "" {
		cfg.Repo = "/backups/nightly"
	}
	return New(cfg, Hooks{})
}

func TestArchiveName_DefaultTemplate(t *testing.T) {
	j := testJob(t, Config{Name: "nightly", Repo: "/backups/nightly"})
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	name := j.archiveName(ts)
	assert.Equal(t, "/backups/nightly::2026-01-02_03-04-05", name)
}

func TestArchiveName_CustomTemplate(t *testing.T) {
	j := testJob(t, Config{
		Name:                "nightly",
		Repo:                "/backups/nightly",
		ArchiveNameTemplate: "20060102-150405",
	})
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "/backups/nightly::20260102-030405", j.archiveName(ts))
}

func TestEnv_IncludesBorgVars(t *testing.T) {
	j := testJob(t, Config{
		Name:       "nightly",
		Repo:       "/backups/nightly",
		RSH:        "ssh -i /key",
		Passphrase: "hunter2",
		BaseDir:    "/var/lib/bsrvd",
	})
	env := j.env()
	assert.Contains(t, env, "BORG_REPO=/backups/nightly")
	assert.Contains(t, env, "BORG_RSH=ssh -i /key")
	assert.Contains(t, env, "BORG_PASSPHRASE=hunter2")
	assert.Contains(t, env, "BORG_BASE_DIR=/var/lib/bsrvd")
}

func TestEnv_OmitsUnsetOptionalVars(t *testing.T) {
	j := testJob(t, Config{Name: "nightly", Repo: "/backups/nightly"})
	for _, e := range j.env() {
		assert.NotContains(t, e, "BORG_RSH=")
		assert.NotContains(t, e, "BORG_PASSPHRASE=")
		assert.NotContains(t, e, "BORG_BASE_DIR=")
	}
}

func TestMountPath_EmptyWhenUnconfigured(t *testing.T) {
	j := testJob(t, Config{})
	assert.Equal(t, "", j.MountPath())
}

func TestMountPath_ReturnsAbsolute(t *testing.T) {
	j := testJob(t, Config{MountDir: "relative/mnt"})
	got := j.MountPath()
	assert.True(t, filepath.IsAbs(got))
	assert.Equal(t, "mnt", filepath.Base(got))
}

func TestSuccessEnv_SetsJobNameOnly(t *testing.T) {
	env := successEnv("nightly")
	assert.Equal(t, map[string]string{"BSRV_JOB": "nightly"}, env)
}

func TestFailedEnv_EncodesEmbeddedNewlines(t *testing.T) {
	env := failedEnv("nightly", "line one\nline two\n")
	assert.Equal(t, "nightly", env["BSRV_JOB"])
	assert.Equal(t, `line one\nline two\n`, env["BSRV_ERROR"])
}

// envDumpRunner builds a *hook.Runner whose script writes BSRV_JOB and
// BSRV_ERROR to outFile, one per line, so a test can assert on the exact
// env a failed hook receives.
func envDumpRunner(t *testing.T, outFile, name string) *hook.Runner {
	t.Helper()
	script := `printf '%s\n%s\n' "$BSRV_JOB" "$BSRV_ERROR" > ` + outFile
	return hook.NewRunner(name, []string{"sh", "-c", script}, time.Second, nullHookLogger{}, nil)
}

func TestRun_CreateFailureHookReceivesJobNameAndEncodedError(t *testing.T) {
	fakeBorg(t, `echo "boom" >&2; echo "line two" >&2; exit 1`)
	outFile := filepath.Join(t.TempDir(), "env")
	hooks := Hooks{RunFailed: envDumpRunner(t, outFile, "run_failed")}
	j := New(Config{Name: "nightly", Repo: "/backups/nightly"}, hooks)

	err := j.Run(context.Background())
	require.Error(t, err)
	j.Hooks.RunFailed.Wait()

	data, readErr := os.ReadFile(outFile)
	require.NoError(t, readErr)
	lines := splitNonEmpty(string(data))
	require.Len(t, lines, 2)
	assert.Equal(t, "nightly", lines[0])
	assert.Equal(t, `boom\nline two\n`, lines[1])
}

func TestRun_SuccessFiresRunSuccessfulHook(t *testing.T) {
	fakeBorg(t, "exit 0")
	markerFile := filepath.Join(t.TempDir(), "fired")
	hooks := Hooks{
		RunSuccessful: markerRunner(t, markerFile, "run_successful"),
		RunFailed:     markerRunner(t, markerFile, "run_failed"),
	}
	j := New(Config{Name: "nightly", Repo: "/backups/nightly"}, hooks)

	err := j.Run(context.Background())
	require.NoError(t, err)
	j.Hooks.RunSuccessful.Wait()
	assert.Equal(t, []string{"run_successful"}, readMarkers(t, markerFile))
}

func TestRun_CreateFailureSkipsPruneAndFiresRunFailed(t *testing.T) {
	fakeBorg(t, `
if [ "$1" = "create" ]; then
	echo "create exploded" >&2
	exit 2
fi
echo "prune should never run" >&2
exit 1
`)
	markerFile := filepath.Join(t.TempDir(), "fired")
	hooks := Hooks{
		RunSuccessful: markerRunner(t, markerFile, "run_successful"),
		RunFailed:     markerRunner(t, markerFile, "run_failed"),
	}
	j := New(Config{Name: "nightly", Repo: "/backups/nightly"}, hooks)

	err := j.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "borg create failed")
	j.Hooks.RunFailed.Wait()
	assert.Equal(t, []string{"run_failed"}, readMarkers(t, markerFile))
}

func TestListArchives_ParsesJSON(t *testing.T) {
	fakeBorg(t, `echo '{"archives":[{"name":"a1","id":"deadbeef","start":"2026-01-02T03:04:05Z"}]}'`)
	j := testJob(t, Config{})

	archives, err := j.ListArchives(context.Background())
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, "a1", archives[0].Name)
	assert.Equal(t, "deadbeef", archives[0].ID)
	assert.Equal(t, 2026, archives[0].Start.Year())
}

func TestListArchives_UnparsableOutputIsError(t *testing.T) {
	fakeBorg(t, "echo 'not json'")
	j := testJob(t, Config{})

	_, err := j.ListArchives(context.Background())
	assert.Error(t, err)
}

func TestInfo_ParsesCacheStats(t *testing.T) {
	fakeBorg(t, `echo '{"cache":{"stats":{"total_size":100,"total_csize":80,"unique_csize":40,"total_chunks":10,"total_unique_chunks":6}}}'`)
	j := testJob(t, Config{})

	stats, err := j.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.TotalSize)
	assert.Equal(t, int64(80), stats.TotalCSize)
	assert.Equal(t, int64(40), stats.UniqueCSize)
	assert.Equal(t, int64(10), stats.TotalChunks)
	assert.Equal(t, int64(6), stats.TotalUniqueChunks)
}

func TestInfo_UnparsableOutputIsError(t *testing.T) {
	fakeBorg(t, "echo 'not json'")
	j := testJob(t, Config{})

	_, err := j.Info(context.Background())
	assert.Error(t, err)
}

func TestInfo_BorgFailureIsError(t *testing.T) {
	fakeBorg(t, `echo "repo locked" >&2; exit 2`)
	j := testJob(t, Config{})

	_, err := j.Info(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "borg info failed")
}

func TestMount_CreatesMountDirectory(t *testing.T) {
	fakeBorg(t, "exit 0")
	dir := t.TempDir()
	mountDir := filepath.Join(dir, "mnt")
	j := testJob(t, Config{MountDir: mountDir})

	err := j.Mount(context.Background(), "")
	require.NoError(t, err)
	info, statErr := os.Stat(mountDir)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestMount_NoMountDirConfiguredIsError(t *testing.T) {
	j := testJob(t, Config{})
	err := j.Mount(context.Background(), "")
	assert.Error(t, err)
}


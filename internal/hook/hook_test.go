package hook

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu   sync.Mutex
	info []string
	warn []string
	errs []string
}

func (l *recordingLogger) Infof(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info = append(l.info, format)
}

func (l *recordingLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warn = append(l.warn, format)
}

func (l *recordingLogger) Errorf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, format)
}

func (l *recordingLogger) count() (info, warn, errs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.info), len(l.warn), len(l.errs)
}

func TestRunner_EmptyArgvIsNoOp(t *testing.T) {
	log := &recordingLogger{}
	r := NewRunner("run_successful", nil, time.Second, log, nil)
	r.TriggerWait(nil)
	info, warn, errs := log.count()
	assert.Zero(t, info)
	assert.Zero(t, warn)
	assert.Zero(t, errs)
}

func TestRunner_TriggerWaitSuccess(t *testing.T) {
	log := &recordingLogger{}
	r := NewRunner("run_successful", []string{"true"}, time.Second, log, nil)
	r.TriggerWait(nil)
	info, _, errs := log.count()
	assert.Equal(t, 1, info)
	assert.Zero(t, errs)
}

func TestRunner_TriggerWaitFailureLogsExitError(t *testing.T) {
	log := &recordingLogger{}
	r := NewRunner("run_failed", []string{"false"}, time.Second, log, nil)
	r.TriggerWait(nil)
	_, _, errs := log.count()
	assert.Equal(t, 1, errs)
}

func TestRunner_TimeoutKillsAndLogs(t *testing.T) {
	log := &recordingLogger{}
	r := NewRunner("run_failed", []string{"sleep", "5"}, 50*time.Millisecond, log, nil)
	start := time.Now()
	r.TriggerWait(nil)
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 4*time.Second)
	_, _, errs := log.count()
	assert.Equal(t, 1, errs)
}

func TestRunner_TriggerReturnsImmediatelyThenWaitBlocks(t *testing.T) {
	log := &recordingLogger{}
	r := NewRunner("run_successful", []string{"sleep", "0.05"}, time.Second, log, nil)
	r.Trigger(nil)
	r.Wait()
	info, _, _ := log.count()
	assert.Equal(t, 1, info)
}

func TestRunner_EnvOverlayIncludesHookName(t *testing.T) {
	env := buildEnv("list_successful", map[string]string{"BSRV_JOB": "nightly"})
	require.Contains(t, env, "BSRV_HOOK_NAME=list_successful")
	require.Contains(t, env, "BSRV_JOB=nightly")
}

// Package scheduler owns the control loop that decides, for every
// registered job, when it next runs: a single goroutine drains a
// time-ordered wait queue, dispatches due jobs to worker goroutines, and
// reacts to pause/shutdown/update requests delivered as tagged control
// messages rather than a bare condition-variable wakeup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alxg/bsrvd/internal/cache"
	"github.com/alxg/bsrvd/internal/job"
	"github.com/alxg/bsrvd/internal/waitqueue"
)

// wakeupReason tags why the control loop was woken. Priority among
// simultaneously pending reasons is SHUTDOWN > PAUSE > UPDATE > TIMER.
type wakeupReason int

const (
	reasonTimer wakeupReason = iota
	reasonUpdate
	reasonPause
	reasonShutdown
)

func (r wakeupReason) priority() int {
	switch r {
	case reasonShutdown:
		return 3
	case reasonPause:
		return 2
	case reasonUpdate:
		return 1
	default:
		return 0
	}
}

type controlMsg struct {
	reason wakeupReason
}

// Status is the externally visible lifecycle state of a job.
type Status string

const (
	StatusNone    Status = "none"
	StatusWaiting Status = "wait"
	StatusNext    Status = "next"
	StatusRunning Status = "running"
)

// Logger is the narrow leveled-sink interface the scheduler depends on.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Scheduler drives every registered job's create/prune cycle according to
// its schedule, retrying failed runs up to its configured limit.
type Scheduler struct {
	log   Logger
	cache *cache.Cache

	queue *waitqueue.Queue

	mu            sync.RWMutex
	jobs          map[uuid.UUID]*job.Job
	running       map[uuid.UUID]struct{}
	pausedPending map[uuid.UUID]struct{}
	paused        bool

	control chan controlMsg
	wg      sync.WaitGroup

	onStatusUpdate func(jobName string, status Status, retryCount int)
	onPauseChanged func(paused bool)
}

// New builds a Scheduler. Either callback may be nil.
func New(c *cache.Cache, log Logger, onStatusUpdate func(string, Status, int), onPauseChanged func(bool)) *Scheduler {
	return &Scheduler{
		log:            log,
		cache:          c,
		queue:          waitqueue.New(nil),
		jobs:           make(map[uuid.UUID]*job.Job),
		running:        make(map[uuid.UUID]struct{}),
		pausedPending:  make(map[uuid.UUID]struct{}),
		control:        make(chan controlMsg, 32),
		onStatusUpdate: onStatusUpdate,
		onPauseChanged: onPauseChanged,
	}
}

// SetCallbacks wires (or rewires) the status-update and pause-changed
// signal callbacks. Intended for callers that must construct the
// scheduler before the component consuming its signals exists yet (e.g.
// an IPC server that itself needs a scheduler reference).
func (s *Scheduler) SetCallbacks(onStatusUpdate func(string, Status, int), onPauseChanged func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatusUpdate = onStatusUpdate
	s.onPauseChanged = onPauseChanged
}

// Register adds j to the scheduler and enqueues its first run, computed
// from its last recorded success or, absent that, the most recent archive
// already in its repository. If neither is knowable (the cache has no
// entry and the repository's archive list itself cannot be read) the job
// is still tracked but left unqueued, and the failure is logged: the
// operator has to intervene (a manual run, or fixing repo access) before
// it schedules itself.
func (s *Scheduler) Register(ctx context.Context, j *job.Job) {
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()

	last, ok := s.lastSuccess(j.ID)
	if !ok {
		var err error
		last, ok, err = s.lastArchiveTime(ctx, j)
		if err != nil {
			s.log.Errorf("job %s: could not determine a starting schedule: %s", j.Config.Name, err)
			return
		}
	}
	if !ok {
		return
	}

	s.queue.Put(j.ID, j.Config.Schedule.Next(last), false)
	s.notify(reasonUpdate)
}

// lastSuccess consults the cache for id's last recorded success.
func (s *Scheduler) lastSuccess(id uuid.UUID) (time.Time, bool) {
	if s.cache == nil {
		return time.Time{}, false
	}
	t, found, err := s.cache.LastSuccess(id)
	if err != nil {
		s.log.Warnf("job %s: reading last-success from cache: %s", id, err)
		return time.Time{}, false
	}
	return t, found
}

// lastArchiveTime falls back to the repository's own archive list when the
// cache has nothing on record, the way the reference tool's
// get_last_archive_datetime does: the most recent archive's start time, or
// the Unix epoch if the repository exists but holds none yet.
func (s *Scheduler) lastArchiveTime(ctx context.Context, j *job.Job) (time.Time, bool, error) {
	archives, err := j.ListArchives(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(archives) == 0 {
		return time.Unix(0, 0), true, nil
	}
	latest := archives[0].Start
	for _, a := range archives[1:] {
		if a.Start.After(latest) {
			latest = a.Start
		}
	}
	return latest, true, nil
}

// Unregister removes a job entirely, reporting whether it was known.
func (s *Scheduler) Unregister(id uuid.UUID) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
		delete(s.running, id)
		delete(s.pausedPending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.queue.Delete(id, false)
	s.notify(reasonUpdate)
	return true
}

// AdvanceToNow moves id's next run to the current instant, reporting
// whether id was queued (a currently running job reports false: it is not
// re-armed mid-flight).
func (s *Scheduler) AdvanceToNow(id uuid.UUID) bool {
	moved := s.queue.Move(id, time.Now(), false)
	if moved {
		s.notify(reasonUpdate)
	}
	return moved
}

// FindByName returns the job with the given name, if any.
func (s *Scheduler) FindByName(name string) (*job.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Config.Name == name {
			return j, true
		}
	}
	return nil, false
}

// ListJobs returns a snapshot of every registered job.
func (s *Scheduler) ListJobs() []*job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// JobStatus reports id's current lifecycle state, with running, next
// (paused and awaiting dispatch), and waiting treated as mutually
// exclusive in that priority order.
func (s *Scheduler) JobStatus(id uuid.UUID) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[id]; !ok {
		return StatusNone
	}
	if _, ok := s.running[id]; ok {
		return StatusRunning
	}
	if _, ok := s.pausedPending[id]; ok {
		return StatusNext
	}
	if _, ok := s.queue.When(id); ok {
		return StatusWaiting
	}
	return StatusNone
}

// Info merges a job's static config, cache-backed last-success time, next
// scheduled run, live archive listing, and repository size/dedup stats
// into one response, the way the reference tool's pretty_info joins
// `borg list --json`, `borg info --json`, and its own scheduler state.
type Info struct {
	JobName        string
	Repo           string
	LastSuccess    time.Time
	HasSuccess     bool
	NextRun        time.Time
	HasNextRun     bool
	RetryCount     int
	Archives       []job.Archive
	Stats          job.CacheStats
	ScheduleStatus Status
	ScheduleDt     time.Time
	HasScheduleDt  bool
}

// GetJobInfo assembles an Info for id, running `borg list` and `borg info`
// against the repository. Fails only if the job is unknown or either borg
// call itself fails; a missing cache entry or queue placement is
// reflected as HasSuccess/HasNextRun/HasScheduleDt being false, not an
// error.
func (s *Scheduler) GetJobInfo(ctx context.Context, id uuid.UUID) (Info, error) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return Info{}, errors.Errorf("scheduler: unknown job %s", id)
	}

	info := Info{
		JobName:        j.Config.Name,
		Repo:           j.Config.Repo,
		RetryCount:     j.RetryCount,
		ScheduleStatus: s.JobStatus(id),
	}
	if s.cache != nil {
		if t, found, err := s.cache.LastSuccess(id); err == nil && found {
			info.LastSuccess, info.HasSuccess = t, true
		}
	}
	if when, ok := s.queue.When(id); ok {
		info.NextRun, info.HasNextRun = when, true
		info.ScheduleDt, info.HasScheduleDt = when, true
	}
	if info.ScheduleStatus == StatusRunning {
		info.ScheduleDt, info.HasScheduleDt = time.Now(), true
	}

	archives, err := j.ListArchives(ctx)
	if err != nil {
		return Info{}, err
	}
	info.Archives = archives

	stats, err := j.Info(ctx)
	if err != nil {
		return Info{}, err
	}
	info.Stats = stats

	return info, nil
}

// TouchStat records that a companion stat-collection pass ran at now, for
// a future out-of-process stat service sharing this daemon's cache file.
func (s *Scheduler) TouchStat(now time.Time) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.RecordStatRun(now)
}

// Paused reports whether the scheduler is currently paused.
func (s *Scheduler) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// Pause stops new job launches; jobs already running are unaffected and
// jobs that come due while paused accumulate as "next" until Unpause.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	already := s.paused
	s.paused = true
	s.mu.Unlock()
	if already {
		return
	}
	s.emitPauseChanged(true)
	s.notify(reasonPause)
}

// Unpause resumes dispatch and immediately re-queues every job that
// accumulated while paused.
func (s *Scheduler) Unpause() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	pending := make([]uuid.UUID, 0, len(s.pausedPending))
	for id := range s.pausedPending {
		pending = append(pending, id)
	}
	s.pausedPending = make(map[uuid.UUID]struct{})
	s.mu.Unlock()

	now := time.Now()
	for _, id := range pending {
		s.queue.Put(id, now, false)
	}
	s.emitPauseChanged(false)
	s.notify(reasonUpdate)
}

// Start launches the control loop in the background. Call Stop to shut it
// down.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop signals the control loop to exit and blocks until in-flight job
// runs and the loop goroutine itself have finished.
func (s *Scheduler) Stop() {
	s.notify(reasonShutdown)
	s.wg.Wait()
}

func (s *Scheduler) notify(reason wakeupReason) {
	select {
	case s.control <- controlMsg{reason: reason}:
	default:
		// Control channel is full, so the loop already has wakeups
		// pending and will re-read the queue and the paused flag on its
		// next pass; this message's own reason is dropped. Shutdown must
		// never be dropped, so it gets a blocking send.
		if reason == reasonShutdown {
			s.control <- controlMsg{reason: reason}
		}
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		when, ok := s.queue.PeekNext()
		if ok && !when.After(time.Now()) {
			_, ids, _ := s.queue.PopNext()
			s.dispatch(ids)
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if ok {
			timer = time.NewTimer(time.Until(when))
			timerC = timer.C
		}

		reason := s.waitForReason(timerC)
		if timer != nil {
			timer.Stop()
		}

		if reason == reasonShutdown {
			s.drainRunning()
			return
		}
	}
}

// waitForReason blocks for the first control message or timer fire, then
// drains any additional already-pending messages without blocking so that
// a burst of signals resolves to its single highest-priority member.
func (s *Scheduler) waitForReason(timerC <-chan time.Time) wakeupReason {
	var best wakeupReason
	select {
	case msg := <-s.control:
		best = msg.reason
	case <-timerC:
		best = reasonTimer
	}

	for {
		select {
		case msg := <-s.control:
			if msg.reason.priority() > best.priority() {
				best = msg.reason
			}
		default:
			return best
		}
	}
}

func (s *Scheduler) dispatch(ids []uuid.UUID) {
	s.mu.Lock()
	paused := s.paused
	if paused {
		for _, id := range ids {
			s.pausedPending[id] = struct{}{}
		}
	}
	s.mu.Unlock()
	if paused {
		return
	}
	for _, id := range ids {
		s.launch(id)
	}
}

func (s *Scheduler) launch(id uuid.UUID) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.running[id] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(id, j)
}

func (s *Scheduler) emitStatus(name string, status Status, retry int) {
	s.mu.RLock()
	cb := s.onStatusUpdate
	s.mu.RUnlock()
	if cb != nil {
		cb(name, status, retry)
	}
}

func (s *Scheduler) emitPauseChanged(paused bool) {
	s.mu.RLock()
	cb := s.onPauseChanged
	s.mu.RUnlock()
	if cb != nil {
		cb(paused)
	}
}

// persistLastSuccess writes id's last-success time under its advisory
// cache lock, so a second daemon instance pointed at the same base_dir
// cannot interleave a write for the same job mid-flight. Failing to
// acquire the lock is logged and skipped, not fatal: the cache stays
// stale until the next successful run, not corrupted.
func (s *Scheduler) persistLastSuccess(id uuid.UUID, name string, now time.Time) {
	acquired, err := s.cache.AcquireLock(id)
	if err != nil {
		s.log.Errorf("job %s: acquiring cache lock: %s", name, err)
		return
	}
	if !acquired {
		s.log.Warnf("job %s: cache lock held by another instance, skipping last-success write", name)
		return
	}
	defer func() {
		if err := s.cache.ReleaseLock(id); err != nil {
			s.log.Errorf("job %s: releasing cache lock: %s", name, err)
		}
	}()
	if err := s.cache.SetLastSuccess(id, now); err != nil {
		s.log.Errorf("job %s: persisting last-success time: %s", name, err)
	}
}

func (s *Scheduler) runJob(id uuid.UUID, j *job.Job) {
	defer s.wg.Done()
	s.emitStatus(j.Config.Name, StatusRunning, j.RetryCount)

	err := j.Run(context.Background())
	now := time.Now()

	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()

	if err == nil {
		j.RetryCount = 0
		if s.cache != nil {
			s.persistLastSuccess(id, j.Config.Name, now)
		}
		s.queue.Put(id, j.Config.Schedule.Next(now), false)
		s.notify(reasonUpdate)
		s.emitStatus(j.Config.Name, StatusWaiting, 0)
		return
	}

	s.log.Errorf("job %s: %s", j.Config.Name, err)

	// give_up is decided from the retry count as it stood going into this
	// run, before any reset: a job that already gave up (-1) is below any
	// RetryMax, so its next failure schedules a retry (count 1) instead of
	// giving up again, even when RetryMax is 0.
	gaveUp := j.RetryCount >= j.Config.RetryMax
	if gaveUp {
		j.RetryCount = -1
		j.Hooks.Fire(j.Hooks.GiveUp, map[string]string{"BSRV_JOB": j.Config.Name})
		s.queue.Put(id, j.Config.Schedule.Next(now), false)
		s.notify(reasonUpdate)
		s.emitStatus(j.Config.Name, StatusWaiting, -1)
		return
	}

	if j.RetryCount < 0 {
		j.RetryCount = 0
	}
	j.RetryCount++
	s.queue.Put(id, now.Add(j.Config.RetryDelay), false)
	s.notify(reasonUpdate)
	s.emitStatus(j.Config.Name, StatusWaiting, j.RetryCount)
}

func (s *Scheduler) drainRunning() {
	// Running jobs are driven by exec.CommandContext against a
	// background context: Stop does not cancel in-flight borg
	// invocations, it only stops scheduling new ones. Callers that want
	// a hard stop should terminate the process; Wait (via s.wg in Stop)
	// already blocks for natural completion.
}

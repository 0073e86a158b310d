// Package ipc exposes the daemon's control surface over HTTP, realizing
// the method-call/signal split of a D-Bus-style interface as a
// gorilla/mux request router paired with a gorilla/websocket push
// channel for the StatusUpdate and PauseChanged signals.
package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/alxg/bsrvd/internal/job"
	"github.com/alxg/bsrvd/internal/scheduler"
)

// Logger is the narrow leveled-sink interface the server depends on.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Scheduler is the subset of *scheduler.Scheduler the HTTP surface calls
// into; narrowed to an interface so handlers are testable without a real
// control loop.
type Scheduler interface {
	ListJobs() []*job.Job
	FindByName(name string) (*job.Job, bool)
	JobStatus(id uuid.UUID) scheduler.Status
	AdvanceToNow(id uuid.UUID) bool
	Pause()
	Unpause()
	Paused() bool
	GetJobInfo(ctx context.Context, id uuid.UUID) (scheduler.Info, error)
}

// Signal is one push message delivered to every connected websocket
// client.
type Signal struct {
	Type string `json:"type"` // "status_update" or "pause_changed"

	JobName    string           `json:"job_name,omitempty"`
	Status     scheduler.Status `json:"status,omitempty"`
	RetryCount int              `json:"retry_count,omitempty"`
	Paused     bool             `json:"paused,omitempty"`
}

// Server wires the scheduler's method surface to HTTP routes and fans out
// its two signals to every connected websocket client.
type Server struct {
	router   *mux.Router
	sched    Scheduler
	log      Logger
	shutdown func()
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewServer builds a Server. shutdown is invoked when a client calls
// POST /shutdown; it should trigger the daemon's graceful-exit path.
func NewServer(sched Scheduler, log Logger, shutdown func()) *Server {
	s := &Server{
		sched:    sched,
		log:      log,
		shutdown: shutdown,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		clients:  make(map[*websocket.Conn]struct{}),
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the server's http.Handler, for wrapping with a
// net/http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{name}/status", s.handleJobStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{name}/info", s.handleJobInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{name}/run", s.handleRunJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{name}/mount", s.handleMount).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{name}/umount", s.handleUmount).Methods(http.MethodPost)
	s.router.HandleFunc("/pause", s.handleGetPause).Methods(http.MethodGet)
	s.router.HandleFunc("/pause", s.handleSetPause).Methods(http.MethodPost)
	s.router.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWebsocket)
}

type jobSummary struct {
	Name       string           `json:"name"`
	ID         string           `json:"id"`
	Status     scheduler.Status `json:"status"`
	RetryCount int              `json:"retry_count"`
	MountPath  string           `json:"mount_path,omitempty"`
}

func (s *Server) summarize(j *job.Job) jobSummary {
	return jobSummary{
		Name:       j.Config.Name,
		ID:         j.ID.String(),
		Status:     s.sched.JobStatus(j.ID),
		RetryCount: j.RetryCount,
		MountPath:  j.MountPath(),
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.sched.ListJobs()
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.summarize(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) findJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	name := mux.Vars(r)["name"]
	j, ok := s.sched.FindByName(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found: " + name})
		return nil, false
	}
	return j, true
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.findJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(j))
}

type cacheStatsResponse struct {
	TotalSize         int64 `json:"total_size"`
	TotalCSize        int64 `json:"total_csize"`
	UniqueCSize       int64 `json:"unique_csize"`
	TotalChunks       int64 `json:"total_chunks"`
	TotalUniqueChunks int64 `json:"total_unique_chunks"`
}

type infoResponse struct {
	JobName        string             `json:"job_name"`
	Repo           string             `json:"repo"`
	LastSuccess    *time.Time         `json:"last_success,omitempty"`
	NextRun        *time.Time         `json:"next_run,omitempty"`
	RetryCount     int                `json:"retry_count"`
	Archives       []job.Archive      `json:"archives"`
	CacheStats     cacheStatsResponse `json:"cache_stats"`
	ScheduleStatus string             `json:"schedule_status"`
	ScheduleDt     *time.Time         `json:"schedule_dt,omitempty"`
}

func (s *Server) handleJobInfo(w http.ResponseWriter, r *http.Request) {
	j, ok := s.findJob(w, r)
	if !ok {
		return
	}
	info, err := s.sched.GetJobInfo(r.Context(), j.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := infoResponse{
		JobName:    info.JobName,
		Repo:       info.Repo,
		RetryCount: info.RetryCount,
		Archives:   info.Archives,
		CacheStats: cacheStatsResponse{
			TotalSize:         info.Stats.TotalSize,
			TotalCSize:        info.Stats.TotalCSize,
			UniqueCSize:       info.Stats.UniqueCSize,
			TotalChunks:       info.Stats.TotalChunks,
			TotalUniqueChunks: info.Stats.TotalUniqueChunks,
		},
		ScheduleStatus: string(info.ScheduleStatus),
	}
	if info.HasSuccess {
		resp.LastSuccess = &info.LastSuccess
	}
	if info.HasNextRun {
		resp.NextRun = &info.NextRun
	}
	if info.HasScheduleDt {
		resp.ScheduleDt = &info.ScheduleDt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.findJob(w, r)
	if !ok {
		return
	}
	s.sched.AdvanceToNow(j.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

type mountRequest struct {
	Archive string `json:"archive"`
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	j, ok := s.findJob(w, r)
	if !ok {
		return
	}
	var req mountRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := j.Mount(r.Context(), req.Archive); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mount_path": j.MountPath()})
}

func (s *Server) handleUmount(w http.ResponseWriter, r *http.Request) {
	j, ok := s.findJob(w, r)
	if !ok {
		return
	}
	if err := j.Umount(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unmounted"})
}

func (s *Server) handleGetPause(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.sched.Paused()})
}

type setPauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	var req setPauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if req.Paused {
		s.sched.Pause()
	} else {
		s.sched.Unpause()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.sched.Paused()})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ipc: websocket upgrade failed: %s", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Client -> server traffic is not part of this protocol; block here
	// solely to detect disconnects so the client set stays accurate.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// OnStatusUpdate is wired as the scheduler's status-update callback.
func (s *Server) OnStatusUpdate(jobName string, status scheduler.Status, retryCount int) {
	s.broadcast(Signal{Type: "status_update", JobName: jobName, Status: status, RetryCount: retryCount})
}

// OnPauseChanged is wired as the scheduler's pause-changed callback.
func (s *Server) OnPauseChanged(paused bool) {
	s.broadcast(Signal{Type: "pause_changed", Paused: paused})
}

func (s *Server) broadcast(sig Signal) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteJSON(sig); err != nil {
			s.log.Warnf("ipc: dropping websocket client after write error: %s", err)
			c.Close()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

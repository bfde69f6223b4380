package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perchterm/perch/internal/logutil"
	"github.com/perchterm/perch/internal/supervisor"
)

// Options configures the coordinator.
type Options struct {
	// SocketDir is the directory holding one subdirectory per session,
	// each containing the session daemon's socket.
	SocketDir    string
	DefaultShell string
	HistoryLines int
	// CreateTimeout bounds the creator's exit plus the attach handshake.
	CreateTimeout time.Duration
	// DestroyGrace is how long Destroy waits after SIGTERM before SIGKILL.
	DestroyGrace time.Duration
	// IdleTimeout destroys sessions with no attached viewer for longer
	// than this. Zero disables idle reaping.
	IdleTimeout         time.Duration
	RecordingEnabled    bool
	RecordingMaxEntries int
}

// socketName is the socket filename inside each session's directory.
const socketName = "default.sock"

// Session is one shell process under durable supervision. The attacher
// field is written in exactly one place, the coordinator's attach path,
// and its type cannot be satisfied by a creator handle.
type Session struct {
	ID               string
	WorkingDirectory string
	Shell            string
	Cols             uint16
	Rows             uint16
	SocketPath       string
	CreatedAt        time.Time

	mu       sync.Mutex
	status   Status
	exitCode *int
	attacher Attacher
	exited   sync.Once
}

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExitCode returns the recorded exit code, or nil before the session exits.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Metadata returns a persistable snapshot of the session.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metadata{
		ID:               s.ID,
		WorkingDirectory: s.WorkingDirectory,
		Shell:            s.Shell,
		Cols:             s.Cols,
		Rows:             s.Rows,
		SocketPath:       s.SocketPath,
		Status:           s.status,
		ExitCode:         s.exitCode,
	}
}

// CreateRequest carries the caller-supplied parameters for a new session.
type CreateRequest struct {
	ID               string `json:"id"`
	WorkingDirectory string `json:"working_directory"`
	Shell            string `json:"shell"`
	Cols             uint16 `json:"cols"`
	Rows             uint16 `json:"rows"`
}

// Coordinator orchestrates the supervisor, scrollback buffers and the
// multiplexer to implement the session lifecycle: create, attach,
// destroy, the periodic liveness sweep and startup reconciliation.
type Coordinator struct {
	sup   Supervisor
	mux   *Multiplexer
	store Store
	opts  Options

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool
}

func NewCoordinator(sup Supervisor, mux *Multiplexer, store Store, opts Options) *Coordinator {
	if opts.DefaultShell == "" {
		opts.DefaultShell = "/bin/bash"
	}
	if opts.HistoryLines <= 0 {
		opts.HistoryLines = DefaultHistoryLines
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = 30 * time.Second
	}
	if opts.DestroyGrace <= 0 {
		opts.DestroyGrace = 5 * time.Second
	}
	return &Coordinator{
		sup:      sup,
		mux:      mux,
		store:    store,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Mux returns the coordinator's attachment multiplexer.
func (c *Coordinator) Mux() *Multiplexer {
	return c.mux
}

// Get returns a known session by id, or nil.
func (c *Coordinator) Get(id string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id]
}

// List returns metadata snapshots of all known sessions.
func (c *Coordinator) List() []Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Metadata, 0, len(c.sessions))
	for _, s := range c.sessions {
		result = append(result, s.Metadata())
	}
	return result
}

// Create stands up a new durable session: it probes the deterministic
// socket path (self-healing a stale leftover, failing on a live one),
// spawns the creator, waits for it to exit, then immediately performs the
// attach step. The creator handle never leaves this method.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	if err := ValidateSessionID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	shell := req.Shell
	if shell == "" {
		shell = c.opts.DefaultShell
	}
	if err := ValidateShell(shell); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	cols, rows = ClampResize(cols, rows)

	c.mu.Lock()
	if existing, ok := c.sessions[id]; ok && existing.Status() != StatusExited {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, ErrAlreadyActive)
	}

	socketPath := c.socketPathFor(id)
	switch c.sup.ProbeSocket(socketPath) {
	case supervisor.SocketLive:
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, ErrAlreadyActive)
	case supervisor.SocketStale:
		if err := c.sup.RemoveStaleSocket(socketPath); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
		}
		log.Printf("[coordinator] removed stale socket for session %s", logutil.SanitizeForLog(id))
	}

	s := &Session{
		ID:               id,
		WorkingDirectory: req.WorkingDirectory,
		Shell:            shell,
		Cols:             cols,
		Rows:             rows,
		SocketPath:       socketPath,
		CreatedAt:        time.Now(),
		status:           StatusCreating,
	}
	c.sessions[id] = s
	c.mu.Unlock()

	c.persist(s)

	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		c.abortCreate(s)
		return nil, fmt.Errorf("%w: create socket directory: %v", ErrCreationFailed, err)
	}

	createCtx, cancel := context.WithTimeout(ctx, c.opts.CreateTimeout)
	defer cancel()

	creator, err := c.sup.SpawnCreator(createCtx, socketPath, req.WorkingDirectory, shell)
	if err != nil {
		c.abortCreate(s)
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}
	// The creator daemonizes the session and exits; all we may do with
	// its handle is wait for that exit. It is never stored.
	if err := creator.Wait(createCtx); err != nil {
		c.abortCreate(s)
		if createCtx.Err() != nil {
			return nil, fmt.Errorf("session %s: %w", id, ErrTimeout)
		}
		return nil, fmt.Errorf("%w: creator exited: %v", ErrCreationFailed, err)
	}

	s.setStatus(StatusAttaching)
	c.persist(s)

	if err := c.attach(s); err != nil {
		c.abortCreate(s)
		return nil, err
	}

	log.Printf("[coordinator] session %s created (cwd=%s shell=%s %dx%d)",
		logutil.SanitizeForLog(id), logutil.SanitizeForLog(req.WorkingDirectory),
		logutil.SanitizeForLog(shell), cols, rows)

	c.mux.AnnounceSession(s.Metadata())
	return s, nil
}

// attach spawns the attacher, wires its output stream into a fresh
// scrollback buffer and the multiplexer's routing table, and transitions
// the session to running. This is the exclusive place where a session's
// live process reference is set. It is also called directly during
// startup reconciliation for daemons that survived a restart.
func (c *Coordinator) attach(s *Session) error {
	a, err := c.sup.SpawnAttacher(s.SocketPath, s.Cols, s.Rows)
	if err != nil {
		return fmt.Errorf("session %s: %w: %v", s.ID, ErrAttachFailed, err)
	}

	scrollback := NewScrollback(c.opts.HistoryLines)
	var recording *Recording
	if c.opts.RecordingEnabled {
		recording = NewRecording(c.opts.RecordingMaxEntries)
	}

	s.mu.Lock()
	s.attacher = a
	s.status = StatusRunning
	s.mu.Unlock()

	// The scrollback starts filling right now, not when the first viewer
	// subscribes: output produced before anyone watches is kept.
	c.mux.AddRoute(s.ID, a, scrollback, recording)
	go c.readLoop(s, a)

	c.persist(s)
	return nil
}

// readLoop is the dedicated reader for one session's output stream. It is
// the only writer into that session's scrollback (through the mux route
// lock), which is what makes the single-writer/many-reader discipline of
// the buffer hold.
func (c *Coordinator) readLoop(s *Session, a Attacher) {
	buf := make([]byte, 32*1024)
	for {
		n, err := a.Read(buf)
		if n > 0 {
			c.mux.Publish(s.ID, buf[:n])
		}
		if err != nil {
			break
		}
	}

	// Reads fail once the attacher exits; give the waiter a moment to
	// record the exit code.
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
	}

	c.mu.RLock()
	closing := c.closing
	c.mu.RUnlock()
	if closing {
		// Server shutdown: the daemon stays alive and the metadata keeps
		// status running so reconciliation re-attaches on the next start.
		return
	}

	code := a.ExitCode()
	c.sessionEnded(s, &code)
}

// sessionEnded performs the single transition to exited: record the exit
// code, tear down the routing entry (notifying attached viewers), remove
// the socket file and update persisted metadata. Safe to reach from the
// read loop, Destroy and the liveness sweep; only the first caller acts.
func (c *Coordinator) sessionEnded(s *Session, exitCode *int) {
	s.exited.Do(func() {
		s.mu.Lock()
		s.status = StatusExited
		s.exitCode = exitCode
		a := s.attacher
		s.mu.Unlock()

		if a != nil {
			a.Close()
		}
		c.mux.RemoveRoute(s.ID)
		if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
			log.Printf("[coordinator] remove socket for session %s: %v", logutil.SanitizeForLog(s.ID), err)
		}
		// The daemon pid file recorded beside the socket.
		os.Remove(s.SocketPath + ".pid")

		c.mu.Lock()
		delete(c.sessions, s.ID)
		c.mu.Unlock()

		if err := c.store.UpdateStatus(s.ID, StatusExited, exitCode); err != nil {
			log.Printf("[coordinator] persist exit of session %s: %v", logutil.SanitizeForLog(s.ID), err)
		}
		log.Printf("[coordinator] session %s exited (code=%v)", logutil.SanitizeForLog(s.ID), formatExitCode(exitCode))
	})
}

// abortCreate transitions a session that failed before running to exited.
// A daemon that already came up (attach failed, creation timed out) is
// terminated so it cannot leak.
func (c *Coordinator) abortCreate(s *Session) {
	if err := c.sup.TerminateDaemon(s.SocketPath, time.Second); err != nil {
		log.Printf("[coordinator] terminate daemon for aborted session %s: %v", logutil.SanitizeForLog(s.ID), err)
	}
	c.sessionEnded(s, nil)
}

// Destroy ends the session's shell process (graceful, then forced, via
// the pid the daemon recorded at creation), reaps the attacher, records
// the exit code, removes the socket file and notifies all attached
// viewers. Callers may not cancel a destroy once issued.
func (c *Coordinator) Destroy(id string) error {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("destroy %s: %w", id, ErrSessionNotFound)
	}

	// The daemon and its shell go first; the attacher then sees EOF and
	// exits on its own within the same grace.
	if err := c.sup.TerminateDaemon(s.SocketPath, c.opts.DestroyGrace); err != nil {
		log.Printf("[coordinator] terminate daemon for session %s: %v", logutil.SanitizeForLog(id), err)
	}

	s.mu.Lock()
	a := s.attacher
	s.mu.Unlock()

	if a == nil {
		c.sessionEnded(s, nil)
		return nil
	}

	code := a.Terminate(c.opts.DestroyGrace)
	c.sessionEnded(s, &code)
	log.Printf("[coordinator] session %s destroyed", logutil.SanitizeForLog(id))
	return nil
}

// Sweep probes the sockets of running sessions and force-exits any whose
// daemon no longer answers. When idle reaping is enabled it also destroys
// sessions that have had no attached viewer for longer than the timeout.
// Intended to run periodically from a scheduler.
func (c *Coordinator) Sweep() {
	c.mu.RLock()
	running := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.Status() == StatusRunning {
			running = append(running, s)
		}
	}
	closing := c.closing
	c.mu.RUnlock()
	if closing {
		return
	}

	for _, s := range running {
		if state := c.sup.ProbeSocket(s.SocketPath); state != supervisor.SocketLive {
			log.Printf("[coordinator] sweep: session %s socket is %s, reaping", logutil.SanitizeForLog(s.ID), state)
			// A shell wedged past its socket still dies by pid.
			c.sup.TerminateDaemon(s.SocketPath, time.Second)
			s.mu.Lock()
			a := s.attacher
			s.mu.Unlock()
			var code *int
			if a != nil {
				n := a.Terminate(time.Second)
				code = &n
			}
			c.sessionEnded(s, code)
			continue
		}

		if c.opts.IdleTimeout > 0 {
			if since, idle := c.mux.IdleSince(s.ID); idle && time.Since(since) >= c.opts.IdleTimeout {
				log.Printf("[coordinator] sweep: session %s idle since %s, destroying",
					logutil.SanitizeForLog(s.ID), since.Format(time.RFC3339))
				c.Destroy(s.ID)
			}
		}
	}
}

// Reconcile recovers sessions after a server restart. Every persisted
// non-exited session and every socket found on disk is probed once: live
// daemons are re-attached with a fresh scrollback (pre-restart history is
// gone), stale sockets are removed and their sessions marked exited.
func (c *Coordinator) Reconcile() {
	known := make(map[string]Metadata)
	if recs, err := c.store.List(); err != nil {
		log.Printf("[coordinator] reconcile: list persisted sessions: %v", err)
	} else {
		for _, m := range recs {
			known[m.ID] = m
		}
	}

	// Sockets on disk without metadata (e.g. the database was reset)
	// still get adopted, with default geometry.
	for _, id := range c.scanSocketDir() {
		if _, ok := known[id]; !ok {
			known[id] = Metadata{
				ID:         id,
				Shell:      c.opts.DefaultShell,
				Cols:       80,
				Rows:       24,
				SocketPath: c.socketPathFor(id),
				Status:     StatusRunning,
			}
		}
	}

	recovered, cleaned := 0, 0
	for id, m := range known {
		if m.Status == StatusExited {
			continue
		}

		switch c.sup.ProbeSocket(m.SocketPath) {
		case supervisor.SocketLive:
			s := &Session{
				ID:               id,
				WorkingDirectory: m.WorkingDirectory,
				Shell:            m.Shell,
				Cols:             m.Cols,
				Rows:             m.Rows,
				SocketPath:       m.SocketPath,
				CreatedAt:        time.Now(),
				status:           StatusAttaching,
			}
			c.mu.Lock()
			c.sessions[id] = s
			c.mu.Unlock()
			if err := c.attach(s); err != nil {
				log.Printf("[coordinator] reconcile: re-attach session %s: %v", logutil.SanitizeForLog(id), err)
				c.sessionEnded(s, nil)
				continue
			}
			recovered++

		case supervisor.SocketStale:
			if err := c.sup.RemoveStaleSocket(m.SocketPath); err != nil {
				log.Printf("[coordinator] reconcile: %v", err)
			}
			c.store.UpdateStatus(id, StatusExited, nil)
			cleaned++

		case supervisor.SocketAbsent:
			c.store.UpdateStatus(id, StatusExited, nil)
			cleaned++
		}
	}

	log.Printf("[coordinator] reconcile complete: %d session(s) re-attached, %d cleaned up", recovered, cleaned)
}

// Close detaches from all running sessions without killing their
// daemons, leaving persisted status untouched so the next start
// re-attaches. Part of graceful shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closing = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		a := s.attacher
		s.mu.Unlock()
		if a != nil {
			a.Terminate(time.Second)
		}
	}
	log.Printf("[coordinator] detached from %d session(s)", len(sessions))
}

// socketPathFor derives the deterministic socket path for a session id.
// This path is the sole handle needed to re-attach after a restart.
func (c *Coordinator) socketPathFor(id string) string {
	return filepath.Join(c.opts.SocketDir, id, socketName)
}

// scanSocketDir returns the session ids that have a socket file on disk.
func (c *Coordinator) scanSocketDir() []string {
	entries, err := os.ReadDir(c.opts.SocketDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[coordinator] scan socket dir: %v", err)
		}
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.opts.SocketDir, e.Name(), socketName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids
}

func (c *Coordinator) persist(s *Session) {
	if err := c.store.Save(s.Metadata()); err != nil {
		log.Printf("[coordinator] persist session %s: %v", logutil.SanitizeForLog(s.ID), err)
	}
}

func formatExitCode(code *int) interface{} {
	if code == nil {
		return "unknown"
	}
	return *code
}

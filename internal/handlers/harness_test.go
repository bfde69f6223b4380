package handlers

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/perchterm/perch/internal/session"
	"github.com/perchterm/perch/internal/supervisor"
)

// fakeAttacher is a pipe-backed stand-in for a live session process.
type fakeAttacher struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	inputs  []byte
	resizes [][2]uint16
	dead    bool

	done     chan struct{}
	exitOnce sync.Once
}

func newFakeAttacher() *fakeAttacher {
	pr, pw := io.Pipe()
	return &fakeAttacher{pr: pr, pw: pw, done: make(chan struct{})}
}

func (a *fakeAttacher) emit(data string) { a.pw.Write([]byte(data)) }

func (a *fakeAttacher) Read(p []byte) (int, error) { return a.pr.Read(p) }

func (a *fakeAttacher) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dead {
		return 0, errors.New("attacher exited")
	}
	a.inputs = append(a.inputs, p...)
	return len(p), nil
}

func (a *fakeAttacher) Resize(cols, rows uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resizes = append(a.resizes, [2]uint16{cols, rows})
	return nil
}

func (a *fakeAttacher) Terminate(grace time.Duration) int {
	a.exitOnce.Do(func() {
		a.mu.Lock()
		a.dead = true
		a.mu.Unlock()
		a.pw.Close()
		close(a.done)
	})
	return 0
}

func (a *fakeAttacher) Done() <-chan struct{} { return a.done }
func (a *fakeAttacher) ExitCode() int         { return 0 }
func (a *fakeAttacher) Close() error          { a.pr.Close(); return nil }

func (a *fakeAttacher) receivedInput() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.inputs)
}

func (a *fakeAttacher) lastResize() [2]uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.resizes) == 0 {
		return [2]uint16{}
	}
	return a.resizes[len(a.resizes)-1]
}

type fakeCreator struct{}

func (fakeCreator) Wait(ctx context.Context) error { return ctx.Err() }

// fakeSupervisor satisfies session.Supervisor without real processes.
type fakeSupervisor struct {
	mu        sync.Mutex
	states    map[string]supervisor.SocketState
	attachers map[string]*fakeAttacher
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		states:    make(map[string]supervisor.SocketState),
		attachers: make(map[string]*fakeAttacher),
	}
}

func (f *fakeSupervisor) SpawnCreator(ctx context.Context, socketPath, workDir, shell string) (session.Creator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[socketPath] = supervisor.SocketLive
	return fakeCreator{}, nil
}

func (f *fakeSupervisor) SpawnAttacher(socketPath string, cols, rows uint16) (session.Attacher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := newFakeAttacher()
	f.attachers[socketPath] = a
	return a, nil
}

func (f *fakeSupervisor) ProbeSocket(socketPath string) supervisor.SocketState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[socketPath]
}

func (f *fakeSupervisor) RemoveStaleSocket(socketPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, socketPath)
	return nil
}

func (f *fakeSupervisor) TerminateDaemon(socketPath string, grace time.Duration) error {
	f.mu.Lock()
	delete(f.states, socketPath)
	a := f.attachers[socketPath]
	f.mu.Unlock()
	if a != nil {
		a.Terminate(grace)
	}
	return nil
}

func (f *fakeSupervisor) attacherFor(socketPath string) *fakeAttacher {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachers[socketPath]
}

// memStore keeps session metadata in memory for handler tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]session.Metadata
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]session.Metadata)}
}

func (s *memStore) Save(m session.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[m.ID] = m
	return nil
}

func (s *memStore) UpdateStatus(id string, status session.Status, exitCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.records[id]
	m.ID = id
	m.Status = status
	if exitCode != nil {
		m.ExitCode = exitCode
	}
	s.records[id] = m
	return nil
}

func (s *memStore) List() ([]session.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]session.Metadata, 0, len(s.records))
	for _, m := range s.records {
		result = append(result, m)
	}
	return result, nil
}

// newTestServer wires a coordinator on fakes behind the real router and
// points the package-level Coordinator at it.
func newTestServer(t *testing.T) (*httptest.Server, *fakeSupervisor) {
	t.Helper()

	sup := newFakeSupervisor()
	coord := session.NewCoordinator(sup, session.NewMultiplexer(), newMemStore(), session.Options{
		SocketDir:           t.TempDir(),
		RecordingEnabled:    true,
		RecordingMaxEntries: 100,
	})
	Coordinator = coord

	r := chi.NewRouter()
	r.Get("/ws", SessionsWS)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", ListSessions)
		r.Post("/sessions", CreateSession)
		r.Get("/sessions/{id}", GetSession)
		r.Delete("/sessions/{id}", DestroySession)
		r.Get("/sessions/{id}/attachments", ListAttachments)
		r.Get("/sessions/{id}/recording", GetSessionRecording)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		coord.Close()
	})
	return srv, sup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

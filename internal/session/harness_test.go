package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/perchterm/perch/internal/supervisor"
)

// fakeViewer records everything the multiplexer sends to one connection.
type fakeViewer struct {
	id string

	mu        sync.Mutex
	outputs   []string
	created   []Metadata
	destroyed []string
}

func newFakeViewer(id string) *fakeViewer {
	return &fakeViewer{id: id}
}

func (v *fakeViewer) ID() string { return v.id }

func (v *fakeViewer) SendOutput(sessionID string, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.outputs = append(v.outputs, string(data))
}

func (v *fakeViewer) SendSessionCreated(meta Metadata) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.created = append(v.created, meta)
}

func (v *fakeViewer) SendSessionDestroyed(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.destroyed = append(v.destroyed, sessionID)
}

func (v *fakeViewer) received() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var all string
	for _, o := range v.outputs {
		all += o
	}
	return all
}

func (v *fakeViewer) outputCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.outputs)
}

func (v *fakeViewer) destroyedSessions() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.destroyed...)
}

// fakeAttacher stands in for a live daemon connection. Tests emit
// "shell output" by writing to the pipe and observe routed input in the
// inputs buffer.
type fakeAttacher struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	inputs   []byte
	resizes  [][2]uint16
	exitCode int
	dead     bool

	done     chan struct{}
	exitOnce sync.Once
}

func newFakeAttacher() *fakeAttacher {
	pr, pw := io.Pipe()
	return &fakeAttacher{
		pr:       pr,
		pw:       pw,
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

func (a *fakeAttacher) emit(data string) {
	a.pw.Write([]byte(data))
}

func (a *fakeAttacher) exit(code int) {
	a.exitOnce.Do(func() {
		a.mu.Lock()
		a.exitCode = code
		a.dead = true
		a.mu.Unlock()
		a.pw.Close()
		close(a.done)
	})
}

func (a *fakeAttacher) Read(p []byte) (int, error) {
	return a.pr.Read(p)
}

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
	if a.dead {
		return errors.New("attacher exited")
	}
	a.resizes = append(a.resizes, [2]uint16{cols, rows})
	return nil
}

func (a *fakeAttacher) Terminate(grace time.Duration) int {
	a.exit(0)
	return a.ExitCode()
}

func (a *fakeAttacher) Done() <-chan struct{} { return a.done }

func (a *fakeAttacher) ExitCode() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exitCode
}

func (a *fakeAttacher) Close() error {
	a.pr.Close()
	return nil
}

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

// fakeCreator exits immediately, like a creator whose daemon came up.
type fakeCreator struct {
	waitErr error
	waited  bool
}

func (c *fakeCreator) Wait(ctx context.Context) error {
	c.waited = true
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.waitErr
}

// fakeSupervisor simulates the process layer. Spawning a creator marks
// the socket live (the daemon is up); attachers are handed out per
// socket path for tests to drive.
type fakeSupervisor struct {
	mu             sync.Mutex
	states         map[string]supervisor.SocketState
	attachers      map[string]*fakeAttacher
	removed        []string
	daemonKills    []string
	creators       []*fakeCreator
	creatorErr     error
	creatorWaitErr error
	attachErr      error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		states:    make(map[string]supervisor.SocketState),
		attachers: make(map[string]*fakeAttacher),
	}
}

func (f *fakeSupervisor) SpawnCreator(ctx context.Context, socketPath, workDir, shell string) (Creator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creatorErr != nil {
		return nil, f.creatorErr
	}
	c := &fakeCreator{waitErr: f.creatorWaitErr}
	f.creators = append(f.creators, c)
	if f.creatorWaitErr == nil {
		f.states[socketPath] = supervisor.SocketLive
	}
	return c, nil
}

func (f *fakeSupervisor) SpawnAttacher(socketPath string, cols, rows uint16) (Attacher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return nil, f.attachErr
	}
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
	if f.states[socketPath] == supervisor.SocketLive {
		return errors.New("refusing to remove live socket")
	}
	f.states[socketPath] = supervisor.SocketAbsent
	f.removed = append(f.removed, socketPath)
	return nil
}

func (f *fakeSupervisor) TerminateDaemon(socketPath string, grace time.Duration) error {
	f.mu.Lock()
	f.states[socketPath] = supervisor.SocketAbsent
	f.daemonKills = append(f.daemonKills, socketPath)
	a := f.attachers[socketPath]
	f.mu.Unlock()
	// A dead daemon is EOF for its attacher.
	if a != nil {
		a.exit(0)
	}
	return nil
}

func (f *fakeSupervisor) daemonKilled(socketPath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.daemonKills {
		if p == socketPath {
			return true
		}
	}
	return false
}

func (f *fakeSupervisor) setState(socketPath string, state supervisor.SocketState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[socketPath] = state
}

func (f *fakeSupervisor) attacherFor(socketPath string) *fakeAttacher {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachers[socketPath]
}

// memStore is an in-memory Store for coordinator tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]Metadata
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Metadata)}
}

func (s *memStore) Save(m Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[m.ID] = m
	return nil
}

func (s *memStore) UpdateStatus(id string, status Status, exitCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		m = Metadata{ID: id}
	}
	m.Status = status
	if exitCode != nil {
		m.ExitCode = exitCode
	}
	s.records[id] = m
	return nil
}

func (s *memStore) List() ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Metadata, 0, len(s.records))
	for _, m := range s.records {
		result = append(result, m)
	}
	return result, nil
}

func (s *memStore) status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Status
}

// waitFor polls cond until it holds or the deadline passes.
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

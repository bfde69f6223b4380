package session

import (
	"context"
	"io"
	"time"

	"github.com/perchterm/perch/internal/supervisor"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusCreating means the creator process is standing up the daemon.
	StatusCreating Status = "creating"
	// StatusAttaching means the daemon is up and the attacher is connecting.
	StatusAttaching Status = "attaching"
	// StatusRunning means a live attacher handle is wired up.
	StatusRunning Status = "running"
	// StatusExited is terminal.
	StatusExited Status = "exited"
)

// Metadata is the persistable description of a session. It is all that
// is needed to find and re-attach to the session daemon after a server
// restart; buffered output is not part of it.
type Metadata struct {
	ID               string `json:"id"`
	WorkingDirectory string `json:"working_directory"`
	Shell            string `json:"shell"`
	Cols             uint16 `json:"cols"`
	Rows             uint16 `json:"rows"`
	SocketPath       string `json:"socket_path"`
	Status           Status `json:"status"`
	ExitCode         *int   `json:"exit_code,omitempty"`
}

// Store persists session metadata across server restarts. The database
// package provides the GORM-backed implementation.
type Store interface {
	Save(m Metadata) error
	UpdateStatus(id string, status Status, exitCode *int) error
	List() ([]Metadata, error)
}

// Creator is the short-lived handle from a creator spawn. It exposes no
// I/O by design: a session's live process reference cannot be satisfied
// by this type, which rules out the create path ever setting it.
type Creator interface {
	Wait(ctx context.Context) error
}

// Attacher is a live bidirectional connection to a session daemon. Only
// values of this type may be stored as a session's live process
// reference, and only the attach path stores them.
type Attacher interface {
	io.ReadWriter
	Resize(cols, rows uint16) error
	Terminate(grace time.Duration) int
	Done() <-chan struct{}
	ExitCode() int
	Close() error
}

// Supervisor abstracts the process-spawning primitives so coordinator
// tests can inject fakes. The supervisor package provides the real,
// dtach-backed implementation.
type Supervisor interface {
	SpawnCreator(ctx context.Context, socketPath, workDir, shell string) (Creator, error)
	SpawnAttacher(socketPath string, cols, rows uint16) (Attacher, error)
	ProbeSocket(socketPath string) supervisor.SocketState
	RemoveStaleSocket(socketPath string) error
	TerminateDaemon(socketPath string, grace time.Duration) error
}

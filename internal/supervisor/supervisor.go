// Package supervisor owns the two process-spawning operations behind a
// durable terminal session: a short-lived creator that stands up the
// session daemon bound to a unix socket and exits, and a long-lived
// attacher that relays bytes to and from that daemon. It also probes
// session sockets to distinguish live daemons from crash-orphaned files.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// SocketState is the result of probing a session socket path.
type SocketState int

const (
	// SocketAbsent means no file exists at the path.
	SocketAbsent SocketState = iota
	// SocketStale means a file exists but no daemon answers.
	SocketStale
	// SocketLive means a daemon is listening on the socket.
	SocketLive
)

func (s SocketState) String() string {
	switch s {
	case SocketAbsent:
		return "absent"
	case SocketStale:
		return "stale"
	case SocketLive:
		return "live"
	default:
		return "unknown"
	}
}

// probeTimeout bounds the connect attempt against a session socket.
const probeTimeout = 500 * time.Millisecond

// Supervisor spawns creator and attacher processes using a
// dtach-compatible binary.
type Supervisor struct {
	// Binary is the dtach-compatible binary used for both roles.
	Binary string
}

func New(binary string) *Supervisor {
	if binary == "" {
		binary = "dtach"
	}
	return &Supervisor{Binary: binary}
}

// SpawnCreator starts the process that establishes the session daemon on
// socketPath with the given shell underneath it. The shell is wrapped so
// it records its pid beside the socket before exec'ing: the daemonizing
// binary never reports the daemon's pid, and without it the session could
// not be terminated later. The process exits on its own once the daemon
// is up; callers wait on the returned handle to catch an abnormal
// immediate exit, then discard it.
func (s *Supervisor) SpawnCreator(ctx context.Context, socketPath, workDir, shell string) (*CreatorHandle, error) {
	wrapper := fmt.Sprintf("echo $$ >'%s'; exec %s", pidPathFor(socketPath), shell)
	cmd := exec.Command(s.Binary, "-n", socketPath, "/bin/sh", "-c", wrapper)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start creator %s: %w", s.Binary, err)
	}

	h := &CreatorHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// SpawnAttacher starts the long-lived process that connects to the daemon
// at socketPath and relays bytes bidirectionally. The attacher runs under
// a local PTY sized cols x rows; the daemon adopts that geometry on
// attach. This is the only operation that produces a handle suitable for
// a session's live process reference.
func (s *Supervisor) SpawnAttacher(socketPath string, cols, rows uint16) (*AttacherHandle, error) {
	cmd := exec.Command(s.Binary, "-a", socketPath)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	return startAttacher(cmd, cols, rows)
}

// ProbeSocket reports whether a daemon is listening at socketPath. A
// connect attempt is made and immediately released; a file that exists
// but refuses the connection is a crash-orphaned leftover.
func (s *Supervisor) ProbeSocket(socketPath string) SocketState {
	if _, err := os.Stat(socketPath); err != nil {
		return SocketAbsent
	}
	conn, err := net.DialTimeout("unix", socketPath, probeTimeout)
	if err != nil {
		return SocketStale
	}
	conn.Close()
	return SocketLive
}

// RemoveStaleSocket unlinks a socket file previously confirmed stale. It
// re-probes first and refuses to unlink a live socket.
func (s *Supervisor) RemoveStaleSocket(socketPath string) error {
	switch s.ProbeSocket(socketPath) {
	case SocketLive:
		return fmt.Errorf("socket %s has a live daemon, refusing to remove", socketPath)
	case SocketAbsent:
		return nil
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}

// TerminateDaemon ends the session daemon's shell using the pid recorded
// at creation: SIGTERM, up to grace for it to exit, then SIGKILL. The
// daemon reaps the shell and exits with it. A missing pid file means the
// daemon is already gone.
func (s *Supervisor) TerminateDaemon(socketPath string, grace time.Duration) error {
	pidPath := pidPathFor(socketPath)
	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read daemon pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 1 {
		return fmt.Errorf("daemon pid file %s is malformed", pidPath)
	}

	if err := signalShell(pid, syscall.SIGTERM); err != nil {
		// Already gone.
		os.Remove(pidPath)
		return nil
	}
	deadline := time.Now().Add(grace)
	for processAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if processAlive(pid) {
		signalShell(pid, syscall.SIGKILL)
	}
	os.Remove(pidPath)
	return nil
}

// signalShell signals the shell's process group when it leads one,
// falling back to the single process.
func signalShell(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// pidPathFor is the daemon pid file recorded beside the session socket.
func pidPathFor(socketPath string) string {
	return socketPath + ".pid"
}

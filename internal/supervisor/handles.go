package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// CreatorHandle is the result of spawning a creator process. The creator
// daemonizes the session and exits on its own, so the handle deliberately
// exposes no I/O: its only purpose is to let the caller observe an
// abnormal immediate exit. It must not be retained after creation
// completes, and its type makes it unassignable to a session's live
// process reference.
type CreatorHandle struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// Wait blocks until the creator process exits or ctx is done. A non-zero
// exit (binary missing, socket path unwritable) is returned as an error.
func (h *CreatorHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.waitErr
	case <-ctx.Done():
		// The creator is expected to exit within the creation timeout.
		// Kill it so it does not linger; the daemon it may have already
		// forked is unaffected.
		if h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
		return ctx.Err()
	}
}

// AttacherHandle is a live, bidirectional connection to a session daemon.
// It is the only handle type a session may store as its live process
// reference. Reads return the session's output bytes; writes feed the
// shell's stdin through the daemon.
type AttacherHandle struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu       sync.Mutex
	exitCode int
	done     chan struct{}
}

func startAttacher(cmd *exec.Cmd, cols, rows uint16) (*AttacherHandle, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start attacher pty: %w", err)
	}

	h := &AttacherHandle{
		ptmx:     ptmx,
		cmd:      cmd,
		exitCode: -1,
		done:     make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		if err == nil {
			h.exitCode = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			h.exitCode = exitErr.ExitCode()
		}
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// Read returns output bytes produced by the session. After the attacher
// process exits, reads fail (typically with EIO from the closed PTY).
func (h *AttacherHandle) Read(p []byte) (int, error) {
	return h.ptmx.Read(p)
}

// Write forwards input bytes to the shell. Callers must serialize writes
// for a given session themselves.
func (h *AttacherHandle) Write(p []byte) (int, error) {
	return h.ptmx.Write(p)
}

// Resize updates the PTY window size. The daemon propagates the change
// to the shell via SIGWINCH.
func (h *AttacherHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Done is closed when the attacher process has exited.
func (h *AttacherHandle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the attacher's exit code, or -1 if it has not exited
// or was killed by a signal.
func (h *AttacherHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Terminate sends SIGTERM to the attacher's process group, waits up to
// grace for it to exit, then escalates to SIGKILL. It returns the exit
// code (-1 when killed). The session daemon is a separate process group
// and is not signaled.
func (h *AttacherHandle) Terminate(grace time.Duration) int {
	select {
	case <-h.done:
		h.Close()
		return h.ExitCode()
	default:
	}

	// The attacher was started with its own session (pty.Start sets
	// setsid), so a negative pid signals the whole tree.
	if h.cmd.Process != nil {
		syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
	}

	select {
	case <-h.done:
	case <-time.After(grace):
		if h.cmd.Process != nil {
			syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
		}
		<-h.done
	}

	h.Close()
	return h.ExitCode()
}

// Close releases the PTY. It does not signal the attacher process.
func (h *AttacherHandle) Close() error {
	return h.ptmx.Close()
}

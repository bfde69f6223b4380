package session

import (
	"context"
	"time"

	"github.com/perchterm/perch/internal/supervisor"
)

// WrapSupervisor adapts the dtach-backed supervisor to the Supervisor
// interface (its concrete handle return types need lifting to the
// interface types used here).
func WrapSupervisor(s *supervisor.Supervisor) Supervisor {
	return procSupervisor{s}
}

type procSupervisor struct {
	s *supervisor.Supervisor
}

func (p procSupervisor) SpawnCreator(ctx context.Context, socketPath, workDir, shell string) (Creator, error) {
	h, err := p.s.SpawnCreator(ctx, socketPath, workDir, shell)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p procSupervisor) SpawnAttacher(socketPath string, cols, rows uint16) (Attacher, error) {
	h, err := p.s.SpawnAttacher(socketPath, cols, rows)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p procSupervisor) ProbeSocket(socketPath string) supervisor.SocketState {
	return p.s.ProbeSocket(socketPath)
}

func (p procSupervisor) RemoveStaleSocket(socketPath string) error {
	return p.s.RemoveStaleSocket(socketPath)
}

func (p procSupervisor) TerminateDaemon(socketPath string, grace time.Duration) error {
	return p.s.TerminateDaemon(socketPath, grace)
}

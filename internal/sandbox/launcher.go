// Package sandbox spawns and tears down isolated chain processes for
// deploying and exploiting contracts. Every run gets its own process
// on its own port; the handle's Kill is safe to call more than once,
// so cleanup paths can fire without coordinating.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/chainproof/chainproof/pkg/metrics"
	"go.uber.org/zap"
)

type Launcher struct {
	bin     string
	portMin int
	portMax int

	lock     sync.Mutex
	nextPort int
	active   int
}

func NewLauncher(bin string, portMin, portMax int) *Launcher {
	return &Launcher{
		bin:      bin,
		portMin:  portMin,
		portMax:  portMax,
		nextPort: portMin,
	}
}

// Handle is one running sandbox chain.
type Handle struct {
	Port int

	cmd      *exec.Cmd
	launcher *Launcher
	killOnce sync.Once
	killErr  error
}

func (h *Handle) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", h.Port)
}

// Spawn starts a fresh chain process and waits until its RPC endpoint
// answers. The process is killed if readiness is not reached before
// ctx expires.
func (l *Launcher) Spawn(ctx context.Context) (*Handle, error) {
	port := l.allocPort()

	cmd := exec.Command(l.bin, "--port", strconv.Itoa(port), "--silent")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox chain: %w", err)
	}

	handle := &Handle{Port: port, cmd: cmd, launcher: l}

	if err := l.waitReady(ctx, handle); err != nil {
		_ = handle.Kill()
		return nil, fmt.Errorf("sandbox chain not ready on port %d: %w", port, err)
	}

	l.lock.Lock()
	l.active++
	metrics.UpdateSandboxActiveCountMetric(l.active)
	l.lock.Unlock()

	zap.S().Named("sandbox").Infow("sandbox chain started", "port", port, "pid", cmd.Process.Pid)

	return handle, nil
}

func (l *Launcher) waitReady(ctx context.Context, h *Handle) error {
	client := NewClient(h.URL())
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := client.BlockNumber(probeCtx)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Kill terminates the chain process. It is idempotent: only the first
// call kills, later calls return the first result.
func (h *Handle) Kill() error {
	h.killOnce.Do(func() {
		if h.cmd == nil || h.cmd.Process == nil {
			return
		}

		if err := h.cmd.Process.Kill(); err != nil {
			h.killErr = err
		}
		_ = h.cmd.Wait()

		if h.launcher != nil {
			h.launcher.lock.Lock()
			if h.launcher.active > 0 {
				h.launcher.active--
			}
			metrics.UpdateSandboxActiveCountMetric(h.launcher.active)
			h.launcher.lock.Unlock()
		}

		zap.S().Named("sandbox").Infow("sandbox chain killed", "port", h.Port)
	})
	return h.killErr
}

func (l *Launcher) allocPort() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	port := l.nextPort
	l.nextPort++
	if l.nextPort > l.portMax {
		l.nextPort = l.portMin
	}
	return port
}

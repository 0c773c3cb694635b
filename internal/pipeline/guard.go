package pipeline

import (
	"sync"

	"go.uber.org/zap"
)

type cleanup struct {
	name string
	fn   func() error
}

// Guard collects cleanup functions owned by a single run and releases
// them in reverse registration order. Release runs each function at
// most once; calling Release again is a no-op. Cleanup errors are
// logged, never propagated, so a failed teardown cannot mask the
// run's own error.
type Guard struct {
	mu       sync.Mutex
	cleanups []cleanup
	log      *zap.SugaredLogger
}

func NewGuard() *Guard {
	return &Guard{
		cleanups: make([]cleanup, 0, 4),
		log:      zap.S().Named("pipeline"),
	}
}

// Add registers a cleanup function under a name used only for logging.
func (g *Guard) Add(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanups = append(g.cleanups, cleanup{name: name, fn: fn})
}

// Release runs all registered cleanups in LIFO order and empties the
// guard.
func (g *Guard) Release() {
	g.mu.Lock()
	cleanups := g.cleanups
	g.cleanups = nil
	g.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		if err := c.fn(); err != nil {
			g.log.Errorw("resource cleanup failed", "resource", c.name, "error", err)
		} else {
			g.log.Debugw("resource released", "resource", c.name)
		}
	}
}

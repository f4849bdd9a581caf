package core

import (
	"sync"

	"github.com/0xarbor/mars-core/internal/types"
)

// StateGate serializes access to the single-threaded core. The command loop
// owns the write lock for the duration of each command; query handlers take
// read locks and see only fully committed state.
type StateGate struct {
	mu   sync.RWMutex
	core *LendingCore
}

func NewStateGate(c *LendingCore) *StateGate {
	return &StateGate{core: c}
}

// Process runs one command through the core under the write lock.
func (g *StateGate) Process(cmd types.Command) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.core.ProcessCommand(cmd)
}

// View runs fn against the core under the read lock. fn must not retain
// references to mutable core state beyond the call.
func (g *StateGate) View(fn func(*LendingCore)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(g.core)
}

// Snapshot captures the core's snapshot state under the write lock so no
// command commits mid-capture.
func (g *StateGate) Snapshot() *SnapshotState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.core.CreateSnapshotState()
}

package engine

import (
	"sync"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
)

// emission is one settled result from a batch-aware transform, queued
// until the orchestrator drains it between rows.
type emission struct {
	tokenID string
	stateID string
	result  *plugins.TransformResult
}

// queuedPort collects batch-transform emissions. Workers call Emit from
// their own goroutines; the orchestrator drains on its single dispatch
// thread, so delivery order is exactly the adapter's emission order.
type queuedPort struct {
	mu      sync.Mutex
	pending []emission
}

func newQueuedPort() *queuedPort {
	return &queuedPort{}
}

func (p *queuedPort) Emit(tokenID, stateID string, result *plugins.TransformResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, emission{tokenID: tokenID, stateID: stateID, result: result})
}

// drain removes and returns every queued emission.
func (p *queuedPort) drain() []emission {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.pending
	p.pending = nil

	return out
}

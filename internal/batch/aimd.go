package batch

import (
	"context"
	"sync"
)

// AIMD defaults. The controller opens at the configured pool size and
// never drops below one in-flight call.
const (
	defaultAdditiveStep = 1.0
	defaultMultiplier   = 0.5
	minConcurrency      = 1
)

// aimdController governs effective concurrency for one endpoint scope.
// Successes add to the limit, backoffs halve it. Acquire blocks while
// active calls are at the current limit.
type aimdController struct {
	mu     sync.Mutex
	cond   *sync.Cond
	limit  float64
	max    float64
	active int
}

func newAIMDController(maxConcurrency int) *aimdController {
	c := &aimdController{
		limit: float64(maxConcurrency),
		max:   float64(maxConcurrency),
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// acquire blocks until a slot is available under the current limit or
// the context is done.
func (c *aimdController) acquire(ctx context.Context) error {
	// Wake waiters on cancellation; Wait cannot observe ctx directly.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.active >= int(c.limit) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.cond.Wait()
	}

	c.active++

	return nil
}

func (c *aimdController) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active--
	c.cond.Broadcast()
}

// onSuccess is the additive increase.
func (c *aimdController) onSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limit += defaultAdditiveStep
	if c.limit > c.max {
		c.limit = c.max
	}

	c.cond.Broadcast()
}

// onBackoff is the multiplicative decrease.
func (c *aimdController) onBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limit *= defaultMultiplier
	if c.limit < minConcurrency {
		c.limit = minConcurrency
	}
}

func (c *aimdController) currentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return int(c.limit)
}

// aimdRegistry holds one controller per endpoint scope.
type aimdRegistry struct {
	mu             sync.Mutex
	maxConcurrency int
	scopes         map[string]*aimdController
}

func newAIMDRegistry(maxConcurrency int) *aimdRegistry {
	return &aimdRegistry{
		maxConcurrency: maxConcurrency,
		scopes:         map[string]*aimdController{},
	}
}

func (r *aimdRegistry) scope(name string) *aimdController {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.scopes[name]
	if !ok {
		c = newAIMDController(r.maxConcurrency)
		r.scopes[name] = c
	}

	return c
}

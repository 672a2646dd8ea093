package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const logPrefix = "execution:context"

// BindingState is the target resolution state.
type BindingState string

const (
	StateNoTarget  BindingState = "NO_TARGET"
	StateResolving BindingState = "RESOLVING"
	StateBound     BindingState = "BOUND"
)

// Context resolves the target to act on and performs actions against it.
// The bound target is owned here; the mutex only guards snapshots read by
// status endpoints while the engine worker mutates it.
type Context struct {
	driver PageDriver

	mu     sync.RWMutex
	target *Target
	state  BindingState
}

// NewContext creates a Context with no bound target.
func NewContext(driver PageDriver) *Context {
	return &Context{driver: driver, state: StateNoTarget}
}

// State returns the current binding state and bound target id (empty if none).
func (c *Context) State() (BindingState, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.target == nil {
		return c.state, ""
	}
	return c.state, c.target.ID
}

func (c *Context) bind(t *Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = t
	if t == nil {
		c.state = StateNoTarget
		return
	}
	c.state = StateBound
}

func (c *Context) setState(s BindingState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Context) bound() *Target {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

// Current returns a live target: the bound one when still alive, otherwise
// whatever the driver reports as active. It never creates a target.
func (c *Context) Current(ctx context.Context) (Target, error) {
	if t := c.bound(); t != nil {
		if c.driver.IsAlive(ctx, *t) {
			return *t, nil
		}
		slog.Info(fmt.Sprintf("%s - bound target %s is gone, re-resolving", logPrefix, t.ID))
	}

	c.setState(StateResolving)
	t, err := c.driver.ResolveCurrentTarget(ctx)
	if err != nil {
		c.bind(nil)
		return Target{}, fmt.Errorf("%s - resolve current target: %w", logPrefix, err)
	}
	if t == nil {
		c.bind(nil)
		return Target{}, ErrNoActiveTarget
	}
	c.bind(t)
	slog.Debug(fmt.Sprintf("%s - bound target %s", logPrefix, t.ID))
	return *t, nil
}

// Open creates a target showing url and binds it as current.
func (c *Context) Open(ctx context.Context, url string) (Target, error) {
	t, err := c.driver.CreateTarget(ctx, url)
	if err != nil {
		return Target{}, fmt.Errorf("%s - open %s: %w", logPrefix, url, err)
	}
	if t == nil {
		return Target{}, fmt.Errorf("%s - open %s: driver returned no target", logPrefix, url)
	}
	c.bind(t)
	slog.Debug(fmt.Sprintf("%s - opened and bound target %s", logPrefix, t.ID))
	return *t, nil
}

// Reload reloads the current target. It fails with ErrNoActiveTarget when none exists.
func (c *Context) Reload(ctx context.Context) (Target, PageInfo, error) {
	t, err := c.Current(ctx)
	if err != nil {
		return Target{}, PageInfo{}, err
	}
	v, err := c.driver.Perform(ctx, t, Action{Kind: ActionReload})
	if err != nil {
		return t, PageInfo{}, err
	}
	info, _ := v.(PageInfo)
	return t, info, nil
}

// Perform resolves the current target and runs a on it.
func (c *Context) Perform(ctx context.Context, a Action) (Target, any, error) {
	t, err := c.Current(ctx)
	if err != nil {
		return Target{}, nil, err
	}
	v, err := c.driver.Perform(ctx, t, a)
	return t, v, err
}

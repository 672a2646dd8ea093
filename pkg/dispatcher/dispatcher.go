// Package dispatcher routes command envelopes to their handlers and packages
// every outcome as exactly one result envelope.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/browser-relay/pkg/envelope"
	"github.com/morezero/browser-relay/pkg/execution"
	"github.com/morezero/browser-relay/pkg/metrics"
)

const logPrefix = "dispatcher:dispatch"

// DefaultCommandTimeout bounds a single handler call unless the command is exempt.
const DefaultCommandTimeout = 30 * time.Second

// DefaultCancelGrace is how long a timed-out handler gets to return after its
// context is cancelled. Only then is the next command allowed to start.
const DefaultCancelGrace = time.Second

// ErrUnknownCommand is returned for a type with no registry entry.
var ErrUnknownCommand = errors.New("unknown command")

// HandlerError wraps a failure raised by a command's own logic. Its message is
// the underlying message, unchanged.
type HandlerError struct {
	Type string
	Err  error
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a handler that did not finish within the command timeout.
type TimeoutError struct {
	Type  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.After)
}

// TargetResolver supplies the target that NeedsTarget commands act on.
type TargetResolver interface {
	Current(ctx context.Context) (execution.Target, error)
}

// Dispatcher routes commands to registry entries.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	grace    time.Duration
	targets  TargetResolver
}

// NewDispatcher creates a Dispatcher over reg. A non-positive timeout disables
// the per-command deadline. targets may be nil, in which case NeedsTarget is
// left to the handlers.
func NewDispatcher(reg *Registry, timeout time.Duration, targets TargetResolver) *Dispatcher {
	return &Dispatcher{registry: reg, timeout: timeout, grace: DefaultCancelGrace, targets: targets}
}

// Registry returns the registry the dispatcher routes to.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs cmd and returns its result. It never panics and never returns
// a result with an id other than cmd.ID.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd envelope.Command) envelope.Result {
	slog.Debug(fmt.Sprintf("%s - type=%s id=%s", logPrefix, cmd.Type, cmd.ID))

	entry, ok := d.registry.Lookup(cmd.Type)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - unknown command type %q id=%s", logPrefix, cmd.Type, cmd.ID))
		metrics.ObserveCommand("unknown", false, 0)
		return envelope.Failure(cmd.ID, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type))
	}

	start := time.Now()
	value, err := d.invoke(ctx, entry, cmd)
	res := envelope.Correlate(cmd.ID, value, err)
	metrics.ObserveCommand(entry.Type, res.Success, time.Since(start))

	if err != nil {
		slog.Info(fmt.Sprintf("%s - %s id=%s failed: %v", logPrefix, cmd.Type, cmd.ID, err))
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, entry *Entry, cmd envelope.Command) (any, error) {
	if entry.NoTimeout || d.timeout <= 0 {
		return d.call(ctx, entry, cmd)
	}

	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := d.call(tctx, entry, cmd)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Type: entry.Type, After: d.timeout}
		}
		return o.value, o.err
	case <-tctx.Done():
		if !errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, tctx.Err()
		}
		// Let the handler observe cancellation so it stops touching the
		// target before the next command runs.
		grace := time.NewTimer(d.grace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			slog.Warn(fmt.Sprintf("%s - %s id=%s abandoned after %s", logPrefix, cmd.Type, cmd.ID, d.timeout+d.grace))
		}
		return nil, &TimeoutError{Type: entry.Type, After: d.timeout}
	}
}

func (d *Dispatcher) call(ctx context.Context, entry *Entry, cmd envelope.Command) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - %s id=%s panicked: %v", logPrefix, cmd.Type, cmd.ID, r))
			value, err = nil, &HandlerError{Type: entry.Type, Err: fmt.Errorf("%s handler panicked: %v", entry.Type, r)}
		}
	}()

	if entry.NeedsTarget && d.targets != nil {
		if _, err := d.targets.Current(ctx); err != nil {
			return nil, err
		}
	}

	value, err = entry.Handle(ctx, cmd.Params)
	if err != nil {
		return nil, &HandlerError{Type: entry.Type, Err: err}
	}
	return value, nil
}

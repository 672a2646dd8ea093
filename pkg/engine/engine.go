// Package engine joins a transport to a dispatcher. Commands are executed one
// at a time in arrival order, and each result is handed back to the transport
// before the next command starts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/morezero/browser-relay/pkg/envelope"
	"github.com/morezero/browser-relay/pkg/metrics"
	"github.com/morezero/browser-relay/pkg/transport"
)

const logPrefix = "engine:engine"

// DefaultQueueDepth is the number of commands that may wait for the worker.
const DefaultQueueDepth = 64

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("engine already started")

// Dispatcher executes one command.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd envelope.Command) envelope.Result
}

// Options tunes the engine.
type Options struct {
	// QueueDepth bounds waiting commands. When full the transport's receiver
	// blocks until the worker catches up.
	QueueDepth int
}

// Status is a point-in-time view of the engine.
type Status struct {
	Transport transport.StateSnapshot `json:"transport"`
	Queued    int                     `json:"queued"`
	Processed uint64                  `json:"processed"`
	Running   bool                    `json:"running"`
}

// Engine owns the command queue and its single worker.
type Engine struct {
	transport  transport.Transport
	dispatcher Dispatcher
	queue      chan envelope.Command

	// stopTransport ends the transport's context. Stop calls it only after
	// the queue has drained so drained results can still be delivered.
	stopTransport context.CancelFunc

	stopping  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	started   atomic.Bool
	running   atomic.Bool
	processed atomic.Uint64
}

// New creates an engine. Nothing runs until Start.
func New(tr transport.Transport, d Dispatcher, opts Options) *Engine {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Engine{
		transport:  tr,
		dispatcher: d,
		queue:      make(chan envelope.Command, depth),
		stopping:   make(chan struct{}),
	}
}

// Start launches the worker and then the transport.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	workCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go e.work(workCtx)

	trCtx, cancel := context.WithCancel(workCtx)
	e.stopTransport = cancel
	if err := e.transport.Start(trCtx, e.enqueue); err != nil {
		e.Stop()
		return fmt.Errorf("%s - failed to start %s transport: %w", logPrefix, e.transport.Mode(), err)
	}
	e.running.Store(true)
	slog.Info(fmt.Sprintf("%s - running with %s transport, queue depth %d", logPrefix, e.transport.Mode(), cap(e.queue)))
	return nil
}

// Run starts the engine and blocks until ctx is done, then stops it. The
// transport outlives ctx until the queue has drained.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// Stop finishes the commands already queued and sends their results, then
// closes the transport. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		slog.Info(fmt.Sprintf("%s - stopping, %d queued", logPrefix, len(e.queue)))
		close(e.stopping)
		e.wg.Wait()
		if e.stopTransport != nil {
			e.stopTransport()
		}
		e.transport.Stop()
		e.running.Store(false)
		if n := len(e.queue); n > 0 {
			slog.Warn(fmt.Sprintf("%s - %d commands arrived during shutdown and were not run", logPrefix, n))
		}
	})
}

// Status reports queue and transport state.
func (e *Engine) Status() Status {
	return Status{
		Transport: e.transport.State(),
		Queued:    len(e.queue),
		Processed: e.processed.Load(),
		Running:   e.running.Load(),
	}
}

// enqueue is the transport's inbound callback.
func (e *Engine) enqueue(cmd envelope.Command) {
	select {
	case <-e.stopping:
		slog.Warn(fmt.Sprintf("%s - rejecting %s id=%s: shutting down", logPrefix, cmd.Type, cmd.ID))
		return
	default:
	}
	select {
	case e.queue <- cmd:
		metrics.SetQueueDepth(len(e.queue))
	case <-e.stopping:
		slog.Warn(fmt.Sprintf("%s - rejecting %s id=%s: shutting down", logPrefix, cmd.Type, cmd.ID))
	}
}

func (e *Engine) work(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case cmd := <-e.queue:
			e.process(ctx, cmd)
		case <-e.stopping:
			for {
				select {
				case cmd := <-e.queue:
					e.process(ctx, cmd)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) process(ctx context.Context, cmd envelope.Command) {
	metrics.SetQueueDepth(len(e.queue))
	res := e.dispatcher.Dispatch(ctx, cmd)
	e.transport.Send(ctx, res)
	e.processed.Add(1)
}

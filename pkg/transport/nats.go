package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/browser-relay/pkg/commsutil"
	"github.com/morezero/browser-relay/pkg/envelope"
	"github.com/morezero/browser-relay/pkg/metrics"
)

const natsLogPrefix = "transport:nats"

// NATS receives command frames on the agent's command subject and publishes
// result frames and heartbeats on sibling subjects. Reconnects are handled by
// the COMMS client, forever, with the configured delay.
type NATS struct {
	opts  Options
	state *stateTracker

	mu  sync.Mutex
	nc  *comms.Conn
	sub *comms.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNATS creates a NATS transport for opts.EndpointURL (nats://).
func NewNATS(opts Options) *NATS {
	return &NATS{opts: opts.withDefaults(), state: newStateTracker(ModeNATS)}
}

func (n *NATS) Mode() Mode { return ModeNATS }

func (n *NATS) State() StateSnapshot { return n.state.snapshot() }

// Start connects, subscribes and starts the heartbeat ticker. An unreachable
// server is not an error: the client keeps retrying in the background.
func (n *NATS) Start(ctx context.Context, inbound InboundFunc) error {
	n.state.connecting()
	nc, err := commsutil.Connect(n.opts.EndpointURL, n.opts.AgentName, commsutil.ConnectOptions{
		ReconnectWait:        n.opts.ReconnectDelay,
		MaxReconnects:        -1,
		RetryOnFailedConnect: true,
		OnConnect:            func(string) { n.state.connected() },
		OnDisconnect: func(err error) {
			metrics.IncTransportError(string(ModeNATS), "disconnect")
			n.state.disconnected(err)
		},
		OnReconnect: func(string) {
			metrics.IncReconnect(string(ModeNATS))
			n.state.connected()
		},
		OnClosed: func() { n.state.disconnected(nil) },
	})
	if err != nil {
		n.state.disconnected(err)
		return &TransportError{Mode: ModeNATS, Op: "connect", Err: err}
	}
	if nc.IsConnected() {
		n.state.connected()
	}

	sub, err := nc.Subscribe(commsutil.BuildCommandSubject(n.opts.AgentName), func(msg *comms.Msg) {
		n.handle(msg, inbound)
	})
	if err != nil {
		nc.Close()
		return &TransportError{Mode: ModeNATS, Op: "subscribe", Err: err}
	}
	if nc.IsConnected() {
		// Round-trip so the subscription is active on the server before Start returns.
		if err := nc.Flush(); err != nil {
			slog.Warn(fmt.Sprintf("%s - flush after subscribe: %v", natsLogPrefix, err))
		}
	}

	n.mu.Lock()
	n.nc, n.sub = nc, sub
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wg.Add(1)
	go n.heartbeatLoop(ctx)
	slog.Info(fmt.Sprintf("%s - listening on %s", natsLogPrefix, sub.Subject))
	return nil
}

func (n *NATS) handle(msg *comms.Msg, inbound InboundFunc) {
	frame, err := commsutil.DecodeFrame(msg.Data)
	if err == nil {
		var cmd envelope.Command
		if cmd, err = commsutil.CommandFromFrame(frame); err == nil {
			inbound(cmd)
			return
		}
	}
	metrics.IncMalformedFrame()
	slog.Warn(fmt.Sprintf("%s - dropping message on %s: %v", natsLogPrefix, msg.Subject, err))
}

func (n *NATS) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()
	subject := commsutil.BuildHeartbeatSubject(n.opts.AgentName)
	for {
		if nc := n.conn(); nc != nil && nc.IsConnected() {
			if err := nc.Publish(subject, commsutil.EncodeHeartbeat()); err != nil {
				slog.Warn(fmt.Sprintf("%s - heartbeat failed: %v", natsLogPrefix, err))
			} else {
				n.state.heartbeat(time.Now())
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *NATS) conn() *comms.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nc
}

// Send publishes a result frame. While disconnected the client buffers it
// until reconnect; a full buffer drops it.
func (n *NATS) Send(_ context.Context, res envelope.Result) {
	nc := n.conn()
	if nc == nil {
		slog.Warn(fmt.Sprintf("%s - dropping result %s: %v", natsLogPrefix, res.ID, errNotConnected))
		return
	}
	data, err := commsutil.EncodeResultFrame(res)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", natsLogPrefix, err))
		return
	}
	if err := nc.Publish(commsutil.BuildResultSubject(n.opts.AgentName), data); err != nil {
		metrics.IncTransportError(string(ModeNATS), "send")
		slog.Warn(fmt.Sprintf("%s - dropping result %s: %v", natsLogPrefix, res.ID, err))
	}
}

// Stop unsubscribes, flushes pending results and closes the connection.
func (n *NATS) Stop() {
	if n.cancel != nil {
		n.cancel()
		n.wg.Wait()
	}
	n.mu.Lock()
	nc, sub := n.nc, n.sub
	n.nc, n.sub = nil, nil
	n.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil {
		if err := nc.FlushTimeout(n.opts.SendTimeout); err != nil && nc.IsConnected() {
			slog.Warn(fmt.Sprintf("%s - flush on stop: %v", natsLogPrefix, err))
		}
		nc.Close()
	}
	n.state.disconnected(nil)
}

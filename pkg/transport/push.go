package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/browser-relay/pkg/commsutil"
	"github.com/morezero/browser-relay/pkg/envelope"
	"github.com/morezero/browser-relay/pkg/metrics"
)

const pushLogPrefix = "transport:push"

var errNotConnected = errors.New("not connected")

// Push keeps a WebSocket open to the controller, reconnecting forever after a
// fixed delay. Heartbeats go out on a ticker regardless of other traffic.
type Push struct {
	opts   Options
	state  *stateTracker
	dialer *websocket.Dialer

	// writeMu serializes writes and guards conn.
	writeMu sync.Mutex
	conn    *websocket.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPush creates a push transport for opts.EndpointURL (ws:// or wss://).
func NewPush(opts Options) *Push {
	opts = opts.withDefaults()
	return &Push{
		opts:   opts,
		state:  newStateTracker(ModePush),
		dialer: &websocket.Dialer{HandshakeTimeout: opts.SendTimeout},
	}
}

func (p *Push) Mode() Mode { return ModePush }

func (p *Push) State() StateSnapshot { return p.state.snapshot() }

// Start launches the connect loop.
func (p *Push) Start(ctx context.Context, inbound InboundFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(ctx, inbound)
	return nil
}

// Stop closes the socket and waits for the connect loop to exit.
func (p *Push) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *Push) run(ctx context.Context, inbound InboundFunc) {
	defer p.wg.Done()
	for {
		p.state.connecting()
		conn, err := p.dial(ctx)
		if err == nil {
			err = p.serve(ctx, conn, inbound)
		}
		p.state.disconnected(err)
		if ctx.Err() != nil {
			slog.Info(fmt.Sprintf("%s - stopped", pushLogPrefix))
			return
		}
		slog.Warn(fmt.Sprintf("%s - %v, reconnecting in %s", pushLogPrefix, err, p.opts.ReconnectDelay))

		timer := time.NewTimer(p.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		metrics.IncReconnect(string(ModePush))
	}
}

func (p *Push) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := p.dialer.DialContext(ctx, p.opts.EndpointURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		metrics.IncTransportError(string(ModePush), "dial")
		return nil, &TransportError{Mode: ModePush, Op: "dial", Err: err}
	}
	slog.Info(fmt.Sprintf("%s - connected to %s", pushLogPrefix, p.opts.EndpointURL))
	return conn, nil
}

// serve runs one connection until it fails or ctx ends.
func (p *Push) serve(ctx context.Context, conn *websocket.Conn, inbound InboundFunc) error {
	p.setConn(conn)
	p.state.connected()

	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		p.heartbeatLoop(hbCtx)
	}()

	err := p.readLoop(conn, inbound)

	hbCancel()
	hb.Wait()
	stopClose()
	p.setConn(nil)
	conn.Close()
	return err
}

func (p *Push) setConn(conn *websocket.Conn) {
	p.writeMu.Lock()
	p.conn = conn
	p.writeMu.Unlock()
}

func (p *Push) readLoop(conn *websocket.Conn, inbound InboundFunc) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			metrics.IncTransportError(string(ModePush), "read")
			return &TransportError{Mode: ModePush, Op: "read", Err: err}
		}

		frame, err := commsutil.DecodeFrame(data)
		if err != nil {
			p.dropFrame(err)
			continue
		}
		switch frame.Type {
		case commsutil.FrameCommand:
			cmd, err := commsutil.CommandFromFrame(frame)
			if err != nil {
				p.dropFrame(err)
				continue
			}
			inbound(cmd)
		case commsutil.FrameHeartbeat:
			p.state.heartbeat(time.Now())
		default:
			slog.Debug(fmt.Sprintf("%s - ignoring %q frame", pushLogPrefix, frame.Type))
		}
	}
}

func (p *Push) dropFrame(err error) {
	metrics.IncMalformedFrame()
	slog.Warn(fmt.Sprintf("%s - dropping frame: %v", pushLogPrefix, err))
}

// heartbeatLoop sends one heartbeat on connect and then one per interval.
func (p *Push) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := p.write(commsutil.EncodeHeartbeat()); err != nil {
			slog.Warn(fmt.Sprintf("%s - heartbeat failed: %v", pushLogPrefix, err))
		} else {
			p.state.heartbeat(time.Now())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Send writes a result frame. When the socket is down the result is dropped.
func (p *Push) Send(_ context.Context, res envelope.Result) {
	data, err := commsutil.EncodeResultFrame(res)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", pushLogPrefix, err))
		return
	}
	if err := p.write(data); err != nil {
		metrics.IncTransportError(string(ModePush), "send")
		slog.Warn(fmt.Sprintf("%s - dropping result %s: %v", pushLogPrefix, res.ID, err))
	}
}

func (p *Push) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.conn == nil {
		return errNotConnected
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.opts.SendTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

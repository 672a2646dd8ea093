package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/browser-relay/pkg/commsutil"
	"github.com/morezero/browser-relay/pkg/envelope"
	"github.com/morezero/browser-relay/pkg/metrics"
)

const pollLogPrefix = "transport:poll"

const maxPollBody = 4 << 20

// Poll asks the controller for the next command on every tick and posts
// results back. A failed poll is retried on the next tick.
type Poll struct {
	opts   Options
	base   string
	client *http.Client
	state  *stateTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoll creates a poll transport for opts.EndpointURL (http:// or https://).
func NewPoll(opts Options) *Poll {
	opts = opts.withDefaults()
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.SendTimeout}
	}
	return &Poll{
		opts:   opts,
		base:   strings.TrimSuffix(opts.EndpointURL, "/"),
		client: client,
		state:  newStateTracker(ModePoll),
	}
}

func (p *Poll) Mode() Mode { return ModePoll }

func (p *Poll) State() StateSnapshot { return p.state.snapshot() }

// Start launches the poll loop. The first poll happens immediately.
func (p *Poll) Start(ctx context.Context, inbound InboundFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state.connecting()
	p.wg.Add(1)
	go p.run(ctx, inbound)
	return nil
}

// Stop ends the poll loop and waits for it.
func (p *Poll) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.state.disconnected(nil)
}

func (p *Poll) run(ctx context.Context, inbound InboundFunc) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		p.pollOnce(ctx, inbound)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poll) pollOnce(ctx context.Context, inbound InboundFunc) {
	body, err := p.post(ctx, commsutil.PathPoll, []byte("{}"))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		wasConnected := p.state.snapshot().Connected()
		metrics.IncTransportError(string(ModePoll), "poll")
		p.state.disconnected(err)
		if wasConnected {
			slog.Warn(fmt.Sprintf("%s - %v", pollLogPrefix, err))
		} else {
			slog.Debug(fmt.Sprintf("%s - %v", pollLogPrefix, err))
		}
		return
	}
	if !p.state.snapshot().Connected() {
		slog.Info(fmt.Sprintf("%s - polling %s", pollLogPrefix, p.base))
	}
	p.state.connected()

	cmd, ok, err := commsutil.DecodePollResponse(body)
	if err != nil {
		metrics.IncMalformedFrame()
		slog.Warn(fmt.Sprintf("%s - dropping poll response: %v", pollLogPrefix, err))
		return
	}
	if !ok {
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
		slog.Debug(fmt.Sprintf("%s - assigned id %s to %s", pollLogPrefix, cmd.ID, cmd.Type))
	}
	inbound(cmd)
}

// Send posts the result. Failures are logged and the result is dropped.
func (p *Poll) Send(ctx context.Context, res envelope.Result) {
	data, err := commsutil.EncodePayload(commsutil.ResultSubmission{ID: res.ID, Result: res})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode result %s: %v", pollLogPrefix, res.ID, err))
		return
	}
	if _, err := p.post(ctx, commsutil.PathResult, data); err != nil {
		metrics.IncTransportError(string(ModePoll), "send")
		slog.Warn(fmt.Sprintf("%s - dropping result %s: %v", pollLogPrefix, res.ID, err))
	}
}

func (p *Poll) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Mode: ModePoll, Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransportError{Mode: ModePoll, Op: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return nil, &TransportError{Mode: ModePoll, Op: path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Mode: ModePoll, Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return body, nil
}

// Package transport keeps a channel to the controller open and moves command
// and result envelopes across it. Push mode holds a WebSocket, poll mode asks
// an HTTP endpoint on an interval and NATS mode rides a COMMS connection.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/morezero/browser-relay/pkg/envelope"
)

const logPrefix = "transport:transport"

// Mode identifies how the agent reaches the controller.
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
	ModeNATS Mode = "nats"
)

// Defaults for Options fields left zero.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollInterval      = time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultSendTimeout       = 10 * time.Second
	DefaultAgentName         = "browser-agent"
)

// InboundFunc receives each decoded command. It is called from the transport's
// receiving goroutine, one command at a time.
type InboundFunc func(cmd envelope.Command)

// Transport delivers commands to the engine and results back to the controller.
// Failures inside a transport are logged and retried; they never reach the caller.
type Transport interface {
	// Start begins connecting in the background. It returns once the
	// transport's goroutines are running.
	Start(ctx context.Context, inbound InboundFunc) error
	// Send delivers res at most once. Failures are logged and the result is dropped.
	Send(ctx context.Context, res envelope.Result)
	// Stop closes the connection and waits for the transport's goroutines.
	Stop()
	State() StateSnapshot
	Mode() Mode
}

// Options configures a transport.
type Options struct {
	EndpointURL       string
	AgentName         string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ReconnectDelay    time.Duration
	SendTimeout       time.Duration
	// HTTPClient is used by poll mode. Nil builds one bounded by SendTimeout.
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.AgentName == "" {
		o.AgentName = DefaultAgentName
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}

// ModeFor maps an endpoint URL scheme to a mode.
func ModeFor(endpoint string) (Mode, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%s - invalid endpoint %q: %w", logPrefix, endpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return ModePush, nil
	case "http", "https":
		return ModePoll, nil
	case "nats", "tls":
		return ModeNATS, nil
	default:
		return "", fmt.Errorf("%s - unsupported endpoint scheme %q", logPrefix, u.Scheme)
	}
}

// New builds the transport selected by the endpoint scheme.
func New(opts Options) (Transport, error) {
	mode, err := ModeFor(opts.EndpointURL)
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModePush:
		return NewPush(opts), nil
	case ModePoll:
		return NewPoll(opts), nil
	default:
		return NewNATS(opts), nil
	}
}

// TransportError describes a failed transport operation. It is logged and
// recorded on the connection state, never surfaced as a command result.
type TransportError struct {
	Mode Mode
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Mode, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Package commsutil provides the wire codec, subject naming and COMMS connection helpers.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ConnectOptions tunes Connect. Zero values use defaults.
type ConnectOptions struct {
	// ReconnectWait is the fixed delay between reconnect attempts.
	ReconnectWait time.Duration
	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	// RetryOnFailedConnect keeps retrying in the background when the first
	// connect fails instead of returning an error.
	RetryOnFailedConnect bool
	OnConnect            func(url string)
	OnDisconnect         func(err error)
	OnReconnect          func(url string)
	OnClosed             func()
}

// Connect creates a COMMS connection to the given URL.
func Connect(url, name string, opts ConnectOptions) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, name))

	wait := opts.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	maxReconnects := opts.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 60
	}

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(10*time.Second),
		comms.ReconnectWait(wait),
		comms.MaxReconnects(maxReconnects),
		comms.RetryOnFailedConnect(opts.RetryOnFailedConnect),
		comms.ConnectHandler(func(nc *comms.Conn) {
			if opts.OnConnect != nil {
				opts.OnConnect(nc.ConnectedUrl())
			}
		}),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
			if opts.OnReconnect != nil {
				opts.OnReconnect(nc.ConnectedUrl())
			}
		}),
		comms.ClosedHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
			if opts.OnClosed != nil {
				opts.OnClosed()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}

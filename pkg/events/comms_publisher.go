package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/browser-relay/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// ResultSubject overrides the base result subject (RESULT_EVENT_SUBJECT).
	ResultSubject string
}

// CommsPublisher publishes result events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	resultSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	subject := commsutil.SubjectResultEvents
	if opts != nil && opts.ResultSubject != "" {
		subject = opts.ResultSubject
	}
	return &CommsPublisher{nc: nc, resultSubject: subject}
}

// PublishResult publishes a ResultEvent to the per-command-type subject and
// to the base subject.
func (p *CommsPublisher) PublishResult(_ context.Context, event *ResultEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	if event.CommandType != "" {
		granular := commsutil.BuildResultEventSubject(p.resultSubject, event.CommandType)
		if err := p.nc.Publish(granular, data); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granular, err))
			return err
		}
	}

	if err := p.nc.Publish(p.resultSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.resultSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published result event for %s (%s)", commsPublisherLogPrefix, event.ID, event.CommandType))
	return nil
}

package events

import "context"

// EventPublisher is the interface for publishing result events.
type EventPublisher interface {
	PublishResult(ctx context.Context, event *ResultEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (relay without COMMS).
type NoOpPublisher struct{}

// PublishResult is a no-op.
func (p *NoOpPublisher) PublishResult(_ context.Context, _ *ResultEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *ResultEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *ResultEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishResult calls the callback.
func (p *CallbackPublisher) PublishResult(ctx context.Context, event *ResultEvent) error {
	return p.callback(ctx, event)
}

// Package events defines result events and the publishers that broadcast them.
package events

import (
	"time"

	"github.com/morezero/browser-relay/pkg/envelope"
)

// ResultEvent is emitted when the relay receives a command's result.
type ResultEvent struct {
	ID          string `json:"id"`
	CommandType string `json:"commandType"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Value       any    `json:"value,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// NewResultEvent builds the event for a stored record.
func NewResultEvent(rec envelope.Record) *ResultEvent {
	ts := rec.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &ResultEvent{
		ID:          rec.ID,
		CommandType: rec.CommandType,
		Success:     rec.Result.Success,
		Error:       rec.Result.Error,
		Value:       rec.Result.Value,
		Timestamp:   ts.UTC().Format(time.RFC3339Nano),
	}
}

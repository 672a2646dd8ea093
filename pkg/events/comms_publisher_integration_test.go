package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

// startTestServer starts an in-process NATS server on a random port.
func startTestServer(t *testing.T) (*comms.Conn, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("events:comms_publisher_integration_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("events:comms_publisher_integration_test - failed to connect: %v", err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}

func subscribeEvents(t *testing.T, nc *comms.Conn, subject string) chan *ResultEvent {
	t.Helper()
	received := make(chan *ResultEvent, 1)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var event ResultEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return received
}

func TestCommsPublisher_PublishResult_BothSubjects(t *testing.T) {
	nc, cleanup := startTestServer(t)
	defer cleanup()

	publisher := NewCommsPublisher(nc, nil)
	granular := subscribeEvents(t, nc, "browser.results.getPageInfo")
	global := subscribeEvents(t, nc, "browser.results")

	event := &ResultEvent{
		ID:          "cmd-1",
		CommandType: "getPageInfo",
		Success:     true,
		Value:       map[string]any{"title": "Shop"},
		Timestamp:   "2025-01-01T00:00:00Z",
	}
	if err := publisher.PublishResult(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishResult failed: %v", err)
	}
	nc.Flush()

	for _, ch := range []struct {
		name string
		ch   chan *ResultEvent
	}{
		{"granular", granular},
		{"global", global},
	} {
		select {
		case got := <-ch.ch:
			if got.ID != "cmd-1" {
				t.Errorf("events:comms_publisher_integration_test - %s ID = %q, want cmd-1", ch.name, got.ID)
			}
			if !got.Success {
				t.Errorf("events:comms_publisher_integration_test - %s expected success", ch.name)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("events:comms_publisher_integration_test - timeout waiting for %s event", ch.name)
		}
	}
}

func TestCommsPublisher_CustomSubject(t *testing.T) {
	nc, cleanup := startTestServer(t)
	defer cleanup()

	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{ResultSubject: "agents.done"})
	received := subscribeEvents(t, nc, "agents.done.click")

	err := publisher.PublishResult(context.Background(), &ResultEvent{ID: "c", CommandType: "click", Error: "element not found: #x"})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishResult failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got.Error != "element not found: #x" {
			t.Errorf("events:comms_publisher_integration_test - Error = %q", got.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for event")
	}
}

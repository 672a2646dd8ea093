package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/browser-relay/pkg/commsutil"
	"github.com/morezero/browser-relay/pkg/dispatcher"
	"github.com/morezero/browser-relay/pkg/driver/memdriver"
	"github.com/morezero/browser-relay/pkg/engine"
	"github.com/morezero/browser-relay/pkg/envelope"
	"github.com/morezero/browser-relay/pkg/execution"
	"github.com/morezero/browser-relay/pkg/relay"
	"github.com/morezero/browser-relay/pkg/transport"
)

const page = `<html><head><title>Dashboard</title></head><body><button id="save">Save</button></body></html>`

func startAgent(t *testing.T, endpoint string) *memdriver.Driver {
	t.Helper()
	drv := memdriver.New()
	drv.AddSite("https://app.example/", memdriver.Site{HTML: page})
	_, err := drv.Open("https://app.example/")
	require.NoError(t, err)

	d, err := dispatcher.New(execution.NewContext(drv), dispatcher.Options{})
	require.NoError(t, err)
	tr, err := transport.New(transport.Options{
		EndpointURL:       endpoint,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectDelay:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	e := engine.New(tr, d, engine.Options{})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return drv
}

func TestRelay_PollAgentEndToEnd(t *testing.T) {
	store := relay.NewMemoryStore(10)
	s := relay.NewServer(relay.Options{Store: store})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	startAgent(t, srv.URL)

	a := s.Submit(envelope.Command{Type: "getPageInfo"})
	b := s.Submit(envelope.Command{Type: "evaluate", Params: map[string]any{"script": "1+1"}})
	c := s.Submit(envelope.Command{Type: "click", Params: map[string]any{"selector": "#missing"}})

	recA := waitFor(t, store, a)
	info, ok := recA.Result.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Dashboard", info["title"])
	assert.Equal(t, "getPageInfo", recA.CommandType)

	assert.Equal(t, "2", waitFor(t, store, b).Result.Value)

	recC := waitFor(t, store, c)
	assert.False(t, recC.Result.Success)
	assert.Equal(t, "element not found: #missing", recC.Result.Error)
	assert.True(t, s.Status(context.Background()).Connected)
}

func TestRelay_PushAgentEndToEnd(t *testing.T) {
	store := relay.NewMemoryStore(10)
	s := relay.NewServer(relay.Options{Store: store})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	drv := startAgent(t, "ws"+strings.TrimPrefix(srv.URL, "http")+commsutil.PathSocket)
	require.Eventually(t, func() bool { return s.Status(context.Background()).PushAgents == 1 }, 2*time.Second, 5*time.Millisecond)

	id := s.Submit(envelope.Command{Type: "click", Params: map[string]any{"selector": "#save"}})
	rec := waitFor(t, store, id)
	require.True(t, rec.Result.Success, rec.Result.Error)
	assert.Equal(t, id, rec.Result.ID)

	snap, ok := drv.Snapshot("tab-1")
	require.True(t, ok)
	assert.Equal(t, []string{"#save"}, snap.Clicks)

	wait := s.Submit(envelope.Command{Type: "wait", Params: map[string]any{"duration": float64(30)}})
	assert.True(t, waitFor(t, store, wait).Result.Success)
}

func waitFor(t *testing.T, store relay.ResultStore, id string) envelope.Record {
	t.Helper()
	var rec *envelope.Record
	require.Eventually(t, func() bool {
		r, err := store.GetResult(context.Background(), id)
		rec = r
		return err == nil && r != nil
	}, 3*time.Second, 5*time.Millisecond, "relay:e2e_test - no result for %s", id)
	return *rec
}

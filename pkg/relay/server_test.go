package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/browser-relay/pkg/commsutil"
	"github.com/morezero/browser-relay/pkg/envelope"
	"github.com/morezero/browser-relay/pkg/events"
)

func postJSON(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func newTestRelay(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return s, srv
}

func TestServer_CommandPollResultCycle(t *testing.T) {
	published := make(chan *events.ResultEvent, 1)
	_, srv := newTestRelay(t, Options{Publisher: events.NewCallbackPublisher(func(_ context.Context, ev *events.ResultEvent) error {
		published <- ev
		return nil
	})})

	code, out := postJSON(t, srv.URL+commsutil.PathCommand, `{"command":{"type":"click","selector":"#buy"}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)

	status := getJSON(t, srv.URL+commsutil.PathStatus)
	assert.Equal(t, float64(1), status["queueLength"])
	assert.Equal(t, false, status["connected"])

	resp, err := http.Post(srv.URL+commsutil.PathPoll, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	body := new(bytes.Buffer)
	_, err = body.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	cmd, ok, err := commsutil.DecodePollResponse(body.Bytes())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, cmd.ID)
	assert.Equal(t, "click", cmd.Type)
	assert.Equal(t, "#buy", cmd.Params["selector"])

	_, empty := postJSON(t, srv.URL+commsutil.PathPoll, `{}`)
	assert.Nil(t, empty["command"])

	code, _ = postJSON(t, srv.URL+commsutil.PathResult, `{"id":"`+id+`","result":{"success":true,"value":{"clicked":"#buy","index":0}}}`)
	require.Equal(t, http.StatusOK, code)

	got := getJSON(t, srv.URL+commsutil.PathResult+"?id="+id)
	assert.Equal(t, "click", got["commandType"])
	result, _ := got["result"].(map[string]any)
	require.NotNil(t, result)
	assert.Equal(t, id, result["id"])
	assert.Equal(t, true, result["success"])

	select {
	case ev := <-published:
		assert.Equal(t, id, ev.ID)
		assert.Equal(t, "click", ev.CommandType)
	case <-time.After(time.Second):
		t.Fatal("relay:server_test - no result event")
	}

	status = getJSON(t, srv.URL+commsutil.PathStatus)
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, float64(0), status["queueLength"])
	assert.Equal(t, float64(1), status["storedResults"])
}

func TestServer_RejectsBadRequests(t *testing.T) {
	_, srv := newTestRelay(t, Options{})

	tests := []struct {
		name string
		path string
		body string
	}{
		{"command without body", commsutil.PathCommand, ``},
		{"command missing", commsutil.PathCommand, `{}`},
		{"command without type", commsutil.PathCommand, `{"command":{"selector":"#x"}}`},
		{"result missing id", commsutil.PathResult, `{"result":{"success":true}}`},
		{"result missing result", commsutil.PathResult, `{"id":"x"}`},
		{"result null", commsutil.PathResult, `{"id":"x","result":null}`},
		{"result not an object", commsutil.PathResult, `{"id":"x","result":"done"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := postJSON(t, srv.URL+tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestServer_UnknownResult(t *testing.T) {
	_, srv := newTestRelay(t, Options{})

	for _, url := range []string{srv.URL + commsutil.PathResult, srv.URL + commsutil.PathResult + "?id=nope"} {
		out := getJSON(t, url)
		assert.Equal(t, true, out["success"])
		assert.Nil(t, out["result"])
	}
}

func TestServer_TargetedPoll(t *testing.T) {
	s, srv := newTestRelay(t, Options{})
	s.Submit(envelope.Command{ID: "first", Type: "getPageInfo"})
	s.Submit(envelope.Command{ID: "second", Type: "getText"})

	_, out := postJSON(t, srv.URL+commsutil.PathPoll+"?id=second", `{}`)
	assert.Equal(t, "second", out["id"])
	assert.Equal(t, 1, s.Queue().Len())
}

func TestServer_LivenessWindow(t *testing.T) {
	s, srv := newTestRelay(t, Options{LivenessWindow: 30 * time.Millisecond})
	postJSON(t, srv.URL+commsutil.PathPoll, `{}`)
	assert.True(t, s.Status(context.Background()).Connected)

	require.Eventually(t, func() bool { return !s.Status(context.Background()).Connected }, time.Second, 5*time.Millisecond)
}

func TestServer_CORS(t *testing.T) {
	_, srv := newTestRelay(t, Options{})
	req, err := http.NewRequest(http.MethodOptions, srv.URL+commsutil.PathCommand, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

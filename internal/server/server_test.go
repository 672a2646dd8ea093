package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/browser-relay/internal/config"
	"github.com/morezero/browser-relay/pkg/driver/memdriver"
)

const serverTestPrefix = "server:server_test"

func testConfig() *config.Config {
	return &config.Config{
		EndpointURL:        "http://127.0.0.1:1",
		AgentName:          "browser-agent",
		HeartbeatInterval:  time.Second,
		PollInterval:       10 * time.Millisecond,
		ReconnectDelay:     20 * time.Millisecond,
		SendTimeout:        time.Second,
		CommandTimeout:     2 * time.Second,
		SelectorCap:        50,
		PayloadCap:         100000,
		QueueDepth:         8,
		Driver:             config.DriverMemory,
		RelayHTTPAddr:      "127.0.0.1:0",
		ResultRetention:    100,
		LivenessWindow:     30 * time.Second,
		ResultEventSubject: "browser.results",
		HealthCheckTimeout: time.Second,
		LogLevel:           "error",
	}
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRelay_HomeHealthAndMetrics(t *testing.T) {
	r, err := NewRelay(context.Background(), testConfig())
	require.NoError(t, err)
	defer r.Close()
	ts := httptest.NewServer(r.Handler())
	defer ts.Close()

	code, health := getJSON(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", health["status"])

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	page := new(bytes.Buffer)
	_, _ = page.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, page.String(), "Browser Relay")
	assert.Contains(t, page.String(), "<td>memory</td>")

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Relay API routes are mounted under the same handler.
	code, status := getJSON(t, ts.URL+"/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, status["success"])
}

func TestAgent_HealthBeforeRun(t *testing.T) {
	a, err := NewAgent(testConfig(), memdriver.New())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var h AgentHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "unhealthy", h.Status)
	assert.False(t, h.Engine.Running)
	assert.Contains(t, h.Commands, "getPageInfo")
	assert.NotContains(t, h.Commands, "extractData", "aliases are not listed")

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewAgent_RejectsBadEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.EndpointURL = "ftp://relay"
	_, err := NewAgent(cfg, memdriver.New())
	require.Error(t, err)
}

func TestOpenDriver_Memory(t *testing.T) {
	cfg := testConfig()
	d, closeDriver, err := OpenDriver(context.Background(), cfg)
	require.NoError(t, err)
	defer closeDriver()
	assert.IsType(t, &memdriver.Driver{}, d)

	cfg.Driver = "firefox"
	_, _, err = OpenDriver(context.Background(), cfg)
	assert.Error(t, err)
}

func TestAgentAndRelay_EndToEnd(t *testing.T) {
	cfg := testConfig()
	r, err := NewRelay(context.Background(), cfg)
	require.NoError(t, err)
	defer r.Close()
	ts := httptest.NewServer(r.Handler())
	defer ts.Close()

	driver := memdriver.New()
	driver.AddSite("https://app.example/", memdriver.Site{
		HTML: `<html><head><title>Dashboard</title></head><body><button id="save">Save</button></body></html>`,
	})

	agentCfg := testConfig()
	agentCfg.EndpointURL = ts.URL
	a, err := NewAgent(agentCfg, driver)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	submitted := postJSON(t, ts.URL+"/command", map[string]any{
		"command": map[string]any{"type": "navigate", "url": "https://app.example/"},
	})
	id, _ := submitted["id"].(string)
	require.NotEmpty(t, id)

	var result map[string]any
	require.Eventually(t, func() bool {
		_, body := getJSON(t, ts.URL+"/result?id="+id)
		result, _ = body["result"].(map[string]any)
		return result != nil
	}, 3*time.Second, 10*time.Millisecond, "%s - no result for %s", serverTestPrefix, id)
	assert.Equal(t, true, result["success"])

	require.Eventually(t, func() bool {
		return a.Health().Status == "healthy"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "BOUND", string(a.Health().Binding))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("%s - agent did not stop", serverTestPrefix)
	}
}

func TestRelay_PublishesResultEvents(t *testing.T) {
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	defer ns.Shutdown()
	require.True(t, ns.ReadyForConnections(5*time.Second))

	cfg := testConfig()
	cfg.COMMSURL = ns.ClientURL()
	r, err := NewRelay(context.Background(), cfg)
	require.NoError(t, err)
	defer r.Close()
	ts := httptest.NewServer(r.Handler())
	defer ts.Close()

	sub, err := comms.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *comms.Msg, 4)
	_, err = sub.ChanSubscribe("browser.results.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	submitted := postJSON(t, ts.URL+"/command", map[string]any{
		"command": map[string]any{"type": "getPageInfo"},
	})
	id := submitted["id"].(string)
	postJSON(t, ts.URL+"/poll", map[string]any{})
	postJSON(t, ts.URL+"/result", map[string]any{
		"id":     id,
		"result": map[string]any{"id": id, "success": true, "value": map[string]any{"title": "Dashboard"}},
	})

	select {
	case msg := <-msgs:
		assert.Equal(t, "browser.results.getPageInfo", msg.Subject)
		assert.True(t, strings.Contains(string(msg.Data), id))
	case <-time.After(3 * time.Second):
		t.Fatalf("%s - no result event published", serverTestPrefix)
	}

	code, health := getJSON(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	checks := health["checks"].(map[string]any)
	assert.Equal(t, true, checks["comms"])
}

func TestLoadMigrations(t *testing.T) {
	cfg := testConfig()
	migrations, err := loadMigrations(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, migrations)

	cfg.MigrationPath = t.TempDir()
	migrations, err = loadMigrations(cfg)
	require.NoError(t, err)
	assert.Empty(t, migrations)
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	cfg := testConfig()
	assert.Error(t, MigrateUp(context.Background(), cfg))
	assert.Error(t, MigrateStatus(context.Background(), cfg, &bytes.Buffer{}))
	assert.Error(t, PurgeResults(context.Background(), cfg, &bytes.Buffer{}))
	assert.Error(t, EnsureDB(context.Background(), cfg, "relay"))
}

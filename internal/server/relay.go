package server

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/browser-relay/internal/config"
	"github.com/morezero/browser-relay/pkg/commsutil"
	"github.com/morezero/browser-relay/pkg/db"
	"github.com/morezero/browser-relay/pkg/events"
	"github.com/morezero/browser-relay/pkg/metrics"
	"github.com/morezero/browser-relay/pkg/relay"
)

const relayLogPrefix = "server:relay"

// Relay is the browser-relay process: the relay API plus health, metrics and
// a status page, with optional Postgres storage and NATS result events.
type Relay struct {
	cfg    *config.Config
	srv    *relay.Server
	pool   *pgxpool.Pool
	nc     *comms.Conn
	store  string
	router chi.Router
}

// RelayHealth is the body of the relay's /health endpoint.
type RelayHealth struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Relay     relay.Status    `json:"relay"`
	Timestamp string          `json:"timestamp"`
}

// NewRelay connects the configured backends and builds the relay.
func NewRelay(ctx context.Context, cfg *config.Config) (*Relay, error) {
	r := &Relay{cfg: cfg, store: "memory"}

	var store relay.ResultStore = relay.NewMemoryStore(cfg.ResultRetention)
	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
				return nil, fmt.Errorf("%s - failed to ensure database: %w", relayLogPrefix, err)
			}
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to database: %w", relayLogPrefix, err)
		}
		r.pool = pool
		if cfg.RunMigrations {
			if err := applyMigrations(ctx, cfg, pool); err != nil {
				r.Close()
				return nil, err
			}
		}
		store = db.NewResultRepository(pool, cfg.ResultRetention)
		r.store = "postgres"
	}

	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if cfg.COMMSURL != "" {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, commsutil.ConnectOptions{})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", relayLogPrefix, err)
		}
		r.nc = nc
		publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{ResultSubject: cfg.ResultEventSubject})
		slog.Info(fmt.Sprintf("%s - Publishing result events to %s", relayLogPrefix, cfg.ResultEventSubject))
	}

	r.srv = relay.NewServer(relay.Options{
		Store:          store,
		Publisher:      publisher,
		LivenessWindow: cfg.LivenessWindow,
		WriteTimeout:   cfg.SendTimeout,
	})

	router := chi.NewRouter()
	router.Get("/", r.handleHome())
	router.Get("/health", r.handleHealth)
	router.Get("/ready", handleReady)
	router.Handle("/metrics", metrics.Handler())
	router.Mount("/", r.srv.Handler())
	r.router = router
	return r, nil
}

// Handler serves the relay API and the operational endpoints.
func (r *Relay) Handler() http.Handler {
	return r.router
}

// Server exposes the relay core.
func (r *Relay) Server() *relay.Server {
	return r.srv
}

// Health checks the optional backends and reports relay status.
func (r *Relay) Health(ctx context.Context) RelayHealth {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HealthCheckTimeout)
	defer cancel()

	h := RelayHealth{
		Status:    "healthy",
		Checks:    map[string]bool{},
		Relay:     r.srv.Status(ctx),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if r.pool != nil {
		h.Checks["database"] = r.pool.Ping(ctx) == nil
	}
	if r.nc != nil {
		h.Checks["comms"] = r.nc.IsConnected()
	}
	for _, ok := range h.Checks {
		if !ok {
			h.Status = "unhealthy"
		}
	}
	return h
}

func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	h := r.Health(req.Context())
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// Run serves on RELAY_HTTP_ADDR until ctx is done, then closes the relay.
func (r *Relay) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              r.cfg.RelayHTTPAddr,
		Handler:           r.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info(fmt.Sprintf("%s - browser-relay is ready (store=%s)", relayLogPrefix, r.store))
	err := serveHTTP(ctx, srv, r.cfg.HealthCheckTimeout)
	r.Close()
	return err
}

// Close disconnects push agents and releases COMMS and the database.
func (r *Relay) Close() {
	if r.srv != nil {
		r.srv.Close()
	}
	if r.nc != nil {
		if err := r.nc.Drain(); err != nil {
			slog.Warn(fmt.Sprintf("%s - COMMS drain: %v", relayLogPrefix, err))
		}
		r.nc = nil
	}
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
}

// RunRelay loads config, starts the relay and blocks until SIGINT or SIGTERM.
func RunRelay() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", relayLogPrefix, err)
	}
	SetupLogging(cfg)
	if err := cfg.ValidateForRelay(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting browser-relay on %s", relayLogPrefix, cfg.RelayHTTPAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := NewRelay(ctx, cfg)
	if err != nil {
		return err
	}
	if err := r.Run(ctx); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", relayLogPrefix))
	return nil
}

// homePageTemplate is the relay status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Browser Relay</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 600px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; width: 200px; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
  </style>
</head>
<body>
  <h1>Browser Relay</h1>
  <p class="meta">Command queue, agent liveness and stored results.</p>
  <p>Status: <span class="status-{{.Status}}">{{.Status}}</span></p>
  <table>
    <tr><th>Agent connected</th><td>{{if .Relay.Connected}}yes{{else}}no{{end}}</td></tr>
    <tr><th>Push agents</th><td>{{.Relay.PushAgents}}</td></tr>
    <tr><th>Last seen</th><td>{{if .Relay.LastSeen.IsZero}}never{{else}}{{.Relay.LastSeen.Format "2006-01-02T15:04:05Z07:00"}}{{end}}</td></tr>
    <tr><th>Queued commands</th><td>{{.Relay.QueueLength}}</td></tr>
    <tr><th>Stored results</th><td>{{.Relay.StoredResults}}</td></tr>
    <tr><th>Result store</th><td>{{.Store}}</td></tr>
    {{range $name, $ok := .Checks}}
    <tr><th>{{$name}}</th><td>{{if $ok}}OK{{else}}Failed{{end}}</td></tr>
    {{end}}
  </table>
  <p class="meta">Timestamp: {{.Timestamp}}</p>
</body>
</html>
`

type homeData struct {
	RelayHealth
	Store string
}

func (r *Relay) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, req *http.Request) {
		data := homeData{RelayHealth: r.Health(req.Context()), Store: r.store}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", relayLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

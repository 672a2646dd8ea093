package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/browser-relay/internal/config"
	"github.com/morezero/browser-relay/pkg/dispatcher"
	"github.com/morezero/browser-relay/pkg/driver/chromedriver"
	"github.com/morezero/browser-relay/pkg/driver/memdriver"
	"github.com/morezero/browser-relay/pkg/engine"
	"github.com/morezero/browser-relay/pkg/execution"
	"github.com/morezero/browser-relay/pkg/metrics"
	"github.com/morezero/browser-relay/pkg/transport"
)

const agentLogPrefix = "server:agent"

// Agent is the browser-agent process: engine, transport and the health endpoint.
type Agent struct {
	cfg       *config.Config
	exec      *execution.Context
	engine    *engine.Engine
	transport transport.Transport
	commands  []string
	router    chi.Router
}

// AgentHealth is the body of the agent's /health endpoint.
type AgentHealth struct {
	Status    string                 `json:"status"`
	Engine    engine.Status          `json:"engine"`
	Binding   execution.BindingState `json:"binding"`
	TargetID  string                 `json:"targetId,omitempty"`
	Commands  []string               `json:"commands"`
	Timestamp string                 `json:"timestamp"`
}

// NewAgent builds the command pipeline over driver. Nothing runs until Run.
func NewAgent(cfg *config.Config, driver execution.PageDriver) (*Agent, error) {
	exec := execution.NewContext(driver)
	d, err := dispatcher.New(exec, dispatcher.Options{
		CommandTimeout: cfg.CommandTimeout,
		SelectorCap:    cfg.SelectorCap,
		PayloadCap:     cfg.PayloadCap,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to build dispatcher: %w", agentLogPrefix, err)
	}
	tr, err := transport.New(transport.Options{
		EndpointURL:       cfg.EndpointURL,
		AgentName:         cfg.AgentName,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		SendTimeout:       cfg.SendTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to build transport: %w", agentLogPrefix, err)
	}

	a := &Agent{
		cfg:       cfg,
		exec:      exec,
		engine:    engine.New(tr, d, engine.Options{QueueDepth: cfg.QueueDepth}),
		transport: tr,
		commands:  d.Registry().Types(),
	}
	r := chi.NewRouter()
	r.Get("/health", a.handleHealth)
	r.Get("/ready", handleReady)
	r.Handle("/metrics", metrics.Handler())
	a.router = r
	return a, nil
}

// Handler serves /health, /ready and /metrics.
func (a *Agent) Handler() http.Handler {
	return a.router
}

// Health reports engine, transport and target binding state. The agent is
// healthy while the engine runs and the transport is connected.
func (a *Agent) Health() AgentHealth {
	st := a.engine.Status()
	binding, target := a.exec.State()
	h := AgentHealth{
		Status:    "healthy",
		Engine:    st,
		Binding:   binding,
		TargetID:  target,
		Commands:  a.commands,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if !st.Running || !st.Transport.Connected() {
		h.Status = "unhealthy"
	}
	return h
}

func (a *Agent) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := a.Health()
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// Run starts the engine and, when HTTP_PORT is non-zero, the health server.
// It blocks until ctx is done and the engine has drained.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	if a.cfg.HTTPPort > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
			Handler:           a.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			return serveHTTP(gctx, srv, a.cfg.HealthCheckTimeout)
		})
	}
	slog.Info(fmt.Sprintf("%s - browser-agent %s is ready (%s mode)", agentLogPrefix, a.cfg.AgentName, a.transport.Mode()))
	return g.Wait()
}

// OpenDriver returns the PageDriver selected by BROWSER_DRIVER and a func releasing it.
func OpenDriver(ctx context.Context, cfg *config.Config) (execution.PageDriver, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		slog.Warn(fmt.Sprintf("%s - using in-memory driver; no browser is attached", agentLogPrefix))
		return memdriver.New(), func() {}, nil
	case config.DriverChrome:
		d, err := chromedriver.New(ctx, chromedriver.Options{
			RemoteURL:         cfg.ChromeRemoteURL,
			Headless:          cfg.ChromeHeadless,
			ExecPath:          cfg.ChromeExecPath,
			VersionConstraint: cfg.VersionConstraint,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	default:
		return nil, nil, fmt.Errorf("%s - unknown browser driver %q", agentLogPrefix, cfg.Driver)
	}
}

// RunAgent loads config, starts the agent and blocks until SIGINT or SIGTERM.
func RunAgent() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", agentLogPrefix, err)
	}
	SetupLogging(cfg)
	if err := cfg.ValidateForAgent(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting browser-agent against %s", agentLogPrefix, cfg.EndpointURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, closeDriver, err := OpenDriver(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%s - failed to open browser: %w", agentLogPrefix, err)
	}
	defer closeDriver()

	agent, err := NewAgent(cfg, driver)
	if err != nil {
		return err
	}
	if err := agent.Run(ctx); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", agentLogPrefix))
	return nil
}

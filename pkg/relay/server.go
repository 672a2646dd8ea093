// Package relay is the controller-side meeting point for controllers and
// agents. Controllers queue commands and read results over HTTP. Agents either
// poll for commands and post results, or attach over a WebSocket and receive
// command frames as they are queued.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/morezero/browser-relay/pkg/commsutil"
	"github.com/morezero/browser-relay/pkg/envelope"
	"github.com/morezero/browser-relay/pkg/events"
	"github.com/morezero/browser-relay/pkg/metrics"
)

const logPrefix = "relay:server"

// DefaultLivenessWindow is how long a poll or heartbeat keeps the agent "connected".
const DefaultLivenessWindow = 30 * time.Second

const (
	defaultWriteTimeout = 10 * time.Second
	maxBodyBytes        = 8 << 20
)

var (
	errMissingCommand = errors.New("missing command")
	errMissingFields  = errors.New("missing id or result")
)

// Options configures a Server. Zero values use defaults.
type Options struct {
	Store          ResultStore
	Publisher      events.EventPublisher
	LivenessWindow time.Duration
	WriteTimeout   time.Duration
}

// Status is the body of GET /status.
type Status struct {
	Success       bool      `json:"success"`
	Connected     bool      `json:"connected"`
	QueueLength   int       `json:"queueLength"`
	StoredResults int       `json:"storedResults"`
	PushAgents    int       `json:"pushAgents"`
	LastSeen      time.Time `json:"lastSeen,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Server holds the command queue, the result store and attached push agents.
type Server struct {
	queue     *CommandQueue
	store     ResultStore
	publisher events.EventPublisher
	window    time.Duration
	writeWait time.Duration

	upgrader websocket.Upgrader
	router   chi.Router

	lastSeen atomic.Int64
	agents   atomic.Int32

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a relay server.
func NewServer(opts Options) *Server {
	s := &Server{
		queue:     NewCommandQueue(),
		store:     opts.Store,
		publisher: opts.Publisher,
		window:    opts.LivenessWindow,
		writeWait: opts.WriteTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	if s.store == nil {
		s.store = NewMemoryStore(DefaultRetention)
	}
	if s.publisher == nil {
		s.publisher = &events.NoOpPublisher{}
	}
	if s.window <= 0 {
		s.window = DefaultLivenessWindow
	}
	if s.writeWait <= 0 {
		s.writeWait = defaultWriteTimeout
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Post(commsutil.PathCommand, s.handleCommand)
	r.Post(commsutil.PathPoll, s.handlePoll)
	r.Post(commsutil.PathResult, s.handlePostResult)
	r.Get(commsutil.PathResult, s.handleGetResult)
	r.Get(commsutil.PathStatus, s.handleStatus)
	r.Get(commsutil.PathSocket, s.handleSocket)
	return r
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Queue exposes the pending command queue.
func (s *Server) Queue() *CommandQueue {
	return s.queue
}

// Submit queues cmd for the next agent, assigning an id when it has none.
func (s *Server) Submit(cmd envelope.Command) string {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	s.queue.Push(cmd)
	slog.Info(fmt.Sprintf("%s - queued %s id=%s", logPrefix, cmd.Type, cmd.ID))
	return cmd.ID
}

// AcceptResult stores a result reported by an agent and publishes its event.
func (s *Server) AcceptResult(ctx context.Context, id string, res envelope.Result) error {
	if res.ID == "" {
		res.ID = id
	}
	rec := envelope.Record{
		ID:          id,
		CommandType: s.queue.Complete(id),
		Result:      res,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveResult(ctx, rec); err != nil {
		return fmt.Errorf("%s - failed to store result %s: %w", logPrefix, id, err)
	}
	metrics.IncRelayResult()
	s.markSeen()
	if err := s.publisher.PublishResult(ctx, events.NewResultEvent(rec)); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish result event for %s: %v", logPrefix, id, err))
	}
	slog.Info(fmt.Sprintf("%s - result id=%s success=%t", logPrefix, id, res.Success))
	return nil
}

// Status reports queue, storage and agent liveness.
func (s *Server) Status(ctx context.Context) Status {
	stored, err := s.store.CountResults(ctx)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to count results: %v", logPrefix, err))
	}
	st := Status{
		Success:       true,
		QueueLength:   s.queue.Len(),
		StoredResults: stored,
		PushAgents:    int(s.agents.Load()),
		Timestamp:     time.Now().UTC(),
	}
	if ns := s.lastSeen.Load(); ns > 0 {
		st.LastSeen = time.Unix(0, ns).UTC()
	}
	st.Connected = st.PushAgents > 0 || (!st.LastSeen.IsZero() && time.Since(st.LastSeen) < s.window)
	return st
}

// Close disconnects push agents and waits for their handlers.
func (s *Server) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) markSeen() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command json.RawMessage `json:"command"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(body.Command) == 0 || string(body.Command) == "null" {
		respondError(w, http.StatusBadRequest, errMissingCommand)
		return
	}
	cmd, err := commsutil.DecodeCommand(uuid.NewString(), body.Command)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id := s.Submit(cmd)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.markSeen()
	p, ok := s.queue.Pop(r.URL.Query().Get("id"))
	if !ok {
		respondJSON(w, http.StatusOK, map[string]any{"success": true, "command": nil})
		return
	}
	raw, err := commsutil.EncodeCommand(p.Command)
	if err != nil {
		s.queue.PushFront(p)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	slog.Info(fmt.Sprintf("%s - delivering %s id=%s to poll agent", logPrefix, p.Command.Type, p.Command.ID))
	respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"id":         p.Command.ID,
		"command":    raw,
		"created_at": p.CreatedAt.UTC(),
	})
}

func (s *Server) handlePostResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if body.ID == "" || len(body.Result) == 0 || string(body.Result) == "null" {
		respondError(w, http.StatusBadRequest, errMissingFields)
		return
	}
	var res envelope.Result
	if err := json.Unmarshal(body.Result, &res); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid result: %w", err))
		return
	}
	if err := s.AcceptResult(r.Context(), body.ID, res); err != nil {
		slog.Error(err.Error())
		respondError(w, http.StatusInternalServerError, errors.New("failed to store result"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	var rec *envelope.Record
	if id != "" {
		var err error
		rec, err = s.store.GetResult(r.Context(), id)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to load result %s: %v", logPrefix, id, err))
			respondError(w, http.StatusInternalServerError, errors.New("failed to load result"))
			return
		}
	}
	if rec == nil {
		respondJSON(w, http.StatusOK, map[string]any{"success": true, "result": nil, "message": "no result yet"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"id":          rec.ID,
		"commandType": rec.CommandType,
		"result":      rec.Result,
		"time":        rec.ReceivedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Status(r.Context()))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

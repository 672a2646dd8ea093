package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/browser-relay/pkg/commsutil"
	"github.com/morezero/browser-relay/pkg/metrics"
)

const hubLogPrefix = "relay:hub"

// pushAgent is one attached WebSocket agent.
type pushAgent struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
}

func (a *pushAgent) write(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.writeWait)); err != nil {
		return err
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - upgrade failed: %v", hubLogPrefix, err))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.agents.Add(1)
	s.markSeen()
	slog.Info(fmt.Sprintf("%s - push agent attached from %s", hubLogPrefix, r.RemoteAddr))

	agent := &pushAgent{conn: conn, writeWait: s.writeWait}
	ctx, cancel := context.WithCancel(context.Background())
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		s.deliver(ctx, agent)
	}()

	s.readAgent(ctx, agent)

	cancel()
	writer.Wait()
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.agents.Add(-1)
	slog.Info(fmt.Sprintf("%s - push agent detached from %s", hubLogPrefix, r.RemoteAddr))
}

// deliver writes queued commands to the agent as they arrive. A command whose
// write fails goes back to the head of the queue.
func (s *Server) deliver(ctx context.Context, agent *pushAgent) {
	for {
		for {
			p, ok := s.queue.Pop("")
			if !ok {
				break
			}
			frame, err := commsutil.EncodeCommandFrame(p.Command)
			if err != nil {
				slog.Error(fmt.Sprintf("%s - dropping %s: %v", hubLogPrefix, p.Command.ID, err))
				continue
			}
			if err := agent.write(frame); err != nil {
				s.queue.PushFront(p)
				slog.Warn(fmt.Sprintf("%s - delivery of %s failed: %v", hubLogPrefix, p.Command.ID, err))
				return
			}
			slog.Info(fmt.Sprintf("%s - delivered %s id=%s to push agent", hubLogPrefix, p.Command.Type, p.Command.ID))
		}
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Ready():
		}
	}
}

func (s *Server) readAgent(ctx context.Context, agent *pushAgent) {
	for {
		_, data, err := agent.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := commsutil.DecodeFrame(data)
		if err != nil {
			metrics.IncMalformedFrame()
			slog.Warn(fmt.Sprintf("%s - dropping frame: %v", hubLogPrefix, err))
			continue
		}
		switch frame.Type {
		case commsutil.FrameHeartbeat:
			s.markSeen()
			if err := agent.write(commsutil.EncodeHeartbeat()); err != nil {
				return
			}
		case commsutil.FrameResult:
			if frame.Result == nil || frame.ID == "" {
				metrics.IncMalformedFrame()
				slog.Warn(fmt.Sprintf("%s - result frame without id or result", hubLogPrefix))
				continue
			}
			if err := s.AcceptResult(ctx, frame.ID, *frame.Result); err != nil {
				slog.Error(err.Error())
			}
		default:
			slog.Debug(fmt.Sprintf("%s - ignoring %q frame", hubLogPrefix, frame.Type))
		}
	}
}

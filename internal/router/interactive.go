package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kangkukjin/indiebizos/internal/engine"
	"github.com/kangkukjin/indiebizos/internal/task"
)

// inboundFrame is one request from an interactive client.
type inboundFrame struct {
	Scope     string `json:"scope"`
	Agent     string `json:"agent,omitempty"`
	Requester string `json:"requester,omitempty"`
	Content   string `json:"content"`
}

// outboundFrame is what the client receives: either a final answer or an
// error for a rejected submission.
type outboundFrame struct {
	Type    string `json:"type"` // "answer" | "error"
	Content string `json:"content"`
}

type wsSession struct {
	conn *websocket.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer only.
	writeMu sync.Mutex
}

func (s *wsSession) write(frame outboundFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

// InteractiveServer is the websocket front for the interactive channel.
// Each connection gets a session id; that id is the origin handle answers
// are routed back through.
type InteractiveServer struct {
	submit   SubmitFunc
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*wsSession
}

// NewInteractiveServer creates the websocket hub.
func NewInteractiveServer(submit SubmitFunc) *InteractiveServer {
	return &InteractiveServer{
		submit: submit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*wsSession),
	}
}

// ServeHTTP upgrades the connection and pumps inbound frames into the
// engine until the client disconnects.
func (s *InteractiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	id := uuid.NewString()
	sess := &wsSession{conn: conn}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	slog.Info("interactive session opened", "session_id", id, "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		conn.Close()
		slog.Info("interactive session closed", "session_id", id)
	}()

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("interactive read failed", "session_id", id, "error", err)
			}
			return
		}
		requester := frame.Requester
		if requester == "" {
			requester = "interactive:" + id
		}
		err := s.submit(r.Context(), engine.Submission{
			Scope:        frame.Scope,
			Agent:        frame.Agent,
			Content:      frame.Content,
			Requester:    requester,
			Channel:      task.ChannelInteractive,
			OriginHandle: id,
		})
		if err != nil {
			_ = sess.write(outboundFrame{Type: "error", Content: err.Error()})
		}
	}
}

// Push sends a final answer to the session named by handle.
func (s *InteractiveServer) Push(handle, answer string) error {
	s.mu.Lock()
	sess := s.sessions[handle]
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("interactive session %s is gone", handle)
	}
	return sess.write(outboundFrame{Type: "answer", Content: answer})
}

// Sender adapts the hub to the router's delivery surface.
func (s *InteractiveServer) Sender() DeliverFunc {
	return func(_ context.Context, t *task.Task, answer string) error {
		return s.Push(t.OriginHandle, answer)
	}
}

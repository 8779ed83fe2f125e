// Package realtime exposes the agent over a local WebSocket: events fan out
// to every connected UI, and UIs push prompts, cancels, and permission
// decisions back in.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anomalyco/deskagent/internal/agent"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local app, localhost origins only
	},
}

// TurnStream is one prompt turn's output handle.
type TurnStream interface {
	Chunks() <-chan string
	Wait(ctx context.Context) (string, error)
}

// Agent is the slice of the agent manager the bridge needs.
type Agent interface {
	Ready() bool
	Events() *agent.Sink
	Send(ctx context.Context, target agent.Target, message string, replay []agent.Turn) (TurnStream, error)
	Cancel(spaceID string) error
	RespondPermission(requestID, optionID string, cancelled bool) error
}

// WrapManager adapts *agent.Manager to the Agent interface.
func WrapManager(m *agent.Manager) Agent { return managerAgent{m} }

type managerAgent struct{ m *agent.Manager }

func (a managerAgent) Ready() bool         { return a.m.Ready() }
func (a managerAgent) Events() *agent.Sink { return a.m.Events() }

func (a managerAgent) Send(ctx context.Context, target agent.Target, message string, replay []agent.Turn) (TurnStream, error) {
	stream, err := a.m.Send(ctx, target, message, replay)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (a managerAgent) Cancel(spaceID string) error { return a.m.Cancel(spaceID) }

func (a managerAgent) RespondPermission(requestID, optionID string, cancelled bool) error {
	return a.m.RespondPermission(requestID, optionID, cancelled)
}

// Message is the envelope for both directions on the socket.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SendPayload struct {
	SpaceID string `json:"spaceId"`
	Dir     string `json:"dir,omitempty"`
	Message string `json:"message"`
}

type CancelPayload struct {
	SpaceID string `json:"spaceId"`
}

type PermissionPayload struct {
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type StatusPayload struct {
	Ready bool `json:"ready"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server owns the WebSocket connections and routes traffic between clients
// and the agent.
type Server struct {
	agent Agent
	// resolveDir maps a space id to the directory its sessions run in.
	resolveDir func(spaceID string) (string, error)
	log        *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

func New(a Agent, resolveDir func(spaceID string) (string, error), log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		agent:      a,
		resolveDir: resolveDir,
		log:        log,
		clients:    make(map[*client]bool),
	}
}

// Handler returns the HTTP handler: the WebSocket endpoint plus a health
// probe, CORS-wrapped.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StatusPayload{Ready: s.agent.Ready()})
	})
	return corsMiddleware(mux)
}

// Run forwards agent events to all connected clients until ctx ends.
func (s *Server) Run(ctx context.Context) {
	events, cancel := s.agent.Events().Subscribe()
	defer cancel()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broadcastEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), server: s}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	c.enqueue(mustMessage("status", StatusPayload{Ready: s.agent.Ready()}))

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		c.server.handleMessage(c, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue is non-blocking: a client that cannot keep up loses messages
// rather than stalling the publisher.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleMessage(c *client, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(c, "invalid-message", err.Error())
		return
	}

	switch msg.Type {
	case "send":
		s.handleSend(c, msg.Payload)
	case "cancel":
		s.handleCancel(c, msg.Payload)
	case "permission":
		s.handlePermission(c, msg.Payload)
	default:
		s.sendError(c, "unknown-type", "unknown message type: "+msg.Type)
	}
}

func (s *Server) handleSend(c *client, payload json.RawMessage) {
	var p SendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(c, "invalid-payload", err.Error())
		return
	}
	if p.SpaceID == "" || p.Message == "" {
		s.sendError(c, "invalid-payload", "spaceId and message are required")
		return
	}

	dir := p.Dir
	if dir == "" && s.resolveDir != nil {
		resolved, err := s.resolveDir(p.SpaceID)
		if err != nil {
			s.sendError(c, "unknown-space", err.Error())
			return
		}
		dir = resolved
	}

	stream, err := s.agent.Send(context.Background(), agent.Target{SpaceID: p.SpaceID, Dir: dir}, p.Message, nil)
	if err != nil {
		s.sendError(c, "send-failed", err.Error())
		return
	}
	// Clients follow the turn through broadcast events; the stream handle
	// just needs draining so the chunk buffer never saturates.
	go func() {
		for range stream.Chunks() {
		}
		stream.Wait(context.Background())
	}()
}

func (s *Server) handleCancel(c *client, payload json.RawMessage) {
	var p CancelPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(c, "invalid-payload", err.Error())
		return
	}
	if err := s.agent.Cancel(p.SpaceID); err != nil {
		s.sendError(c, "cancel-failed", err.Error())
	}
}

func (s *Server) handlePermission(c *client, payload json.RawMessage) {
	var p PermissionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(c, "invalid-payload", err.Error())
		return
	}
	if err := s.agent.RespondPermission(p.RequestID, p.OptionID, p.Cancelled); err != nil {
		s.sendError(c, "permission-failed", err.Error())
	}
}

func (s *Server) broadcastEvent(ev agent.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg, err := json.Marshal(Message{Type: "event", Payload: data})
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.enqueue(msg)
	}
}

func (s *Server) sendError(c *client, code, message string) {
	c.enqueue(mustMessage("error", ErrorPayload{Code: code, Message: message}))
}

func mustMessage(typ string, payload any) []byte {
	data, _ := json.Marshal(payload)
	msg, _ := json.Marshal(Message{Type: typ, Payload: data})
	return msg
}

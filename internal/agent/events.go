package agent

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/anomalyco/deskagent/internal/acp"
)

type EventType string

const (
	EventReady               EventType = "ready"
	EventAgentMessageChunk   EventType = "agent-message-chunk"
	EventUserMessageChunk    EventType = "user-message-chunk"
	EventAgentThoughtChunk   EventType = "agent-thought-chunk"
	EventToolCall            EventType = "tool-call"
	EventToolCallUpdate      EventType = "tool-call-update"
	EventPermissionRequested EventType = "permission-requested"
	EventCallCompleted       EventType = "call-completed"
	EventCallFailed          EventType = "call-failed"
	EventModeUpdate          EventType = "mode-update"
)

// Event is the UI-facing notification shape. SessionID and CallID let the
// consumer associate streamed content with the request that produced it.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	CallID    int64     `json:"callId,omitempty"`

	Text       string           `json:"text,omitempty"`
	ToolCall   *ToolCallEvent   `json:"toolCall,omitempty"`
	Permission *PermissionEvent `json:"permission,omitempty"`
	StopReason string           `json:"stopReason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Mode       string           `json:"mode,omitempty"`
}

type ToolCallEvent struct {
	ToolCallID string                 `json:"toolCallId"`
	Title      string                 `json:"title,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	RawInput   json.RawMessage        `json:"rawInput,omitempty"`
	Locations  []acp.ToolCallLocation `json:"locations,omitempty"`
	Content    json.RawMessage        `json:"content,omitempty"`
}

type PermissionEvent struct {
	RequestID string                 `json:"requestId"`
	Title     string                 `json:"title"`
	Kind      string                 `json:"kind,omitempty"`
	RawInput  json.RawMessage        `json:"rawInput,omitempty"`
	Options   []acp.PermissionOption `json:"options"`
}

const sinkBuffer = 256

// Sink fans events out to subscribers. Events for one session are published
// from a single goroutine in emission order, so each subscriber channel sees
// them in that order; there is no ordering between sessions. A subscriber
// that falls more than sinkBuffer events behind loses events rather than
// stalling the protocol read loop.
type Sink struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewSink(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log, subs: make(map[int]chan Event)}
}

// Subscribe returns an event channel and a cancel function. The channel is
// closed on cancel.
func (s *Sink) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan Event, sinkBuffer)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber.
func (s *Sink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("event sink subscriber lagging, dropping event", "type", ev.Type)
		}
	}
}

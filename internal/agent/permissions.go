package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/anomalyco/deskagent/internal/acp"
)

// Decision is the mediator's verdict on one permission ask.
type Decision struct {
	AutoApprove bool
	OptionID    string
}

// Mediator answers agent tool-permission requests: automatically when policy
// allows, otherwise by parking the request until a human decision arrives
// through Resolve. Each pending request has its own resolution channel, so
// any number of asks can wait concurrently and resolve in any order.
type Mediator struct {
	alwaysAllow func() bool
	sink        *Sink
	log         *slog.Logger

	mu      sync.Mutex
	pending map[string]chan permissionAnswer
}

type permissionAnswer struct {
	optionID  string
	cancelled bool
}

func NewMediator(alwaysAllow func() bool, sink *Sink, log *slog.Logger) *Mediator {
	if alwaysAllow == nil {
		alwaysAllow = func() bool { return false }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Mediator{
		alwaysAllow: alwaysAllow,
		sink:        sink,
		log:         log,
		pending:     make(map[string]chan permissionAnswer),
	}
}

// Intercept evaluates one request, either answering immediately or
// publishing it to the sink and blocking until Resolve (or ctx cancellation,
// which reads as a cancelled outcome).
func (m *Mediator) Intercept(ctx context.Context, callID int64, req *acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if d := Evaluate(req, m.alwaysAllow()); d.AutoApprove {
		m.log.Debug("auto-approved permission request", "title", strValue(req.ToolCall.Title), "option", d.OptionID)
		return acp.PermissionSelected(d.OptionID), nil
	}

	requestID := uuid.NewString()
	ch := make(chan permissionAnswer, 1)
	m.mu.Lock()
	m.pending[requestID] = ch
	m.mu.Unlock()

	m.sink.Publish(Event{
		Type:      EventPermissionRequested,
		SessionID: string(req.SessionID),
		CallID:    callID,
		Permission: &PermissionEvent{
			RequestID: requestID,
			Title:     strValue(req.ToolCall.Title),
			Kind:      strValue(req.ToolCall.Kind),
			RawInput:  req.ToolCall.RawInput,
			Options:   req.Options,
		},
	})

	select {
	case answer := <-ch:
		if answer.cancelled {
			return acp.PermissionCancelled(), nil
		}
		return acp.PermissionSelected(answer.optionID), nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
		return acp.PermissionCancelled(), nil
	}
}

// Resolve delivers the human decision for one request. Exactly one terminal
// response is ever sent per request id; a second Resolve for the same id
// returns ErrUnknownRequest.
func (m *Mediator) Resolve(requestID string, optionID string, cancelled bool) error {
	m.mu.Lock()
	ch, ok := m.pending[requestID]
	delete(m.pending, requestID)
	m.mu.Unlock()
	if !ok {
		m.log.Warn("permission decision for unknown request", "requestId", requestID)
		return ErrUnknownRequest
	}
	ch <- permissionAnswer{optionID: optionID, cancelled: cancelled}
	return nil
}

// Pending reports how many requests are awaiting a decision.
func (m *Mediator) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Evaluate applies the auto-approval policy: the global always-allow flag
// first, then a conservative read-only heuristic. Anything else needs a
// human. The heuristic trusts payload structure over wording: a title can
// say "read" all it wants, a content or replacement field means a write.
func Evaluate(req *acp.RequestPermissionRequest, alwaysAllow bool) Decision {
	option, hasAllow := allowOption(req.Options)
	if !hasAllow {
		return Decision{}
	}
	if alwaysAllow {
		return Decision{AutoApprove: true, OptionID: option}
	}
	if isReadOnlyRequest(req) {
		return Decision{AutoApprove: true, OptionID: option}
	}
	return Decision{}
}

// allowOption picks the option an auto-approval should answer with: the
// first allow-once option if present, otherwise the first allow-labeled one.
func allowOption(options []acp.PermissionOption) (string, bool) {
	for _, opt := range options {
		if opt.Kind == acp.PermissionAllowOnce {
			return opt.OptionID, true
		}
	}
	for _, opt := range options {
		if strings.HasPrefix(opt.Kind, "allow") {
			return opt.OptionID, true
		}
	}
	return "", false
}

// Payload fields that indicate a mutation. Presence of any of these makes a
// request unsafe no matter what the tool calls itself.
var writeFields = []string{
	"content", "new_string", "old_string", "new_str", "old_str",
	"newText", "oldText", "replacement", "edits",
}

var pathFields = []string{"path", "file_path", "filePath", "abs_path"}

// Tool kinds that mutate or execute; never auto-approved without the global
// flag.
var mutatingKinds = map[string]bool{
	"edit": true, "delete": true, "move": true, "execute": true,
}

var readOnlyKinds = map[string]bool{
	"read": true, "search": true,
}

func isReadOnlyRequest(req *acp.RequestPermissionRequest) bool {
	var payload map[string]json.RawMessage
	if len(req.ToolCall.RawInput) == 0 {
		return false
	}
	if err := json.Unmarshal(req.ToolCall.RawInput, &payload); err != nil {
		return false
	}

	for _, field := range writeFields {
		if _, ok := payload[field]; ok {
			return false
		}
	}

	if raw, ok := payload["command"]; ok {
		var command string
		if err := json.Unmarshal(raw, &command); err != nil {
			return false
		}
		return isSafeCommand(command)
	}

	kind := strValue(req.ToolCall.Kind)
	if mutatingKinds[kind] {
		return false
	}
	if readOnlyKinds[kind] {
		return true
	}
	for _, field := range pathFields {
		if _, ok := payload[field]; ok {
			return true
		}
	}
	return false
}

// Shell invocations approved without asking. Matching is on leading tokens,
// never substrings: "rm -rf /safe-looking" shares no leading token with any
// entry here.
var safeCommands = [][]string{
	{"ls"}, {"pwd"}, {"cat"}, {"head"}, {"tail"}, {"wc"},
	{"which"}, {"whoami"}, {"date"},
	{"git", "status"}, {"git", "log"}, {"git", "diff"},
	{"git", "branch"}, {"git", "show"}, {"git", "remote"},
	{"npm", "list"}, {"npm", "ls"},
}

func isSafeCommand(command string) bool {
	// Compound or redirected commands can smuggle anything past a prefix
	// match.
	if strings.ContainsAny(command, "|&;><`$") {
		return false
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, entry := range safeCommands {
		if matchesLeadingTokens(fields, entry) {
			return true
		}
	}
	// Version checks: exactly "<binary> --version".
	if len(fields) == 2 && fields[1] == "--version" {
		return true
	}
	return false
}

func matchesLeadingTokens(fields []string, entry []string) bool {
	if len(fields) < len(entry) {
		return false
	}
	for i, token := range entry {
		if fields[i] != token {
			return false
		}
	}
	return true
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

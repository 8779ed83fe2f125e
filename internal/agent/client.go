package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/anomalyco/deskagent/internal/acp"
)

// clientHandler implements the client side of the protocol: it turns
// streamed session updates into sink events, forwards permission asks to the
// mediator, and services the agent's filesystem requests.
type clientHandler struct {
	mgr      *Manager
	sink     *Sink
	mediator *Mediator
	log      *slog.Logger
}

func (h *clientHandler) SessionUpdate(ctx context.Context, note *acp.SessionNotification) {
	sid := string(note.SessionID)
	callID := h.mgr.callIDFor(note.SessionID)

	switch note.Update.Kind {
	case acp.UpdateAgentMessageChunk:
		text := contentText(note.Update.Content)
		h.mgr.deliverChunk(note.SessionID, text)
		h.sink.Publish(Event{Type: EventAgentMessageChunk, SessionID: sid, CallID: callID, Text: text})
	case acp.UpdateUserMessageChunk:
		h.sink.Publish(Event{Type: EventUserMessageChunk, SessionID: sid, CallID: callID, Text: contentText(note.Update.Content)})
	case acp.UpdateAgentThoughtChunk:
		h.sink.Publish(Event{Type: EventAgentThoughtChunk, SessionID: sid, CallID: callID, Text: contentText(note.Update.Content)})
	case acp.UpdateToolCall:
		start := note.Update.ToolCall
		if start == nil {
			return
		}
		h.sink.Publish(Event{Type: EventToolCall, SessionID: sid, CallID: callID, ToolCall: &ToolCallEvent{
			ToolCallID: start.ToolCallID,
			Title:      start.Title,
			Status:     start.Status,
			Kind:       start.Kind,
			RawInput:   start.RawInput,
			Locations:  start.Locations,
		}})
	case acp.UpdateToolCallUpdate:
		patch := note.Update.ToolUpdate
		if patch == nil {
			return
		}
		h.sink.Publish(Event{Type: EventToolCallUpdate, SessionID: sid, CallID: callID, ToolCall: &ToolCallEvent{
			ToolCallID: patch.ToolCallID,
			Title:      strValue(patch.Title),
			Status:     strValue(patch.Status),
			Kind:       strValue(patch.Kind),
			RawInput:   patch.RawInput,
			Content:    patch.Content,
		}})
	case acp.UpdateCurrentMode:
		h.sink.Publish(Event{Type: EventModeUpdate, SessionID: sid, CallID: callID, Mode: note.Update.CurrentModeID})
	default:
		// Plans, command lists and unrecognized variants are advisory.
		h.log.Debug("ignoring session update", "kind", note.Update.Kind)
	}
}

func (h *clientHandler) RequestPermission(ctx context.Context, req *acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	return h.mediator.Intercept(ctx, h.mgr.callIDFor(req.SessionID), req)
}

func (h *clientHandler) ReadTextFile(ctx context.Context, req *acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(data)
	if req.Line != nil || req.Limit != nil {
		content = sliceLines(content, req.Line, req.Limit)
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (h *clientHandler) WriteTextFile(ctx context.Context, req *acp.WriteTextFileRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(req.Path, []byte(req.Content), 0o644)
}

func contentText(block *acp.ContentBlock) string {
	if block == nil {
		return ""
	}
	return block.Text
}

// sliceLines applies the optional 1-based start line and line count from a
// read request.
func sliceLines(content string, line, limit *int) string {
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}

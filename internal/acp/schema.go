package acp

import "encoding/json"

// Protocol version this client speaks.
const ProtocolVersion = 1

// Method names on the agent side of the connection.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
)

// Method names the agent invokes on the client side.
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
)

type SessionID string

// ContentBlock is the text-bearing unit of prompts and message chunks. Other
// block types (image, resource) are preserved as raw JSON and ignored.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

type InitializeRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

type ClientCapabilities struct {
	Fs FileSystemCapability `json:"fs"`
}

type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type InitializeResponse struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       json.RawMessage `json:"authMethods,omitempty"`
}

type NewSessionRequest struct {
	Cwd        string            `json:"cwd"`
	McpServers []json.RawMessage `json:"mcpServers"`
}

type NewSessionResponse struct {
	SessionID SessionID `json:"sessionId"`
}

type PromptRequest struct {
	SessionID SessionID      `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// Stop reasons the agent reports when a prompt turn ends.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonRefusal   = "refusal"
	StopReasonCancelled = "cancelled"
)

type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

type CancelNotification struct {
	SessionID SessionID `json:"sessionId"`
}

// SessionUpdateKind tags the variants of a session/update notification.
type SessionUpdateKind string

const (
	UpdateAgentMessageChunk SessionUpdateKind = "agent_message_chunk"
	UpdateUserMessageChunk  SessionUpdateKind = "user_message_chunk"
	UpdateAgentThoughtChunk SessionUpdateKind = "agent_thought_chunk"
	UpdateToolCall          SessionUpdateKind = "tool_call"
	UpdateToolCallUpdate    SessionUpdateKind = "tool_call_update"
	UpdatePlan              SessionUpdateKind = "plan"
	UpdateAvailableCommands SessionUpdateKind = "available_commands_update"
	UpdateCurrentMode       SessionUpdateKind = "current_mode_update"
)

// SessionNotification is the params payload of a session/update notification.
type SessionNotification struct {
	SessionID SessionID     `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is a closed tagged union over the update kinds. Unknown tags
// decode with only Kind set so callers can log and drop them without failing
// the whole frame.
type SessionUpdate struct {
	Kind SessionUpdateKind

	Content       *ContentBlock  // message and thought chunks
	ToolCall      *ToolCallStart // tool_call
	ToolUpdate    *ToolCallPatch // tool_call_update
	CurrentModeID string         // current_mode_update

	raw json.RawMessage
}

type sessionUpdateWire struct {
	Kind          SessionUpdateKind `json:"sessionUpdate"`
	Content       *ContentBlock     `json:"content,omitempty"`
	CurrentModeID string            `json:"currentModeId,omitempty"`
}

func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var wire sessionUpdateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	u.Kind = wire.Kind
	u.raw = append(json.RawMessage(nil), data...)

	switch wire.Kind {
	case UpdateAgentMessageChunk, UpdateUserMessageChunk, UpdateAgentThoughtChunk:
		u.Content = wire.Content
	case UpdateToolCall:
		var start ToolCallStart
		if err := json.Unmarshal(data, &start); err != nil {
			return err
		}
		u.ToolCall = &start
	case UpdateToolCallUpdate:
		var patch ToolCallPatch
		if err := json.Unmarshal(data, &patch); err != nil {
			return err
		}
		u.ToolUpdate = &patch
	case UpdateCurrentMode:
		u.CurrentModeID = wire.CurrentModeID
	}
	return nil
}

func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	if u.raw != nil {
		return u.raw, nil
	}
	switch u.Kind {
	case UpdateToolCall:
		return marshalTagged(u.Kind, u.ToolCall)
	case UpdateToolCallUpdate:
		return marshalTagged(u.Kind, u.ToolUpdate)
	case UpdateCurrentMode:
		return json.Marshal(sessionUpdateWire{Kind: u.Kind, CurrentModeID: u.CurrentModeID})
	default:
		return json.Marshal(sessionUpdateWire{Kind: u.Kind, Content: u.Content})
	}
}

func marshalTagged(kind SessionUpdateKind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	fields["sessionUpdate"] = tag
	return json.Marshal(fields)
}

// Tool call lifecycle statuses.
const (
	ToolStatusPending    = "pending"
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)

type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// ToolCallStart announces a new tool invocation.
type ToolCallStart struct {
	ToolCallID string             `json:"toolCallId"`
	Title      string             `json:"title"`
	Kind       string             `json:"kind,omitempty"`
	Status     string             `json:"status,omitempty"`
	RawInput   json.RawMessage    `json:"rawInput,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
}

// ToolCallPatch carries incremental fields for an existing tool call. Pointer
// fields distinguish "absent" from "explicitly empty".
type ToolCallPatch struct {
	ToolCallID string          `json:"toolCallId"`
	Title      *string         `json:"title,omitempty"`
	Kind       *string         `json:"kind,omitempty"`
	Status     *string         `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// Permission option kinds, as the adapter labels them.
const (
	PermissionAllowOnce    = "allow_once"
	PermissionAllowAlways  = "allow_always"
	PermissionRejectOnce   = "reject_once"
	PermissionRejectAlways = "reject_always"
)

type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// RequestPermissionRequest is the agent asking whether it may run a tool.
type RequestPermissionRequest struct {
	SessionID SessionID          `json:"sessionId"`
	ToolCall  ToolCallPatch      `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

func PermissionSelected(optionID string) RequestPermissionResponse {
	return RequestPermissionResponse{Outcome: PermissionOutcome{Outcome: "selected", OptionID: optionID}}
}

func PermissionCancelled() RequestPermissionResponse {
	return RequestPermissionResponse{Outcome: PermissionOutcome{Outcome: "cancelled"}}
}

type ReadTextFileRequest struct {
	SessionID SessionID `json:"sessionId"`
	Path      string    `json:"path"`
	Line      *int      `json:"line,omitempty"`
	Limit     *int      `json:"limit,omitempty"`
}

type ReadTextFileResponse struct {
	Content string `json:"content"`
}

type WriteTextFileRequest struct {
	SessionID SessionID `json:"sessionId"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
}

package acp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC error codes used on the wire.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// Message is the JSON-RPC 2.0 envelope. A request has an ID and a method, a
// notification has a method only, and a response has an ID with a result or
// error.
type Message struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// MessageKind classifies a decoded envelope.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (m *Message) Kind() MessageKind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// EncodeRequest builds a request frame. params may be nil.
func EncodeRequest(id int64, method string, params any) ([]byte, error) {
	msg := Message{Jsonrpc: "2.0", ID: &id, Method: method}
	if err := setParams(&msg, params); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// EncodeNotification builds a frame with no id; no response is expected.
func EncodeNotification(method string, params any) ([]byte, error) {
	msg := Message{Jsonrpc: "2.0", Method: method}
	if err := setParams(&msg, params); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// EncodeResponse builds a success or error response for an agent-initiated
// request. Exactly one of result and wireErr should be set.
func EncodeResponse(id int64, result any, wireErr *WireError) ([]byte, error) {
	msg := Message{Jsonrpc: "2.0", ID: &id, Error: wireErr}
	if wireErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		msg.Result = data
	}
	return json.Marshal(msg)
}

// Decode parses one frame. A malformed or unclassifiable frame returns an
// error wrapping ErrParse; the caller logs and drops it without closing the
// connection.
func Decode(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if msg.Kind() == KindInvalid {
		return nil, fmt.Errorf("%w: frame is neither request, response nor notification", ErrParse)
	}
	return &msg, nil
}

func setParams(msg *Message, params any) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	msg.Params = data
	return nil
}

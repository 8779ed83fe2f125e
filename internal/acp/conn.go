package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// FrameWriter is the outbound half of a transport.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// ClientHandler receives the calls the agent makes back into the client:
// streamed session updates, permission asks, and filesystem operations.
// SessionUpdate is invoked synchronously from the read loop so updates for a
// session arrive in emission order; the other methods run concurrently.
type ClientHandler interface {
	SessionUpdate(ctx context.Context, note *SessionNotification)
	RequestPermission(ctx context.Context, req *RequestPermissionRequest) (RequestPermissionResponse, error)
	ReadTextFile(ctx context.Context, req *ReadTextFileRequest) (ReadTextFileResponse, error)
	WriteTextFile(ctx context.Context, req *WriteTextFileRequest) error
}

// Conn correlates outgoing calls with their responses and routes everything
// the agent sends back. Call ids are allocated from a single counter under
// the connection mutex and are never reused for the connection's lifetime.
type Conn struct {
	w       FrameWriter
	handler ClientHandler
	log     *slog.Logger
	trace   func(dir string, frame []byte)

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Pending
	closed  bool
}

// Pending is the handle for one in-flight call.
type Pending struct {
	ID int64
	ch chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

func NewConn(w FrameWriter, handler ClientHandler, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		w:       w,
		handler: handler,
		log:     log,
		pending: make(map[int64]*Pending),
	}
}

// SetFrameTrace installs an observer for raw frames in both directions.
func (c *Conn) SetFrameTrace(fn func(dir string, frame []byte)) {
	c.trace = fn
}

// Reserve allocates the next call id and registers its pending handle
// without writing anything. Callers that need to know the id before the
// request is on the wire reserve first, then Dispatch.
func (c *Conn) Reserve() (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrTransportClosed
	}
	c.nextID++
	p := &Pending{ID: c.nextID, ch: make(chan callResult, 1)}
	c.pending[p.ID] = p
	return p, nil
}

// Dispatch writes the request frame for a reserved handle. On failure the
// handle is unregistered and will never settle.
func (c *Conn) Dispatch(p *Pending, method string, params any) error {
	frame, err := EncodeRequest(p.ID, method, params)
	if err != nil {
		c.forget(p.ID)
		return err
	}
	if err := c.writeFrame(frame); err != nil {
		c.forget(p.ID)
		return err
	}
	return nil
}

// Issue is Reserve followed by Dispatch.
func (c *Conn) Issue(method string, params any) (*Pending, error) {
	p, err := c.Reserve()
	if err != nil {
		return nil, err
	}
	if err := c.Dispatch(p, method, params); err != nil {
		return nil, err
	}
	return p, nil
}

// Await blocks until the terminal outcome for the call arrives, the
// connection dies, or ctx is cancelled.
func (p *Pending) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-p.ch:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call is Issue followed by Await.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, err := c.Issue(method, params)
	if err != nil {
		return nil, err
	}
	return p.Await(ctx)
}

// Notify writes a fire-and-forget notification frame.
func (c *Conn) Notify(method string, params any) error {
	frame, err := EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// Run drives the read loop until the frame stream closes or ctx is
// cancelled. On either exit every pending call fails with ErrTransportClosed
// (or the context error) so no caller is left hanging.
func (c *Conn) Run(ctx context.Context, frames <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			c.failPending(ctx.Err())
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				c.failPending(ErrTransportClosed)
				return ErrTransportClosed
			}
			c.dispatch(ctx, frame)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, frame []byte) {
	if c.trace != nil {
		c.trace("recv", frame)
	}
	msg, err := Decode(frame)
	if err != nil {
		// A single malformed frame is dropped; the connection stays up.
		c.log.Warn("dropping malformed frame", "err", err)
		return
	}

	switch msg.Kind() {
	case KindResponse:
		c.settle(msg)
	case KindNotification:
		c.handleNotification(ctx, msg)
	case KindRequest:
		// Requests may block on a human decision, so they must not stall
		// the read loop. Only notification ordering is guaranteed.
		go c.handleRequest(ctx, msg)
	}
}

func (c *Conn) settle(msg *Message) {
	c.mu.Lock()
	p, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Warn("response for unknown call", "id", *msg.ID)
		return
	}
	if msg.Error != nil {
		p.ch <- callResult{err: msg.Error}
		return
	}
	p.ch <- callResult{result: msg.Result}
}

func (c *Conn) handleNotification(ctx context.Context, msg *Message) {
	if msg.Method != MethodSessionUpdate {
		c.log.Debug("ignoring notification", "method", msg.Method)
		return
	}
	var note SessionNotification
	if err := json.Unmarshal(msg.Params, &note); err != nil {
		c.log.Warn("dropping malformed session update", "err", err)
		return
	}
	c.handler.SessionUpdate(ctx, &note)
}

func (c *Conn) handleRequest(ctx context.Context, msg *Message) {
	result, err := c.invoke(ctx, msg)

	var frame []byte
	var encErr error
	if err != nil {
		frame, encErr = EncodeResponse(*msg.ID, nil, wireErrorFor(err))
	} else {
		frame, encErr = EncodeResponse(*msg.ID, result, nil)
	}
	if encErr != nil {
		c.log.Error("encoding response failed", "method", msg.Method, "err", encErr)
		return
	}
	if err := c.writeFrame(frame); err != nil {
		c.log.Warn("writing response failed", "method", msg.Method, "err", err)
	}
}

var errMethodNotFound = fmt.Errorf("method not found")

func (c *Conn) invoke(ctx context.Context, msg *Message) (any, error) {
	switch msg.Method {
	case MethodRequestPermission:
		var req RequestPermissionRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, err
		}
		return c.handler.RequestPermission(ctx, &req)
	case MethodReadTextFile:
		var req ReadTextFileRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, err
		}
		return c.handler.ReadTextFile(ctx, &req)
	case MethodWriteTextFile:
		var req WriteTextFileRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, err
		}
		return map[string]any{}, c.handler.WriteTextFile(ctx, &req)
	default:
		return nil, errMethodNotFound
	}
}

func wireErrorFor(err error) *WireError {
	code := codeInternalError
	if err == errMethodNotFound {
		code = codeMethodNotFound
	}
	return &WireError{Code: code, Message: err.Error()}
}

func (c *Conn) writeFrame(frame []byte) error {
	if c.trace != nil {
		c.trace("send", frame)
	}
	return c.w.WriteFrame(frame)
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, p := range c.pending {
		delete(c.pending, id)
		p.ch <- callResult{err: err}
	}
}

// Initialize performs the protocol handshake.
func (c *Conn) Initialize(ctx context.Context) (*InitializeResponse, error) {
	raw, err := c.Call(ctx, MethodInitialize, InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		ClientCapabilities: ClientCapabilities{
			Fs: FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		return nil, err
	}
	var resp InitializeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &resp, nil
}

// NewSession creates a session rooted at cwd with the given MCP server
// descriptors (nil is fine).
func (c *Conn) NewSession(ctx context.Context, cwd string, mcpServers []json.RawMessage) (SessionID, error) {
	if mcpServers == nil {
		mcpServers = []json.RawMessage{}
	}
	raw, err := c.Call(ctx, MethodSessionNew, NewSessionRequest{
		Cwd:        cwd,
		McpServers: mcpServers,
	})
	if err != nil {
		return "", err
	}
	var resp NewSessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return resp.SessionID, nil
}

// CancelSession asks the agent to stop the session's current turn.
func (c *Conn) CancelSession(sessionID SessionID) error {
	return c.Notify(MethodSessionCancel, CancelNotification{SessionID: sessionID})
}

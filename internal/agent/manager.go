package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anomalyco/deskagent/internal/acp"
)

// Transport is the byte-level connection to a spawned adapter. The real
// implementation is acp.Transport; tests substitute scripted fakes.
type Transport interface {
	WriteFrame(frame []byte) error
	Frames() <-chan []byte
	Terminate() error
	Pid() int
}

// SpawnFunc launches an adapter process and returns its transport.
type SpawnFunc func(command string, args []string, extraEnv []string) (Transport, error)

// DefaultSpawn runs the adapter as a real subprocess.
func DefaultSpawn(command string, args []string, extraEnv []string) (Transport, error) {
	t, err := acp.Spawn(command, args, extraEnv)
	if err != nil {
		return nil, err
	}
	return t, nil
}

const defaultHandshakeTimeout = 30 * time.Second

type Config struct {
	// Command and Args launch the adapter, e.g. "claude-code-acp".
	Command string
	Args    []string

	// ExtraEnv is re-evaluated on every Start so credential changes take
	// effect on the next connection.
	ExtraEnv func() []string

	// Spawn defaults to DefaultSpawn.
	Spawn SpawnFunc

	// AlwaysAllow, when it reports true, auto-approves every permission ask.
	AlwaysAllow func() bool

	// McpServers, when set, supplies the MCP server descriptors for each
	// new session, keyed by the session's working directory.
	McpServers func(dir string) []json.RawMessage

	// HandshakeTimeout bounds the initialize exchange. Zero means the
	// default of 30s.
	HandshakeTimeout time.Duration

	// PromptTimeout, when nonzero, bounds each prompt turn.
	PromptTimeout time.Duration

	// FrameTrace, when set, observes every raw frame in both directions.
	FrameTrace func(dir string, frame []byte)

	Logger *slog.Logger
}

// Manager owns the adapter connection: one subprocess, one protocol
// connection, any number of sessions multiplexed over it. All methods are
// safe for concurrent use.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	sink     *Sink
	mediator *Mediator
	handler  *clientHandler
	registry *sessionRegistry

	mu        sync.Mutex
	running   bool
	gen       uint64
	conn      *acp.Conn
	transport Transport
	cancelRun context.CancelFunc

	openMu sync.Mutex
	open   map[acp.SessionID]*call
}

type call struct {
	spaceID string
	callID  int64 // tracks the in-flight prompt, replay turns included
	chunks  chan string
	done    chan callOutcome
	dropped int // chunks lost to a saturated stream buffer; guarded by openMu
}

type callOutcome struct {
	stopReason string
	err        error
}

// Target names where a message should run: the space owning the
// conversation and the working directory sessions are rooted at.
type Target struct {
	SpaceID string
	Dir     string
}

// Turn is one prior conversation entry, replayed when a conversation is
// resumed on a fresh session.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func NewManager(cfg Config) *Manager {
	if cfg.Spawn == nil {
		cfg.Spawn = DefaultSpawn
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		log:      log,
		sink:     NewSink(log),
		registry: newSessionRegistry(),
		open:     make(map[acp.SessionID]*call),
	}
	m.mediator = NewMediator(cfg.AlwaysAllow, m.sink, log)
	m.handler = &clientHandler{mgr: m, sink: m.sink, mediator: m.mediator, log: log}
	return m
}

// Events exposes the manager's event sink for subscribers.
func (m *Manager) Events() *Sink { return m.sink }

// Ready reports whether a handshaken connection is up.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start spawns the adapter and completes the handshake. Calling Start while
// a connection is already up is a no-op; a second process is never spawned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	var extraEnv []string
	if m.cfg.ExtraEnv != nil {
		extraEnv = m.cfg.ExtraEnv()
	}
	transport, err := m.cfg.Spawn(m.cfg.Command, m.cfg.Args, extraEnv)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	conn := acp.NewConn(transport, m.handler, m.log)
	if m.cfg.FrameTrace != nil {
		conn.SetFrameTrace(m.cfg.FrameTrace)
	}

	m.gen++
	gen := m.gen
	go func() {
		conn.Run(runCtx, transport.Frames())
		m.onDisconnect(gen)
	}()

	hctx, hcancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer hcancel()
	resp, err := conn.Initialize(hctx)
	if err != nil {
		cancel()
		transport.Terminate()
		return fmt.Errorf("%w: %v", acp.ErrHandshake, err)
	}
	if resp.ProtocolVersion != acp.ProtocolVersion {
		m.log.Warn("adapter speaks a different protocol version",
			"ours", acp.ProtocolVersion, "theirs", resp.ProtocolVersion)
	}

	m.running = true
	m.conn = conn
	m.transport = transport
	m.cancelRun = cancel
	m.log.Info("adapter ready", "pid", transport.Pid())
	m.sink.Publish(Event{Type: EventReady})
	return nil
}

// Stop tears the connection down and terminates the subprocess. In-flight
// calls fail with ErrTransportClosed. Stop on a stopped manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.gen++ // supersede the read-loop goroutine's disconnect handling
	cancel := m.cancelRun
	transport := m.transport
	m.conn = nil
	m.transport = nil
	m.cancelRun = nil
	m.mu.Unlock()

	cancel()
	err := transport.Terminate()
	m.registry.reset()
	m.log.Info("adapter stopped")
	return err
}

// onDisconnect runs when the read loop exits without a deliberate Stop:
// the adapter died or closed its stdout. Pending calls were already failed
// by the connection; this clears the dead session table and process handle.
func (m *Manager) onDisconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	transport := m.transport
	m.conn = nil
	m.transport = nil
	m.cancelRun = nil
	m.mu.Unlock()

	transport.Terminate()
	m.registry.reset()
	m.log.Warn("adapter connection lost")
}

// Send runs one prompt turn for a space. A fresh session is created when
// replay history is supplied or when the space has no live session;
// otherwise the registered session is reused. Replay turns (user role only)
// are prompted sequentially before the new message. The returned Stream
// carries the turn's text chunks and terminal outcome.
func (m *Manager) Send(ctx context.Context, target Target, message string, replay []Turn) (*Stream, error) {
	m.mu.Lock()
	conn := m.conn
	running := m.running
	m.mu.Unlock()
	if !running {
		return nil, acp.ErrNotConnected
	}

	fresh := replay != nil
	sid, registered := m.registry.get(target.SpaceID)
	if !registered {
		fresh = true
	}
	if fresh {
		var mcpServers []json.RawMessage
		if m.cfg.McpServers != nil {
			mcpServers = m.cfg.McpServers(target.Dir)
		}
		newSID, err := conn.NewSession(ctx, target.Dir, mcpServers)
		if err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
		sid = newSID
		m.registry.put(target.SpaceID, sid)
	}

	c := &call{
		spaceID: target.SpaceID,
		chunks:  make(chan string, streamBuffer),
		done:    make(chan callOutcome, 1),
	}
	m.openMu.Lock()
	if _, busy := m.open[sid]; busy {
		m.openMu.Unlock()
		return nil, ErrSessionBusy
	}
	m.open[sid] = c
	m.openMu.Unlock()

	// Replay prompts register as the session's open call too, so permission
	// asks raised while history replays correlate with a real call id.
	for _, turn := range replay {
		if turn.Role != "user" {
			continue
		}
		p, err := conn.Reserve()
		if err != nil {
			m.closeCall(sid, c)
			return nil, err
		}
		m.openMu.Lock()
		c.callID = p.ID
		m.openMu.Unlock()
		if err := conn.Dispatch(p, acp.MethodSessionPrompt, acp.PromptRequest{
			SessionID: sid,
			Prompt:    []acp.ContentBlock{acp.TextBlock(turn.Content)},
		}); err != nil {
			m.closeCall(sid, c)
			return nil, fmt.Errorf("replaying history: %w", err)
		}
		if _, err := p.Await(ctx); err != nil {
			m.closeCall(sid, c)
			return nil, fmt.Errorf("replaying history: %w", err)
		}
	}

	// The call id is recorded before the prompt frame is written so agent
	// requests racing in on the heels of the prompt already correlate.
	p, err := conn.Reserve()
	if err != nil {
		m.closeCall(sid, c)
		return nil, err
	}
	m.openMu.Lock()
	c.callID = p.ID
	m.openMu.Unlock()
	err = conn.Dispatch(p, acp.MethodSessionPrompt, acp.PromptRequest{
		SessionID: sid,
		Prompt:    []acp.ContentBlock{acp.TextBlock(message)},
	})
	if err != nil {
		m.closeCall(sid, c)
		return nil, err
	}

	go m.awaitOutcome(sid, c, p)

	return &Stream{CallID: p.ID, SessionID: sid, call: c}, nil
}

func (m *Manager) awaitOutcome(sid acp.SessionID, c *call, p *acp.Pending) {
	// The pending handle always settles: normally with the prompt response,
	// on disconnect with ErrTransportClosed from the read loop.
	ctx := context.Background()
	if m.cfg.PromptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.PromptTimeout)
		defer cancel()
	}
	raw, err := p.Await(ctx)

	dropped := m.closeCall(sid, c)
	if err != nil {
		m.sink.Publish(Event{Type: EventCallFailed, SessionID: string(sid), CallID: c.callID, Error: err.Error()})
		c.done <- callOutcome{err: err}
		return
	}
	var resp acp.PromptResponse
	if uerr := json.Unmarshal(raw, &resp); uerr != nil {
		err = fmt.Errorf("%w: %v", acp.ErrParse, uerr)
		m.sink.Publish(Event{Type: EventCallFailed, SessionID: string(sid), CallID: c.callID, Error: err.Error()})
		c.done <- callOutcome{err: err}
		return
	}
	m.sink.Publish(Event{Type: EventCallCompleted, SessionID: string(sid), CallID: c.callID, StopReason: resp.StopReason})
	out := callOutcome{stopReason: resp.StopReason}
	if dropped > 0 {
		// The turn ended normally but the stream handle is missing text; the
		// caller must not treat what it read as the complete reply.
		out.err = fmt.Errorf("%w: %d chunks", ErrStreamLagged, dropped)
	}
	c.done <- out
}

// closeCall unregisters the call and closes its chunk channel, reporting how
// many chunks never made it into the stream. Closing under openMu keeps
// deliverChunk from racing a send against the close.
func (m *Manager) closeCall(sid acp.SessionID, c *call) int {
	m.openMu.Lock()
	defer m.openMu.Unlock()
	if m.open[sid] == c {
		delete(m.open, sid)
	}
	close(c.chunks)
	return c.dropped
}

// Cancel asks the agent to stop the space's current turn. The turn still
// ends through its normal outcome (stopReason "cancelled").
func (m *Manager) Cancel(spaceID string) error {
	m.mu.Lock()
	conn := m.conn
	running := m.running
	m.mu.Unlock()
	if !running {
		return acp.ErrNotConnected
	}
	sid, ok := m.registry.get(spaceID)
	if !ok {
		return nil
	}
	return conn.CancelSession(sid)
}

// RespondPermission delivers the human decision for a pending permission
// request.
func (m *Manager) RespondPermission(requestID, optionID string, cancelled bool) error {
	return m.mediator.Resolve(requestID, optionID, cancelled)
}

func (m *Manager) callIDFor(sid acp.SessionID) int64 {
	m.openMu.Lock()
	defer m.openMu.Unlock()
	if c, ok := m.open[sid]; ok {
		return c.callID
	}
	return 0
}

// deliverChunk routes an agent message chunk to the session's open stream.
// Chunks for sessions with no open call are dropped; the event sink still
// carries them. A saturated stream buffer also drops, but the loss is counted
// and surfaced through the turn's outcome as ErrStreamLagged.
func (m *Manager) deliverChunk(sid acp.SessionID, text string) {
	m.openMu.Lock()
	defer m.openMu.Unlock()
	c, ok := m.open[sid]
	if !ok {
		return
	}
	select {
	case c.chunks <- text:
	default:
		c.dropped++
		m.log.Warn("stream consumer lagging, dropping chunk", "sessionId", sid)
	}
}

const streamBuffer = 256

// Stream is the caller's handle on one prompt turn.
type Stream struct {
	CallID    int64
	SessionID acp.SessionID
	call      *call
}

// Chunks yields the turn's agent message text in arrival order. The channel
// closes when the turn ends.
func (s *Stream) Chunks() <-chan string { return s.call.chunks }

// Wait blocks for the turn's terminal outcome. A turn that finished while
// chunks were being dropped returns its stop reason together with
// ErrStreamLagged.
func (s *Stream) Wait(ctx context.Context) (string, error) {
	select {
	case out := <-s.call.done:
		return out.stopReason, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

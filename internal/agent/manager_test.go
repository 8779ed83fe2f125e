package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anomalyco/deskagent/internal/acp"
)

// fakeTransport is a scripted in-memory adapter endpoint. Frames the manager
// writes are decoded and handed to the responder, which pushes whatever
// frames the scenario calls for back onto the inbound channel.
type fakeTransport struct {
	respond func(ft *fakeTransport, msg *acp.Message)
	env     []string

	mu      sync.Mutex
	frames  chan []byte
	written []*acp.Message
	closed  bool
}

func newFakeTransport(respond func(ft *fakeTransport, msg *acp.Message)) *fakeTransport {
	return &fakeTransport{respond: respond, frames: make(chan []byte, 64)}
}

func (f *fakeTransport) WriteFrame(frame []byte) error {
	msg, err := acp.Decode(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return acp.ErrTransportClosed
	}
	f.written = append(f.written, msg)
	f.mu.Unlock()
	if f.respond != nil {
		f.respond(f, msg)
	}
	return nil
}

func (f *fakeTransport) Frames() <-chan []byte { return f.frames }

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

func (f *fakeTransport) Pid() int { return 4242 }

func (f *fakeTransport) push(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.frames <- frame
}

func (f *fakeTransport) reply(id int64, result any) {
	frame, err := acp.EncodeResponse(id, result, nil)
	if err != nil {
		panic(err)
	}
	f.push(frame)
}

func (f *fakeTransport) notify(method string, params any) {
	frame, err := acp.EncodeNotification(method, params)
	if err != nil {
		panic(err)
	}
	f.push(frame)
}

func (f *fakeTransport) request(id int64, method string, params any) {
	frame, err := acp.EncodeRequest(id, method, params)
	if err != nil {
		panic(err)
	}
	f.push(frame)
}

func (f *fakeTransport) methodCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msg := range f.written {
		if msg.Method == method {
			n++
		}
	}
	return n
}

// scriptedAgent answers the handshake and session creation like a well
// behaved adapter; prompt handling is per-test.
type scriptedAgent struct {
	sessionSeq atomic.Int32
	prompts    atomic.Int32
	onPrompt   func(ft *fakeTransport, id int64, req acp.PromptRequest)
}

func (a *scriptedAgent) respond(ft *fakeTransport, msg *acp.Message) {
	switch msg.Method {
	case acp.MethodInitialize:
		ft.reply(*msg.ID, acp.InitializeResponse{ProtocolVersion: acp.ProtocolVersion})
	case acp.MethodSessionNew:
		n := a.sessionSeq.Add(1)
		ft.reply(*msg.ID, acp.NewSessionResponse{SessionID: acp.SessionID(fmt.Sprintf("sess-%d", n))})
	case acp.MethodSessionPrompt:
		a.prompts.Add(1)
		var req acp.PromptRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			panic(err)
		}
		if a.onPrompt != nil {
			a.onPrompt(ft, *msg.ID, req)
			return
		}
		a.echoTurn(ft, *msg.ID, req)
	}
}

// echoTurn streams one message chunk back and ends the turn.
func (a *scriptedAgent) echoTurn(ft *fakeTransport, id int64, req acp.PromptRequest) {
	text := ""
	if len(req.Prompt) > 0 {
		text = req.Prompt[0].Text
	}
	chunk := acp.TextBlock("echo: " + text)
	ft.notify(acp.MethodSessionUpdate, acp.SessionNotification{
		SessionID: req.SessionID,
		Update:    acp.SessionUpdate{Kind: acp.UpdateAgentMessageChunk, Content: &chunk},
	})
	ft.reply(id, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager wires a manager to the scripted agent without starting it.
// The spawn func records each transport so tests can inspect traffic.
func newTestManager(agent *scriptedAgent, cfg Config) (*Manager, func() *fakeTransport) {
	var mu sync.Mutex
	var current *fakeTransport
	cfg.Command = "fake-adapter"
	cfg.Spawn = func(command string, args []string, extraEnv []string) (Transport, error) {
		ft := newFakeTransport(agent.respond)
		ft.env = extraEnv
		mu.Lock()
		current = ft
		mu.Unlock()
		return ft, nil
	}
	cfg.Logger = testLogger()
	m := NewManager(cfg)
	return m, func() *fakeTransport {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestStartPublishesReady(t *testing.T) {
	m, transport := newTestManager(&scriptedAgent{}, Config{})
	events, cancel := m.Events().Subscribe()
	defer cancel()

	if m.Ready() {
		t.Fatal("manager reports ready before start")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	waitEvent(t, events, EventReady)
	if !m.Ready() {
		t.Fatal("manager not ready after start")
	}
	if got := transport().methodCount(acp.MethodInitialize); got != 1 {
		t.Fatalf("initialize sent %d times, want 1", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	agent := &scriptedAgent{}
	spawns := 0
	cfg := Config{Logger: testLogger(), Command: "fake-adapter"}
	cfg.Spawn = func(command string, args []string, extraEnv []string) (Transport, error) {
		spawns++
		return newFakeTransport(agent.respond), nil
	}
	m := NewManager(cfg)
	for i := 0; i < 3; i++ {
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	defer m.Stop()
	if spawns != 1 {
		t.Fatalf("spawned %d processes, want 1", spawns)
	}
}

func TestStartHandshakeFailure(t *testing.T) {
	// An adapter that answers the handshake with garbage result bytes.
	respond := func(ft *fakeTransport, msg *acp.Message) {
		if msg.Method == acp.MethodInitialize {
			frame := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"not-an-object"}`, *msg.ID))
			ft.push(frame)
		}
	}
	cfg := Config{Logger: testLogger(), Command: "fake-adapter"}
	cfg.Spawn = func(command string, args []string, extraEnv []string) (Transport, error) {
		return newFakeTransport(respond), nil
	}
	m := NewManager(cfg)
	err := m.Start(context.Background())
	if !errors.Is(err, acp.ErrHandshake) {
		t.Fatalf("start error = %v, want ErrHandshake", err)
	}
	if m.Ready() {
		t.Fatal("manager ready after failed handshake")
	}
}

func TestSendStreamsChunksAndOutcome(t *testing.T) {
	m, _ := newTestManager(&scriptedAgent{}, Config{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	events, cancel := m.Events().Subscribe()
	defer cancel()

	stream, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if stream.CallID == 0 {
		t.Fatal("stream has no call id")
	}

	var got []string
	for chunk := range stream.Chunks() {
		got = append(got, chunk)
	}
	if len(got) != 1 || got[0] != "echo: hello" {
		t.Fatalf("chunks = %q, want [\"echo: hello\"]", got)
	}

	stop, err := stream.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if stop != acp.StopReasonEndTurn {
		t.Fatalf("stop reason = %q, want %q", stop, acp.StopReasonEndTurn)
	}

	chunkEv := waitEvent(t, events, EventAgentMessageChunk)
	if chunkEv.CallID != stream.CallID {
		t.Fatalf("chunk event call id = %d, want %d", chunkEv.CallID, stream.CallID)
	}
	doneEv := waitEvent(t, events, EventCallCompleted)
	if doneEv.StopReason != acp.StopReasonEndTurn {
		t.Fatalf("completed event stop reason = %q", doneEv.StopReason)
	}
}

func TestSendReusesRegisteredSession(t *testing.T) {
	agent := &scriptedAgent{}
	m, transport := newTestManager(agent, Config{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	target := Target{SpaceID: "space-1", Dir: "/tmp"}
	for i := 0; i < 2; i++ {
		stream, err := m.Send(context.Background(), target, "msg", nil)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if _, err := stream.Wait(context.Background()); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if got := transport().methodCount(acp.MethodSessionNew); got != 1 {
		t.Fatalf("session/new sent %d times, want 1", got)
	}
}

func TestSendReplaysUserTurnsOnFreshSession(t *testing.T) {
	agent := &scriptedAgent{}
	m, transport := newTestManager(agent, Config{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	replay := []Turn{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}
	stream, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "third question", replay)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := stream.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// Two replayed user turns plus the new message; assistant turns are
	// never replayed.
	if got := agent.prompts.Load(); got != 3 {
		t.Fatalf("adapter saw %d prompts, want 3", got)
	}
	if got := transport().methodCount(acp.MethodSessionNew); got != 1 {
		t.Fatalf("session/new sent %d times, want 1", got)
	}
}

func TestSendBusySession(t *testing.T) {
	agent := &scriptedAgent{}
	var heldID atomic.Int64
	agent.onPrompt = func(ft *fakeTransport, id int64, req acp.PromptRequest) {
		heldID.Store(id) // hold the turn open, no reply yet
	}
	m, transport := newTestManager(agent, Config{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	target := Target{SpaceID: "space-1", Dir: "/tmp"}
	stream, err := m.Send(context.Background(), target, "first", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := m.Send(context.Background(), target, "second", nil); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second send error = %v, want ErrSessionBusy", err)
	}

	transport().reply(heldID.Load(), acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
	if _, err := stream.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// With the turn finished the session accepts work again.
	agent.onPrompt = nil
	if _, err := m.Send(context.Background(), target, "third", nil); err != nil {
		t.Fatalf("send after release: %v", err)
	}
}

func TestSendWhenStopped(t *testing.T) {
	m, _ := newTestManager(&scriptedAgent{}, Config{})
	_, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "hello", nil)
	if !errors.Is(err, acp.ErrNotConnected) {
		t.Fatalf("send error = %v, want ErrNotConnected", err)
	}
}

func TestTransportDeathFailsInFlightCall(t *testing.T) {
	agent := &scriptedAgent{}
	agent.onPrompt = func(ft *fakeTransport, id int64, req acp.PromptRequest) {
		ft.Terminate() // adapter dies mid-turn
	}
	m, _ := newTestManager(agent, Config{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	events, cancel := m.Events().Subscribe()
	defer cancel()

	stream, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err = stream.Wait(context.Background())
	if !errors.Is(err, acp.ErrTransportClosed) {
		t.Fatalf("wait error = %v, want ErrTransportClosed", err)
	}
	waitEvent(t, events, EventCallFailed)

	deadline := time.Now().Add(2 * time.Second)
	for m.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("manager still ready after transport death")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Sessions do not survive the connection; after a restart the next send
	// negotiates a fresh one.
	agent.onPrompt = nil
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer m.Stop()
	stream, err = m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "again", nil)
	if err != nil {
		t.Fatalf("send after restart: %v", err)
	}
	if _, err := stream.Wait(context.Background()); err != nil {
		t.Fatalf("wait after restart: %v", err)
	}
	if got := agent.sessionSeq.Load(); got != 2 {
		t.Fatalf("adapter created %d sessions, want 2", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m, _ := newTestManager(&scriptedAgent{}, Config{})
	if err := m.Stop(); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if m.Ready() {
		t.Fatal("manager ready after stop")
	}
}

func TestExtraEnvReevaluatedPerStart(t *testing.T) {
	key := "KEY_ONE"
	cfg := Config{ExtraEnv: func() []string { return []string{"API_KEY=" + key} }}
	m, transport := newTestManager(&scriptedAgent{}, cfg)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := transport().env
	m.Stop()

	key = "KEY_TWO"
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer m.Stop()
	second := transport().env

	if len(first) != 1 || first[0] != "API_KEY=KEY_ONE" {
		t.Fatalf("first env = %v", first)
	}
	if len(second) != 1 || second[0] != "API_KEY=KEY_TWO" {
		t.Fatalf("second env = %v", second)
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	agent := &scriptedAgent{}
	var promptID atomic.Int64
	const permissionReqID = 9001
	agent.onPrompt = func(ft *fakeTransport, id int64, req acp.PromptRequest) {
		promptID.Store(id)
		ft.request(permissionReqID, acp.MethodRequestPermission, acp.RequestPermissionRequest{
			SessionID: req.SessionID,
			ToolCall: acp.ToolCallPatch{
				ToolCallID: "tc-1",
				Title:      strPtr("Write config.json"),
				RawInput:   json.RawMessage(`{"path":"config.json","content":"{}"}`),
			},
			Options: []acp.PermissionOption{
				{OptionID: "opt-allow", Name: "Allow", Kind: acp.PermissionAllowOnce},
				{OptionID: "opt-reject", Name: "Reject", Kind: acp.PermissionRejectOnce},
			},
		})
	}

	var gotOutcome atomic.Value
	base := agent.respond
	respond := func(ft *fakeTransport, msg *acp.Message) {
		if msg.Kind() == acp.KindResponse && *msg.ID == permissionReqID {
			var resp acp.RequestPermissionResponse
			if err := json.Unmarshal(msg.Result, &resp); err != nil {
				panic(err)
			}
			gotOutcome.Store(resp)
			ft.reply(promptID.Load(), acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
			return
		}
		base(ft, msg)
	}

	cfg := Config{Logger: testLogger(), Command: "fake-adapter"}
	cfg.Spawn = func(command string, args []string, extraEnv []string) (Transport, error) {
		return newFakeTransport(respond), nil
	}
	m := NewManager(cfg)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	events, cancel := m.Events().Subscribe()
	defer cancel()

	stream, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "write the config", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Payload carries a content field, so policy must not auto-approve.
	ev := waitEvent(t, events, EventPermissionRequested)
	if ev.Permission == nil || ev.Permission.RequestID == "" {
		t.Fatalf("permission event missing request id: %+v", ev)
	}
	if ev.CallID != stream.CallID {
		t.Fatalf("permission event call id = %d, want %d", ev.CallID, stream.CallID)
	}

	if err := m.RespondPermission(ev.Permission.RequestID, "opt-allow", false); err != nil {
		t.Fatalf("respond permission: %v", err)
	}
	if _, err := stream.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	resp, ok := gotOutcome.Load().(acp.RequestPermissionResponse)
	if !ok {
		t.Fatal("adapter never saw the permission response")
	}
	if resp.Outcome.Outcome != "selected" || resp.Outcome.OptionID != "opt-allow" {
		t.Fatalf("permission outcome = %+v", resp.Outcome)
	}

	if err := m.RespondPermission(ev.Permission.RequestID, "opt-allow", false); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("second respond error = %v, want ErrUnknownRequest", err)
	}
}

func TestPermissionAutoApprovedForReadOnlyTool(t *testing.T) {
	agent := &scriptedAgent{}
	var promptID atomic.Int64
	const permissionReqID = 9002
	agent.onPrompt = func(ft *fakeTransport, id int64, req acp.PromptRequest) {
		promptID.Store(id)
		kind := "read"
		ft.request(permissionReqID, acp.MethodRequestPermission, acp.RequestPermissionRequest{
			SessionID: req.SessionID,
			ToolCall: acp.ToolCallPatch{
				ToolCallID: "tc-1",
				Title:      strPtr("Read README.md"),
				Kind:       &kind,
				RawInput:   json.RawMessage(`{"path":"README.md"}`),
			},
			Options: []acp.PermissionOption{
				{OptionID: "opt-allow", Name: "Allow", Kind: acp.PermissionAllowOnce},
			},
		})
	}

	var gotOutcome atomic.Value
	base := agent.respond
	respond := func(ft *fakeTransport, msg *acp.Message) {
		if msg.Kind() == acp.KindResponse && *msg.ID == permissionReqID {
			var resp acp.RequestPermissionResponse
			if err := json.Unmarshal(msg.Result, &resp); err != nil {
				panic(err)
			}
			gotOutcome.Store(resp)
			ft.reply(promptID.Load(), acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
			return
		}
		base(ft, msg)
	}

	cfg := Config{Logger: testLogger(), Command: "fake-adapter"}
	cfg.Spawn = func(command string, args []string, extraEnv []string) (Transport, error) {
		return newFakeTransport(respond), nil
	}
	m := NewManager(cfg)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	events, cancel := m.Events().Subscribe()
	defer cancel()

	stream, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "read the readme", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := stream.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	resp, ok := gotOutcome.Load().(acp.RequestPermissionResponse)
	if !ok {
		t.Fatal("adapter never saw the permission response")
	}
	if resp.Outcome.OptionID != "opt-allow" {
		t.Fatalf("auto-approval picked option %q, want opt-allow", resp.Outcome.OptionID)
	}

	// The approval never reached a human.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventPermissionRequested {
				t.Fatal("read-only request was escalated to a human")
			}
			if ev.Type == EventCallCompleted {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for call completion")
		}
	}
}

func TestCancelSession(t *testing.T) {
	agent := &scriptedAgent{}
	var promptID atomic.Int64
	agent.onPrompt = func(ft *fakeTransport, id int64, req acp.PromptRequest) {
		promptID.Store(id)
	}
	m, transport := newTestManager(agent, Config{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	target := Target{SpaceID: "space-1", Dir: "/tmp"}
	stream, err := m.Send(context.Background(), target, "long task", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := m.Cancel(target.SpaceID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The adapter acknowledges the cancellation through the normal outcome.
	transport().reply(promptID.Load(), acp.PromptResponse{StopReason: acp.StopReasonCancelled})
	stop, err := stream.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if stop != acp.StopReasonCancelled {
		t.Fatalf("stop reason = %q, want %q", stop, acp.StopReasonCancelled)
	}
	if got := transport().methodCount(acp.MethodSessionCancel); got != 1 {
		t.Fatalf("session/cancel sent %d times, want 1", got)
	}
}

func strPtr(s string) *string { return &s }

func TestWaitReportsDroppedChunks(t *testing.T) {
	// The adapter streams more chunks than the stream buffers while nobody
	// reads; the turn still completes, but Wait must not pass the gappy text
	// off as the whole reply.
	const overflow = 16
	agent := &scriptedAgent{}
	agent.onPrompt = func(ft *fakeTransport, id int64, req acp.PromptRequest) {
		for i := 0; i < streamBuffer+overflow; i++ {
			chunk := acp.TextBlock("word ")
			ft.notify(acp.MethodSessionUpdate, acp.SessionNotification{
				SessionID: req.SessionID,
				Update:    acp.SessionUpdate{Kind: acp.UpdateAgentMessageChunk, Content: &chunk},
			})
		}
		ft.reply(id, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
	}
	m, _ := newTestManager(agent, Config{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	stream, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "go on at length", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	stop, err := stream.Wait(context.Background())
	if !errors.Is(err, ErrStreamLagged) {
		t.Fatalf("wait error = %v, want ErrStreamLagged", err)
	}
	if stop != acp.StopReasonEndTurn {
		t.Fatalf("stop reason = %q, want %q", stop, acp.StopReasonEndTurn)
	}

	// The buffered prefix stays readable; only the overflow was lost.
	n := 0
	for range stream.Chunks() {
		n++
	}
	if n != streamBuffer {
		t.Fatalf("buffered chunks = %d, want %d", n, streamBuffer)
	}
}

func TestWaitCleanWhenConsumerKeepsUp(t *testing.T) {
	m, _ := newTestManager(&scriptedAgent{}, Config{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	stream, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for range stream.Chunks() {
	}
	if _, err := stream.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestReplayPermissionAskCarriesCallID(t *testing.T) {
	// A permission ask raised while history replays must correlate with the
	// replay prompt's call id, not zero.
	agent := &scriptedAgent{}
	var replayPromptID atomic.Int64
	const permissionReqID = 9003
	agent.onPrompt = func(ft *fakeTransport, id int64, req acp.PromptRequest) {
		if replayPromptID.CompareAndSwap(0, id) {
			ft.request(permissionReqID, acp.MethodRequestPermission, acp.RequestPermissionRequest{
				SessionID: req.SessionID,
				ToolCall: acp.ToolCallPatch{
					ToolCallID: "tc-1",
					Title:      strPtr("Write notes.md"),
					RawInput:   json.RawMessage(`{"path":"notes.md","content":"draft"}`),
				},
				Options: []acp.PermissionOption{
					{OptionID: "opt-allow", Name: "Allow", Kind: acp.PermissionAllowOnce},
				},
			})
			return
		}
		ft.reply(id, acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
	}

	base := agent.respond
	respond := func(ft *fakeTransport, msg *acp.Message) {
		if msg.Kind() == acp.KindResponse && *msg.ID == permissionReqID {
			ft.reply(replayPromptID.Load(), acp.PromptResponse{StopReason: acp.StopReasonEndTurn})
			return
		}
		base(ft, msg)
	}
	cfg := Config{Logger: testLogger(), Command: "fake-adapter"}
	cfg.Spawn = func(command string, args []string, extraEnv []string) (Transport, error) {
		return newFakeTransport(respond), nil
	}
	m := NewManager(cfg)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	events, cancel := m.Events().Subscribe()
	defer cancel()

	type result struct {
		stream *Stream
		err    error
	}
	got := make(chan result, 1)
	go func() {
		stream, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/tmp"}, "new question",
			[]Turn{{Role: "user", Content: "old question"}})
		got <- result{stream, err}
	}()

	ev := waitEvent(t, events, EventPermissionRequested)
	if ev.CallID == 0 || ev.CallID != replayPromptID.Load() {
		t.Fatalf("permission event call id = %d, want replay prompt id %d", ev.CallID, replayPromptID.Load())
	}
	if err := m.RespondPermission(ev.Permission.RequestID, "opt-allow", false); err != nil {
		t.Fatalf("respond permission: %v", err)
	}

	res := <-got
	if res.err != nil {
		t.Fatalf("send: %v", res.err)
	}
	if _, err := res.stream.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestMcpServersReachSessionNew(t *testing.T) {
	server := json.RawMessage(`{"name":"search","command":"mcp-search","args":[],"env":[]}`)
	var gotDir string
	m, transport := newTestManager(&scriptedAgent{}, Config{
		McpServers: func(dir string) []json.RawMessage {
			gotDir = dir
			return []json.RawMessage{server}
		},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	stream, err := m.Send(context.Background(), Target{SpaceID: "space-1", Dir: "/work/space-1"}, "hi", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for range stream.Chunks() {
	}
	if _, err := stream.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if gotDir != "/work/space-1" {
		t.Fatalf("mcp lookup dir = %q", gotDir)
	}

	ft := transport()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for _, msg := range ft.written {
		if msg.Method != acp.MethodSessionNew {
			continue
		}
		var req acp.NewSessionRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			t.Fatalf("decode session/new: %v", err)
		}
		if len(req.McpServers) != 1 || string(req.McpServers[0]) != string(server) {
			t.Fatalf("mcpServers = %v", req.McpServers)
		}
		return
	}
	t.Fatal("no session/new frame written")
}

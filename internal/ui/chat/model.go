// Package chat is the terminal chat surface: a scrollback transcript, an
// input line, and a permission overlay, driven by agent events.
package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/anomalyco/deskagent/internal/agent"
)

// Actions is what the model can ask of the outside world. All calls are
// non-blocking; results come back as agent events.
type Actions struct {
	Send    func(message string) error
	Cancel  func() error
	Respond func(requestID, optionID string, cancelled bool) error
}

// EventMsg wraps an agent event for the bubbletea loop.
type EventMsg struct {
	Event agent.Event
}

var (
	userStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	thoughtStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	overlayStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type Model struct {
	spaceName string
	actions   Actions
	events    <-chan agent.Event

	viewport   viewport.Model
	input      textinput.Model
	spin       spinner.Model
	agg        *Aggregator
	transcript []string
	// current accumulates the in-flight agent turn; it is re-rendered as
	// markdown once the turn completes. currentLines tracks which transcript
	// entries hold its raw streamed text so they can be replaced.
	current      strings.Builder
	currentLines []int

	waiting    bool
	permission *agent.PermissionEvent
	mode       string
	errText    string
	width      int
	height     int
	quitting   bool
}

func NewModel(spaceName string, actions Actions, events <-chan agent.Event) Model {
	vp := viewport.New(80, 20)
	ti := textinput.New()
	ti.Placeholder = "Message the agent..."
	ti.Focus()
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	return Model{
		spaceName: spaceName,
		actions:   actions,
		events:    events,
		viewport:  vp,
		input:     ti,
		spin:      sp,
		agg:       NewAggregator(),
		width:     80,
		height:    24,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan agent.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return EventMsg{Event: ev}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.viewport.Width = typed.Width
		m.viewport.Height = typed.Height - 4
		m.input.Width = typed.Width - 4
		m.refreshViewport()

	case tea.KeyMsg:
		return m.handleKey(typed)

	case EventMsg:
		m = m.applyEvent(typed.Event)
		cmds = append(cmds, waitForEvent(m.events))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.permission != nil {
		return m.handlePermissionKey(key)
	}

	switch key.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyEsc:
		if m.waiting && m.actions.Cancel != nil {
			m.actions.Cancel()
		}
		return m, nil
	case tea.KeyEnter:
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.waiting {
			return m, nil
		}
		if err := m.actions.Send(text); err != nil {
			m.errText = err.Error()
			return m, nil
		}
		m.errText = ""
		m.waiting = true
		m.transcript = append(m.transcript, userStyle.Render("you")+" "+text)
		m.input.Reset()
		m.refreshViewport()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(key)
	return m, cmd
}

func (m Model) handlePermissionKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	perm := m.permission
	switch key.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyEsc:
		m.actions.Respond(perm.RequestID, "", true)
		m.permission = nil
		return m, nil
	case tea.KeyRunes:
		if len(key.Runes) != 1 {
			return m, nil
		}
		n := int(key.Runes[0] - '1')
		if n < 0 || n >= len(perm.Options) {
			return m, nil
		}
		m.actions.Respond(perm.RequestID, perm.Options[n].OptionID, false)
		m.transcript = append(m.transcript,
			toolStyle.Render(fmt.Sprintf("permission: %s -> %s", perm.Title, perm.Options[n].Name)))
		m.permission = nil
		m.refreshViewport()
	}
	return m, nil
}

func (m Model) applyEvent(ev agent.Event) Model {
	switch ev.Type {
	case agent.EventAgentMessageChunk:
		m.current.WriteString(ev.Text)
		if out := m.agg.Push(AgentMessage, ev.Text); out != "" {
			m.currentLines = append(m.currentLines, len(m.transcript))
			m.transcript = append(m.transcript, strings.TrimRight(out, "\n"))
			m.refreshViewport()
		}
	case agent.EventAgentThoughtChunk:
		if out := m.agg.Push(AgentThought, ev.Text); out != "" {
			m.transcript = append(m.transcript, thoughtStyle.Render(out))
			m.refreshViewport()
		}
	case agent.EventToolCall:
		if ev.ToolCall != nil {
			m.transcript = append(m.transcript, toolStyle.Render("tool: "+ev.ToolCall.Title))
			m.refreshViewport()
		}
	case agent.EventToolCallUpdate:
		if ev.ToolCall != nil && ev.ToolCall.Status != "" {
			m.transcript = append(m.transcript, toolStyle.Render(fmt.Sprintf("tool %s: %s", ev.ToolCall.ToolCallID, ev.ToolCall.Status)))
			m.refreshViewport()
		}
	case agent.EventPermissionRequested:
		m.permission = ev.Permission
	case agent.EventModeUpdate:
		m.mode = ev.Mode
	case agent.EventCallCompleted:
		m.finishTurn()
		if ev.StopReason != "" && ev.StopReason != "end_turn" {
			m.transcript = append(m.transcript, errorStyle.Render("turn stopped: "+ev.StopReason))
		}
		m.waiting = false
		m.refreshViewport()
	case agent.EventCallFailed:
		m.finishTurn()
		m.errText = ev.Error
		m.waiting = false
		m.refreshViewport()
	}
	return m
}

// finishTurn flushes the aggregator tail and re-renders the whole turn as
// markdown in place of the raw streamed lines.
func (m *Model) finishTurn() {
	m.agg.Flush(AgentMessage)
	if tail := m.agg.Flush(AgentThought); tail != "" {
		m.transcript = append(m.transcript, thoughtStyle.Render(tail))
	}
	turn := m.current.String()
	m.current.Reset()
	raw := m.currentLines
	m.currentLines = nil
	if turn == "" {
		return
	}

	drop := make(map[int]bool, len(raw))
	for _, idx := range raw {
		drop[idx] = true
	}
	kept := m.transcript[:0]
	for i, line := range m.transcript {
		if !drop[i] {
			kept = append(kept, line)
		}
	}
	m.transcript = kept
	m.transcript = append(m.transcript, strings.TrimRight(renderMarkdown(turn, m.width), "\n"))
}

func renderMarkdown(text string, width int) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return text
	}
	rendered, err := renderer.Render(text)
	if err != nil {
		return text
	}
	return rendered
}

func (m *Model) refreshViewport() {
	m.viewport.SetContent(strings.Join(m.transcript, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var parts []string
	parts = append(parts, m.viewport.View())

	if m.permission != nil {
		parts = append(parts, m.permissionView())
	}

	status := m.spaceName
	if m.mode != "" {
		status += " [" + m.mode + "]"
	}
	if m.waiting {
		status += " " + m.spin.View() + " thinking (esc to cancel)"
	}
	if m.errText != "" {
		status += " " + errorStyle.Render(m.errText)
	}
	parts = append(parts, status)
	parts = append(parts, m.input.View())

	return strings.Join(parts, "\n")
}

func (m Model) permissionView() string {
	perm := m.permission
	var b strings.Builder
	b.WriteString("The agent wants to: " + perm.Title + "\n")
	for i, opt := range perm.Options {
		b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, opt.Name))
	}
	b.WriteString("esc: deny")
	return overlayStyle.Render(b.String())
}

// Waiting reports whether a turn is in flight.
func (m Model) Waiting() bool { return m.waiting }

// PendingPermission returns the permission ask on screen, if any.
func (m Model) PendingPermission() *agent.PermissionEvent { return m.permission }

// Transcript returns the rendered transcript lines.
func (m Model) Transcript() []string { return m.transcript }

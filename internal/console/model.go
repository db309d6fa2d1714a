// Package console is the interactive terminal view of a running session.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/connection"
	"github.com/ageniuscoder/corelink/internal/presence"
	"github.com/ageniuscoder/corelink/internal/queue"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Agent is the part of a session the console drives.
type Agent interface {
	UserID() string
	ConnectionStatus() connection.Status
	QueueState() queue.State
	PresenceSnapshot() []presence.Record
	Servers() []capability.Info
	SendMessage(ctx context.Context, d queue.Draft) (string, error)
	UpdateUserPresence(ctx context.Context, status presence.Status, projectID string, activeMemories []string) (presence.Record, error)
	ConnectToServer(ctx context.Context, desc capability.Descriptor) (capability.Info, error)
	DisconnectServer(serverID string) (bool, error)
	ExecuteTool(ctx context.Context, serverID string, call capability.ToolCall) (capability.ToolResult, error)
}

const maxLogLines = 500

type snapshot struct {
	user     string
	status   connection.Status
	queue    queue.State
	presence []presence.Record
	servers  []capability.Info
}

type tickMsg time.Time

type refreshMsg struct {
	snapshot
	// scheduled is set on refreshes driven by the tick loop.
	scheduled bool
}

type actionDoneMsg struct {
	text string
	err  error
}

type eventMsg string

type Model struct {
	agent    Agent
	events   <-chan string
	interval time.Duration
	timeout  time.Duration

	snap   snapshot
	logs   []string
	width  int
	height int

	input   textinput.Model
	log     viewport.Model
	spinner spinner.Model
	theme   theme
}

// New builds the console. events carries lines pushed by the session, such
// as inbound messages; it may be nil.
func New(agent Agent, events <-chan string, refresh time.Duration) Model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 2000
	input.Placeholder = "type to broadcast, /help for commands"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	if refresh <= 0 {
		refresh = time.Second
	}
	return Model{
		agent:    agent,
		events:   events,
		interval: refresh,
		timeout:  30 * time.Second,
		logs:     []string{},
		input:    input,
		log:      viewport.New(80, 10),
		spinner:  sp,
		theme:    newTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.refreshCmd(true), m.waitForEvent())
}

func tickEvery(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refreshCmd(scheduled bool) tea.Cmd {
	agent := m.agent
	return func() tea.Msg {
		return refreshMsg{
			snapshot: snapshot{
				user:     agent.UserID(),
				status:   agent.ConnectionStatus(),
				queue:    agent.QueueState(),
				presence: agent.PresenceSnapshot(),
				servers:  agent.Servers(),
			},
			scheduled: scheduled,
		}
	}
}

func (m Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	events := m.events
	return func() tea.Msg {
		line, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(line)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case refreshMsg:
		m.snap = msg.snapshot
		if msg.scheduled {
			cmds = append(cmds, tickEvery(m.interval))
		}
	case tickMsg:
		cmds = append(cmds, m.refreshCmd(true))
	case eventMsg:
		m.appendLog(string(msg))
		cmds = append(cmds, m.waitForEvent())
	case actionDoneMsg:
		if msg.err != nil {
			m.appendLog(m.theme.errorText.Render("error: " + msg.err.Error()))
		} else if msg.text != "" {
			m.appendLog(msg.text)
		}
		cmds = append(cmds, m.refreshCmd(false))
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			if strings.TrimSpace(line) == "" {
				return m, nil
			}
			cmd, err := Parse(line)
			if err != nil {
				m.appendLog(m.theme.errorText.Render(err.Error()))
				return m, nil
			}
			switch cmd.Verb {
			case VerbQuit:
				return m, tea.Quit
			case VerbHelp:
				m.appendLog(m.theme.help.Render(helpText))
				return m, nil
			}
			m.appendLog(m.theme.echo.Render("❯ " + line))
			return m, m.run(cmd)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// run executes cmd off the update loop.
func (m Model) run(cmd Command) tea.Cmd {
	agent := m.agent
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		switch cmd.Verb {
		case VerbSay, VerbSend:
			to := wire.Broadcast
			if cmd.Verb == VerbSend {
				to = cmd.Target
			}
			id, err := agent.SendMessage(ctx, queue.Draft{
				Type: wire.TypeConversationUpdate,
				To:   to,
				Data: map[string]string{"text": cmd.Text},
			})
			return actionDoneMsg{text: fmt.Sprintf("queued %s for %s", short(id), to), err: err}
		case VerbStatus:
			rec, err := agent.UpdateUserPresence(ctx, cmd.Status, cmd.Target, nil)
			return actionDoneMsg{text: "presence is now " + string(rec.Status), err: err}
		case VerbConnect:
			info, err := agent.ConnectToServer(ctx, capability.Descriptor{ID: cmd.Target, Name: cmd.Name})
			if err != nil {
				return actionDoneMsg{err: err}
			}
			return actionDoneMsg{text: fmt.Sprintf("connected %s: %d tools, %d resources, %d prompts",
				info.ServerID, len(info.Capabilities.Tools), len(info.Capabilities.Resources), len(info.Capabilities.Prompts))}
		case VerbDisconnect:
			ok, err := agent.DisconnectServer(cmd.Target)
			if err == nil && !ok {
				err = fmt.Errorf("server %s is not registered", cmd.Target)
			}
			return actionDoneMsg{text: "disconnected " + cmd.Target, err: err}
		case VerbTool:
			res, err := agent.ExecuteTool(ctx, cmd.Target, capability.ToolCall{Tool: cmd.Name, Arguments: cmd.Args})
			if err != nil {
				return actionDoneMsg{err: err}
			}
			return actionDoneMsg{text: renderResult(cmd, res)}
		}
		return actionDoneMsg{err: fmt.Errorf("unsupported command %s", cmd.Verb)}
	}
}

func renderResult(cmd Command, res capability.ToolResult) string {
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		switch c.Type {
		case capability.ContentText:
			parts = append(parts, c.Text)
		default:
			b, _ := json.Marshal(c)
			parts = append(parts, string(b))
		}
	}
	prefix := cmd.Target + "/" + cmd.Name
	if res.IsError {
		prefix += " (error)"
	}
	return prefix + ": " + strings.Join(parts, " ")
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m *Model) appendLog(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
	m.log.SetContent(strings.Join(m.logs, "\n"))
	m.log.GotoBottom()
}

func (m *Model) resize() {
	w := max(m.width-4, 20)
	m.input.Width = w - 4
	m.log.Width = w
	m.log.Height = max(m.height-16, 3)
}

func (m Model) View() string {
	header := m.renderHeader()
	side := lipgloss.JoinHorizontal(lipgloss.Top,
		m.theme.panel.Render(m.renderServers()),
		m.theme.panel.Render(m.renderPresence()),
		m.theme.panel.Render(m.renderQueue()),
	)
	body := m.theme.panel.Render(m.log.View())
	input := m.theme.inputPanel.Render(m.input.View())
	return m.theme.root.Render(lipgloss.JoinVertical(lipgloss.Left, header, side, body, input))
}

func (m Model) renderHeader() string {
	st := m.snap.status
	state := st.State.String()
	style := m.theme.ok
	switch {
	case st.Connected:
	case st.Connecting || st.Reconnecting:
		style = m.theme.warn
		state = m.spinner.View() + " " + state
		if st.ReconnectAttempts > 0 {
			state += fmt.Sprintf(" (attempt %d)", st.ReconnectAttempts)
		}
	default:
		style = m.theme.errorText
	}
	user := m.snap.user
	if user == "" {
		user = "(not initialized)"
	}
	line := fmt.Sprintf("corelink · %s · %s", user, style.Render(state))
	if st.Connected {
		line += fmt.Sprintf(" · %s %s", st.Quality, st.Latency.Round(time.Millisecond))
	}
	return m.theme.header.Render(line)
}

func (m Model) renderServers() string {
	var b strings.Builder
	b.WriteString(m.theme.title.Render("servers"))
	if len(m.snap.servers) == 0 {
		b.WriteString("\n" + m.theme.help.Render("none"))
	}
	for _, s := range m.snap.servers {
		mark := m.theme.ok.Render("●")
		if !s.Connected {
			mark = m.theme.errorText.Render("○")
		}
		fmt.Fprintf(&b, "\n%s %s %s", mark, s.ServerID, m.theme.help.Render(string(s.Quality)))
	}
	return b.String()
}

func (m Model) renderPresence() string {
	var b strings.Builder
	b.WriteString(m.theme.title.Render("peers"))
	recs := append([]presence.Record(nil), m.snap.presence...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].UserID < recs[j].UserID })
	if len(recs) == 0 {
		b.WriteString("\n" + m.theme.help.Render("nobody yet"))
	}
	for _, r := range recs {
		line := fmt.Sprintf("\n%s %s", r.UserID, m.theme.help.Render(string(r.Status)))
		if r.CurrentProject != "" {
			line += " @" + r.CurrentProject
		}
		b.WriteString(line)
	}
	return b.String()
}

func (m Model) renderQueue() string {
	q := m.snap.queue
	return m.theme.title.Render("queue") + fmt.Sprintf("\npending %d\nfailed %d\ndelivered %d\nacked %d",
		len(q.Pending), len(q.Failed), len(q.Delivered), len(q.Acknowledged))
}

type theme struct {
	root       lipgloss.Style
	header     lipgloss.Style
	panel      lipgloss.Style
	inputPanel lipgloss.Style
	title      lipgloss.Style
	help       lipgloss.Style
	echo       lipgloss.Style
	ok         lipgloss.Style
	warn       lipgloss.Style
	errorText  lipgloss.Style
}

func newTheme() theme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	amber := lipgloss.Color("#ffb86c")
	muted := lipgloss.Color("#9ca3d8")

	return theme{
		root: lipgloss.NewStyle().Padding(0, 1),
		header: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		inputPanel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		title:     lipgloss.NewStyle().Foreground(mint).Bold(true),
		help:      lipgloss.NewStyle().Foreground(muted),
		echo:      lipgloss.NewStyle().Foreground(blue),
		ok:        lipgloss.NewStyle().Foreground(mint).Bold(true),
		warn:      lipgloss.NewStyle().Foreground(amber).Bold(true),
		errorText: lipgloss.NewStyle().Foreground(pink).Bold(true),
	}
}

package console

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/connection"
	"github.com/ageniuscoder/corelink/internal/presence"
	"github.com/ageniuscoder/corelink/internal/queue"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/wire"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line    string
		want    Command
		wantErr string
	}{
		{line: "hello all", want: Command{Verb: VerbSay, Text: "hello all"}},
		{line: "/send bob ship it", want: Command{Verb: VerbSend, Target: "bob", Text: "ship it"}},
		{line: "/status Busy apollo", want: Command{Verb: VerbStatus, Status: presence.StatusBusy, Target: "apollo"}},
		{line: "/connect notes Team Notes", want: Command{Verb: VerbConnect, Target: "notes", Name: "Team Notes"}},
		{line: "/disconnect notes", want: Command{Verb: VerbDisconnect, Target: "notes"}},
		{line: `/tool notes search {"q":"milk"}`, want: Command{Verb: VerbTool, Target: "notes", Name: "search", Args: map[string]any{"q": "milk"}}},
		{line: "/QUIT", want: Command{Verb: VerbQuit}},
		{line: "   ", wantErr: "empty input"},
		{line: "/", wantErr: "empty command"},
		{line: "/send bob", wantErr: "usage: /send"},
		{line: "/status asleep", wantErr: `unknown status "asleep"`},
		{line: "/tool notes search [1]", wantErr: "JSON object"},
		{line: "/dance", wantErr: "unknown command /dance"},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			got, err := Parse(tc.line)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type fakeAgent struct {
	mu       sync.Mutex
	drafts   []queue.Draft
	statuses []presence.Status
	servers  map[string]bool
}

func newFakeAgent() *fakeAgent { return &fakeAgent{servers: map[string]bool{}} }

func (a *fakeAgent) UserID() string { return "alice" }

func (a *fakeAgent) ConnectionStatus() connection.Status {
	return connection.Status{State: connection.StateConnected, Connected: true, Quality: connection.QualityExcellent, Latency: 42 * time.Millisecond}
}

func (a *fakeAgent) QueueState() queue.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return queue.State{Delivered: make([]string, len(a.drafts))}
}

func (a *fakeAgent) PresenceSnapshot() []presence.Record {
	return []presence.Record{{UserID: "bob", Status: presence.StatusAway, CurrentProject: "apollo"}}
}

func (a *fakeAgent) Servers() []capability.Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []capability.Info
	for id := range a.servers {
		out = append(out, capability.Info{ServerID: id, Connected: true, Quality: connection.QualityGood})
	}
	return out
}

func (a *fakeAgent) SendMessage(_ context.Context, d queue.Draft) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drafts = append(a.drafts, d)
	return "0123456789abcdef", nil
}

func (a *fakeAgent) UpdateUserPresence(_ context.Context, st presence.Status, _ string, _ []string) (presence.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses = append(a.statuses, st)
	return presence.Record{UserID: "alice", Status: st}, nil
}

func (a *fakeAgent) ConnectToServer(_ context.Context, d capability.Descriptor) (capability.Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.servers[d.ID] = true
	return capability.Info{ServerID: d.ID, Connected: true, Capabilities: capability.Set{
		Tools: map[string]capability.Tool{"search": {Name: "search"}},
	}}, nil
}

func (a *fakeAgent) DisconnectServer(id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ok := a.servers[id]
	delete(a.servers, id)
	return ok, nil
}

func (a *fakeAgent) ExecuteTool(_ context.Context, server string, call capability.ToolCall) (capability.ToolResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.servers[server] {
		return capability.ToolResult{}, &transport.ConnectionError{Op: "call", Target: server, Err: errors.New("not connected")}
	}
	q, _ := call.Arguments["q"].(string)
	return capability.ToolResult{Content: []capability.Content{capability.TextContent("found " + q)}}, nil
}

// submit types line, presses enter and feeds the resulting action back.
func submit(t *testing.T, m Model, line string) Model {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(line)})
	next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	assert.Empty(t, m.input.Value(), "input clears on enter")
	if cmd == nil {
		return m
	}
	msg := cmd()
	if _, ok := msg.(actionDoneMsg); !ok {
		return m
	}
	next, _ = m.Update(msg)
	return next.(Model)
}

func lastLog(m Model) string {
	if len(m.logs) == 0 {
		return ""
	}
	return m.logs[len(m.logs)-1]
}

func TestCommandsDriveTheAgent(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent()
	m := New(agent, nil, time.Second)

	m = submit(t, m, "hello team")
	assert.Contains(t, lastLog(m), "queued 01234567 for broadcast")

	m = submit(t, m, "/send bob ship it")
	require.Len(t, agent.drafts, 2)
	assert.Equal(t, wire.Broadcast, agent.drafts[0].To)
	assert.Equal(t, "bob", agent.drafts[1].To)
	assert.Equal(t, wire.TypeConversationUpdate, agent.drafts[1].Type)

	m = submit(t, m, `/tool notes search {"q":"milk"}`)
	assert.Contains(t, lastLog(m), "not connected")

	m = submit(t, m, "/connect notes")
	assert.Contains(t, lastLog(m), "connected notes: 1 tools")

	m = submit(t, m, `/tool notes search {"q":"milk"}`)
	assert.Equal(t, "notes/search: found milk", lastLog(m))

	m = submit(t, m, "/status busy")
	assert.Equal(t, []presence.Status{presence.StatusBusy}, agent.statuses)

	m = submit(t, m, "/disconnect notes")
	assert.Equal(t, "disconnected notes", lastLog(m))
	m = submit(t, m, "/disconnect notes")
	assert.Contains(t, lastLog(m), "not registered")
}

func TestLocalCommands(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent()
	m := New(agent, nil, time.Second)

	m = submit(t, m, "/help")
	assert.Contains(t, lastLog(m), "/connect <server>")
	m = submit(t, m, "/dance")
	assert.Contains(t, lastLog(m), "unknown command")
	assert.Empty(t, agent.drafts)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("/quit")})
	_, cmd := next.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestRefreshRendersSnapshot(t *testing.T) {
	t.Parallel()

	agent := newFakeAgent()
	agent.servers["notes"] = true
	m := New(agent, nil, time.Second)

	next, cmd := m.Update(m.refreshCmd(true)())
	require.NotNil(t, cmd, "scheduled refresh re-arms the ticker")
	view := next.View()
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "connected")
	assert.Contains(t, view, "42ms")
	assert.Contains(t, view, "notes")
	assert.Contains(t, view, "bob")
	assert.Contains(t, view, "@apollo")
}

func TestEventsAreLogged(t *testing.T) {
	t.Parallel()

	events := make(chan string, 1)
	events <- "bob: ship it"
	m := New(newFakeAgent(), events, time.Second)

	msg := m.waitForEvent()()
	next, cmd := m.Update(msg)
	assert.Equal(t, "bob: ship it", lastLog(next.(Model)))
	assert.NotNil(t, cmd, "keeps listening")
}

package relay_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/ageniuscoder/corelink/internal/auth"
	"github.com/ageniuscoder/corelink/internal/builtin"
	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/core"
	"github.com/ageniuscoder/corelink/internal/logger"
	"github.com/ageniuscoder/corelink/internal/queue"
	"github.com/ageniuscoder/corelink/internal/relay"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsTalkThroughRelay(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	ctx := context.Background()

	start := func(user string, providers ...*capability.Provider) *core.Session {
		s := core.New(&transport.WebSocketDialer{Log: logger.Discard()}, core.Options{
			Device:      "laptop",
			Token:       auth.Source(secret, user, time.Hour),
			Providers:   providers,
			CallTimeout: 5 * time.Second,
			Log:         logger.Discard(),
		})
		t.Cleanup(s.Dispose)
		require.NoError(t, s.Initialize(ctx, user, e.wsURL()))
		return s
	}

	alice := start("alice", builtin.New("alice-tools", nil, func() any { return map[string]string{"mood": "fine"} }))
	bob := start("bob")
	inbox := make(chan wire.Message, 4)
	bob.OnMessage(func(m wire.Message) { inbox <- m })

	require.Eventually(t, func() bool { return len(e.hub.Peers()) == 2 }, 2*time.Second, 5*time.Millisecond)

	info, err := bob.ConnectToServer(ctx, capability.Descriptor{ID: "alice-tools"})
	require.NoError(t, err)
	assert.True(t, info.Capabilities.HasTool("echo"))

	res, err := bob.ExecuteTool(ctx, "alice-tools", capability.ToolCall{Tool: "echo", Arguments: map[string]any{"text": "hi bob"}})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hi bob", res.Content[0].Text)

	status, err := bob.GetResource(ctx, "alice-tools", builtin.StatusURI)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mood":"fine"}`, status.Text)

	_, err = bob.ExecuteTool(ctx, "alice-tools", capability.ToolCall{Tool: "rm"})
	var notFound *capability.ToolNotFoundError
	assert.ErrorAs(t, err, &notFound)

	id, err := alice.SendMessage(ctx, queue.Draft{
		Type:     wire.TypeMemoryUpdate,
		To:       "bob",
		Data:     map[string]string{"memory": "roadmap"},
		Priority: wire.PriorityHigh,
	})
	require.NoError(t, err)

	select {
	case m := <-inbox:
		assert.Equal(t, id, m.ID)
		assert.Equal(t, "alice", m.From)
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the message")
	}
	require.Eventually(t, func() bool {
		return slices.Contains(alice.QueueState().Acknowledged, id)
	}, 2*time.Second, 5*time.Millisecond, "high priority messages are acknowledged")
}

package capability_test

import (
	"context"
	"testing"
	"time"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/capability/capabilitytest"
	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/connection"
	"github.com/ageniuscoder/corelink/internal/logger"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func notesProvider() *capability.Provider {
	p := capability.NewProvider("notes")
	p.AddTool(capability.Tool{Name: "search", Description: "full text search",
		Parameters: map[string]capability.Parameter{"q": {Type: "string", Description: "query"}}},
		func(_ context.Context, args map[string]any) (capability.ToolResult, error) {
			return capability.ToolResult{Content: []capability.Content{capability.TextContent("found " + args["q"].(string))}}, nil
		})
	p.AddResource(capability.Resource{URI: "notes://today", Name: "today", MimeType: "text/plain"},
		func(_ context.Context, uri string) (capability.ResourceContents, error) {
			return capability.ResourceContents{URI: uri, MimeType: "text/plain", Text: "buy milk"}, nil
		})
	p.AddPrompt(capability.Prompt{Name: "recap", Arguments: []capability.PromptArgument{{Name: "topic", Required: true}}},
		func(_ context.Context, args map[string]string) (capability.PromptResult, error) {
			return capability.PromptResult{Messages: []capability.PromptMessage{{Role: "user", Content: capability.TextContent("recap " + args["topic"])}}}, nil
		})
	return p
}

func newRegistry(clk clock.Clock) (*capability.Registry, *capabilitytest.Backend) {
	backend := capabilitytest.Wrap(capability.NewLocalBackend(notesProvider()))
	reg := capability.NewRegistry(backend, capability.RegistryOptions{
		Clock:   clk,
		Log:     logger.Discard(),
		Backoff: connection.Backoff{Base: time.Second, Cap: 30 * time.Second, Max: 5},
	})
	return reg, backend
}

func TestConnectFetchesCapabilities(t *testing.T) {
	t.Parallel()

	reg, backend := newRegistry(clock.NewFake(epoch))
	info, err := reg.Connect(context.Background(), capability.Descriptor{ID: "notes", Name: "Notes"})
	require.NoError(t, err)

	assert.True(t, info.Connected)
	assert.Equal(t, epoch, info.LastPing)
	assert.True(t, info.Capabilities.HasTool("search"))
	assert.True(t, info.Capabilities.HasResource("notes://today"))
	assert.True(t, info.Capabilities.HasPrompt("recap"))
	assert.Equal(t, 1, backend.Calls("ping"))
	assert.Equal(t, 1, backend.Calls("capabilities"))
}

func TestConnectIsIdempotent(t *testing.T) {
	t.Parallel()

	reg, backend := newRegistry(clock.NewFake(epoch))
	first, err := reg.Connect(context.Background(), capability.Descriptor{ID: "notes"})
	require.NoError(t, err)
	second, err := reg.Connect(context.Background(), capability.Descriptor{ID: "notes"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, backend.Calls("ping"))
	assert.Equal(t, 1, backend.Calls("capabilities"))
}

func TestConnectRejectsEmptyDescriptor(t *testing.T) {
	t.Parallel()

	reg, backend := newRegistry(clock.NewFake(epoch))
	_, err := reg.Connect(context.Background(), capability.Descriptor{})
	assert.Error(t, err)
	assert.Equal(t, 0, backend.Total())
}

func TestConnectUnknownServerIsConnectionError(t *testing.T) {
	t.Parallel()

	reg, _ := newRegistry(clock.NewFake(epoch))
	_, err := reg.Connect(context.Background(), capability.Descriptor{ID: "missing"})
	assert.True(t, transport.IsConnectionError(err))

	sc, ok := reg.Get("missing")
	require.True(t, ok)
	assert.False(t, sc.Connected())
}

func TestDisconnectKeepsStaleCapabilities(t *testing.T) {
	t.Parallel()

	reg, backend := newRegistry(clock.NewFake(epoch))
	_, err := reg.Connect(context.Background(), capability.Descriptor{ID: "notes"})
	require.NoError(t, err)

	require.True(t, reg.Disconnect("notes"))
	sc, _ := reg.Get("notes")
	assert.False(t, sc.Connected())
	assert.True(t, sc.Capabilities().HasTool("search"))

	_, err = reg.Connect(context.Background(), capability.Descriptor{ID: "notes"})
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Calls("capabilities"), "reconnect re-fetches the map")

	assert.False(t, reg.Disconnect("nope"))
}

func TestHeartbeatTripsAfterThreshold(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	reg, backend := newRegistry(clk)
	_, err := reg.Connect(context.Background(), capability.Descriptor{ID: "notes"})
	require.NoError(t, err)

	hb := capability.NewHeartbeat(reg, capability.HeartbeatOptions{Interval: 30 * time.Second, Threshold: 3})
	backend.FailPings(true)

	for i := 0; i < 3; i++ {
		hb.Beat(context.Background())
	}
	sc, _ := reg.Get("notes")
	assert.True(t, sc.Connected())
	assert.Equal(t, 3, sc.Info().ErrorCount)

	hb.Beat(context.Background())
	assert.False(t, sc.Connected())
	assert.Equal(t, 4, sc.Info().ErrorCount)
}

func TestHeartbeatSuccessResetsErrorsAndReportsLatency(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	reg, backend := newRegistry(clk)
	_, err := reg.Connect(context.Background(), capability.Descriptor{ID: "notes"})
	require.NoError(t, err)

	var reported []time.Duration
	hb := capability.NewHeartbeat(reg, capability.HeartbeatOptions{
		Interval:  30 * time.Second,
		Threshold: 3,
		OnLatency: func(d time.Duration) { reported = append(reported, d) },
	})
	hb.Start()
	t.Cleanup(hb.Stop)

	backend.FailPings(true)
	clk.Advance(60 * time.Second)
	sc, _ := reg.Get("notes")
	assert.Equal(t, 2, sc.Info().ErrorCount)

	backend.FailPings(false)
	clk.Advance(30 * time.Second)
	info := sc.Info()
	assert.Equal(t, 0, info.ErrorCount)
	assert.Equal(t, epoch.Add(90*time.Second), info.LastPing)
	assert.Equal(t, connection.QualityExcellent, info.Quality)
	assert.Len(t, reported, 1)
}

func TestHeartbeatDisconnectSchedulesServerReconnect(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	reg, backend := newRegistry(clk)
	_, err := reg.Connect(context.Background(), capability.Descriptor{ID: "notes"})
	require.NoError(t, err)
	t.Cleanup(reg.Dispose)

	hb := capability.NewHeartbeat(reg, capability.HeartbeatOptions{Threshold: 3})
	backend.FailPings(true)
	for i := 0; i < 4; i++ {
		hb.Beat(context.Background())
	}
	sc, _ := reg.Get("notes")
	require.False(t, sc.Connected())

	backend.FailPings(false)
	clk.Advance(time.Second)
	assert.True(t, sc.Connected())
	assert.Equal(t, 0, sc.Info().ErrorCount)
	assert.Equal(t, 2, backend.Calls("capabilities"))
}

func TestDisconnectDuringServerReconnectWins(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		failPings bool
	}{
		{name: "reconnect succeeds", failPings: false},
		{name: "reconnect fails", failPings: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clk := clock.NewFake(epoch)
			reg, backend := newRegistry(clk)
			_, err := reg.Connect(context.Background(), capability.Descriptor{ID: "notes"})
			require.NoError(t, err)
			t.Cleanup(reg.Dispose)

			hb := capability.NewHeartbeat(reg, capability.HeartbeatOptions{Threshold: 3})
			backend.FailPings(true)
			for i := 0; i < 4; i++ {
				hb.Beat(context.Background())
			}
			sc, _ := reg.Get("notes")
			require.False(t, sc.Connected())

			backend.FailPings(tc.failPings)
			once := true
			backend.OnPing(func(server string) {
				if once {
					once = false
					reg.Disconnect(server)
				}
			})
			clk.Advance(time.Second)

			assert.False(t, sc.Connected())
			assert.True(t, reg.Released("notes"))
			assert.Equal(t, 0, clk.Pending(), "no further reconnect is armed")
			clk.Advance(time.Hour)
			assert.False(t, sc.Connected())
		})
	}
}

func TestHeartbeatSkipsDisconnectedServers(t *testing.T) {
	t.Parallel()

	reg, backend := newRegistry(clock.NewFake(epoch))
	_, err := reg.Connect(context.Background(), capability.Descriptor{ID: "notes"})
	require.NoError(t, err)
	reg.Disconnect("notes")

	hb := capability.NewHeartbeat(reg, capability.HeartbeatOptions{})
	hb.Beat(context.Background())
	assert.Equal(t, 1, backend.Calls("ping"))
}

func TestProviderPromptRequiresArguments(t *testing.T) {
	t.Parallel()

	p := notesProvider()
	_, err := p.GetPrompt(context.Background(), "recap", map[string]string{})
	assert.ErrorContains(t, err, "missing required argument")

	res, err := p.GetPrompt(context.Background(), "recap", map[string]string{"topic": "standup"})
	require.NoError(t, err)
	assert.Equal(t, "recap standup", res.Messages[0].Content.Text)
}

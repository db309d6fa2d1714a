package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/logger"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/transport/transporttest"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clk    *clock.Fake
	dialer *transporttest.Dialer
	sup    *Supervisor
	fatals []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clk: clock.NewFake(epoch), dialer: &transporttest.Dialer{}}
	h.sup = NewSupervisor(h.dialer, Options{
		UserID:  "alice",
		Device:  "laptop",
		Token:   func() (string, error) { return "tok", nil },
		Backoff: Backoff{Base: time.Second, Cap: 30 * time.Second, Max: 5},
		Clock:   h.clk,
		Log:     logger.Discard(),
		OnFatal: func(err error) { h.fatals = append(h.fatals, err) },
	})
	t.Cleanup(h.sup.Dispose)
	return h
}

func TestConnectSendsAuthAndRunsHooks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	flushed := 0
	h.sup.OnConnected(func(context.Context) { flushed++ })

	require.NoError(t, h.sup.Connect(context.Background(), "ws://relay/ws"))

	st := h.sup.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Connecting)
	assert.False(t, st.Reconnecting)
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Equal(t, epoch, st.LastConnected)
	assert.Equal(t, 1, flushed)

	auth := h.dialer.Last().SentKind(wire.FrameAuth)
	require.Len(t, auth, 1)
	assert.Equal(t, "tok", auth[0].Auth.Token)
	assert.Equal(t, "alice", auth[0].Auth.UserID)
}

func TestConnectFailureSchedulesReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dialer.FailNext(1)

	err := h.sup.Connect(context.Background(), "ws://relay/ws")
	require.Error(t, err)
	assert.True(t, transport.IsConnectionError(err))

	st := h.sup.Status()
	assert.True(t, st.Reconnecting)
	assert.Equal(t, 1, st.ReconnectAttempts)

	h.clk.Advance(time.Second)
	assert.True(t, h.sup.Connected())
	assert.Equal(t, 2, h.dialer.Attempts())
	assert.Equal(t, 0, h.sup.Status().ReconnectAttempts)
}

func TestBackoffIsMonotonicAndResetsAfterSuccess(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Cap: 30 * time.Second, Max: 10}
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Delay(i)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, b.Cap)
		prev = d
	}
	assert.Equal(t, 30*time.Second, b.Delay(9))

	h := newHarness(t)
	require.NoError(t, h.sup.Connect(context.Background(), "ws://relay/ws"))

	h.dialer.FailNext(2)
	h.dialer.Last().Drop(errors.New("reset by peer"))
	next, ok := h.clk.NextIn()
	require.True(t, ok)
	assert.Equal(t, time.Second, next)

	h.clk.Advance(time.Second)
	next, _ = h.clk.NextIn()
	assert.Equal(t, 2*time.Second, next)

	h.clk.Advance(2 * time.Second)
	next, _ = h.clk.NextIn()
	assert.Equal(t, 4*time.Second, next)

	h.clk.Advance(4 * time.Second)
	require.True(t, h.sup.Connected())

	h.dialer.Last().Drop(errors.New("reset by peer"))
	next, _ = h.clk.NextIn()
	assert.Equal(t, time.Second, next, "delay resets to base after a successful connection")
}

func TestReconnectExhaustionEmitsSingleFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.sup.Connect(context.Background(), "ws://relay/ws"))

	h.dialer.FailNext(-1)
	h.dialer.Last().Drop(errors.New("gone"))

	h.clk.Advance(10 * time.Minute)

	assert.Equal(t, 1+5, h.dialer.Attempts())
	require.Len(t, h.fatals, 1)
	assert.ErrorIs(t, h.fatals[0], ErrReconnectExhausted)
	assert.Equal(t, 0, h.clk.Pending())

	st := h.sup.Status()
	assert.False(t, st.Connected)
	assert.False(t, st.Reconnecting)
	assert.Equal(t, 5, st.ReconnectAttempts)

	h.clk.Advance(time.Hour)
	assert.Len(t, h.fatals, 1)
}

func TestSendWhileDisconnectedFailsFast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	err := h.sup.Send(context.Background(), wire.AckFrame(wire.Ack{ID: "m1"}))
	assert.True(t, transport.IsConnectionError(err))
	assert.Equal(t, 0, h.dialer.Attempts())
}

func TestAuthFrameIsFirstOnTheSocket(t *testing.T) {
	t.Parallel()

	dialer := &transporttest.Dialer{}
	var sup *Supervisor
	var earlyErr error
	sup = NewSupervisor(dialer, Options{
		UserID: "alice",
		Token: func() (string, error) {
			earlyErr = sup.Send(context.Background(), wire.AckFrame(wire.Ack{ID: "m1", To: "bob"}))
			return "tok", nil
		},
		Clock: clock.NewFake(epoch),
		Log:   logger.Discard(),
	})
	t.Cleanup(sup.Dispose)

	require.NoError(t, sup.Connect(context.Background(), "ws://relay/ws"))
	assert.True(t, transport.IsConnectionError(earlyErr), "sends are refused until the auth frame is out")

	sent := dialer.Last().Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, wire.FrameAuth, sent[0].Kind)

	require.NoError(t, sup.Send(context.Background(), wire.AckFrame(wire.Ack{ID: "m2", To: "bob"})))
	assert.Len(t, dialer.Last().SentKind(wire.FrameAck), 1)
}

func TestDropDuringAuthSchedulesReconnect(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	dialer := &transporttest.Dialer{}
	drops := 1
	sup := NewSupervisor(dialer, Options{
		UserID: "alice",
		Token: func() (string, error) {
			if drops > 0 {
				drops--
				dialer.Last().Drop(errors.New("reset by peer"))
			}
			return "tok", nil
		},
		Backoff: Backoff{Base: time.Second, Cap: 30 * time.Second, Max: 5},
		Clock:   clk,
		Log:     logger.Discard(),
	})
	t.Cleanup(sup.Dispose)

	err := sup.Connect(context.Background(), "ws://relay/ws")
	require.Error(t, err)
	assert.True(t, transport.IsConnectionError(err))
	assert.True(t, sup.Status().Reconnecting)

	clk.Advance(time.Second)
	assert.Equal(t, 2, dialer.Attempts())
	assert.True(t, sup.Connected())
}

func TestInboundFramesReachHandler(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got []wire.Frame
	h.sup.SetFrameHandler(func(f wire.Frame) { got = append(got, f) })
	require.NoError(t, h.sup.Connect(context.Background(), "ws://relay/ws"))

	h.dialer.Last().Deliver(wire.AckFrame(wire.Ack{ID: "m1"}))
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Ack.ID)
}

func TestDisposeStopsReconnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	disconnected := 0
	h.sup.OnDisconnected(func() { disconnected++ })
	require.NoError(t, h.sup.Connect(context.Background(), "ws://relay/ws"))
	conn := h.dialer.Last()

	h.sup.Dispose()
	assert.True(t, conn.Closed())
	assert.Equal(t, 1, disconnected)
	assert.Equal(t, 0, h.clk.Pending())
	assert.ErrorIs(t, h.sup.Connect(context.Background(), "ws://relay/ws"), ErrDisposed)
}

func TestQualityTiers(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		rtt  time.Duration
		want Quality
	}{
		{rtt: 10 * time.Millisecond, want: QualityExcellent},
		{rtt: 50 * time.Millisecond, want: QualityGood},
		{rtt: 150 * time.Millisecond, want: QualityFair},
		{rtt: 200 * time.Millisecond, want: QualityPoor},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, QualityFor(tc.rtt), tc.rtt.String())
	}
}

package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/logger"
	"github.com/ageniuscoder/corelink/internal/queue"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingSender struct {
	drafts []queue.Draft
}

func (s *recordingSender) Send(_ context.Context, d queue.Draft) (string, error) {
	s.drafts = append(s.drafts, d)
	return "id", nil
}

func newRegistry(clk clock.Clock) (*Registry, *recordingSender) {
	s := &recordingSender{}
	return NewRegistry("alice", "laptop", s, clk, logger.Discard()), s
}

func statusMessage(t *testing.T, from string, rec Record) wire.Message {
	t.Helper()
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	return wire.Message{ID: from + "-1", Type: wire.TypeUserStatus, From: from, To: wire.Broadcast, Data: b, Timestamp: epoch}
}

func TestUpdateStoresAndBroadcasts(t *testing.T) {
	t.Parallel()

	r, s := newRegistry(clock.NewFake(epoch))
	rec, err := r.Update(context.Background(), StatusBusy, "proj-1", []string{"m1", "m2"})
	require.NoError(t, err)

	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, "laptop", rec.Device)
	assert.Equal(t, rec, r.Get("alice"))

	require.Len(t, s.drafts, 1)
	d := s.drafts[0]
	assert.Equal(t, wire.TypeUserStatus, d.Type)
	assert.Equal(t, wire.Broadcast, d.To)
	assert.Equal(t, "proj-1", d.ProjectID)
	assert.Equal(t, rec, d.Data)
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	r, s := newRegistry(clock.NewFake(epoch))
	_, err := r.Update(context.Background(), "invisible", "", nil)
	assert.Error(t, err)
	assert.Empty(t, s.drafts)
}

func TestGetUnknownUserIsOffline(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(clock.NewFake(epoch))
	rec := r.Get("ghost")
	assert.Equal(t, "ghost", rec.UserID)
	assert.Equal(t, StatusOffline, rec.Status)
	assert.Equal(t, epoch, rec.LastSeen)
	assert.NotNil(t, rec.ActiveMemories)
}

func TestApplyIsLastWriterWinsByArrival(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(clock.NewFake(epoch))
	newer := Record{Status: StatusOnline, LastSeen: epoch.Add(time.Minute)}
	older := Record{Status: StatusAway, LastSeen: epoch}

	require.NoError(t, r.Apply(statusMessage(t, "bob", newer)))
	require.NoError(t, r.Apply(statusMessage(t, "bob", older)))

	got := r.Get("bob")
	assert.Equal(t, StatusAway, got.Status, "a late stale frame overwrites the newer record")
	assert.Equal(t, "bob", got.UserID)
}

func TestApplyUsesSenderIdentity(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(clock.NewFake(epoch))
	require.NoError(t, r.Apply(statusMessage(t, "bob", Record{UserID: "mallory", Status: StatusOnline})))

	assert.Equal(t, StatusOnline, r.Get("bob").Status)
	assert.Equal(t, StatusOffline, r.Get("mallory").Status)
}

func TestApplyRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(clock.NewFake(epoch))
	require.NoError(t, r.Apply(statusMessage(t, "bob", Record{Status: StatusBusy})))

	for _, status := range []Status{"dancing", ""} {
		assert.Error(t, r.Apply(statusMessage(t, "bob", Record{Status: status})), "status %q", status)
	}
	assert.Equal(t, StatusBusy, r.Get("bob").Status)
}

func TestApplyRejectsEncryptedData(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(clock.NewFake(epoch))
	msg := statusMessage(t, "bob", Record{Status: StatusOnline})
	msg.Encrypted = true
	assert.Error(t, r.Apply(msg))
}

func TestSnapshotIsOrdered(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(clock.NewFake(epoch))
	for _, u := range []string{"carol", "bob", "dave"} {
		require.NoError(t, r.Apply(statusMessage(t, u, Record{Status: StatusOnline})))
	}
	var ids []string
	for _, rec := range r.Snapshot() {
		ids = append(ids, rec.UserID)
	}
	assert.Equal(t, []string{"bob", "carol", "dave"}, ids)
}

func TestSweeperPrunesStalePeers(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	r, _ := newRegistry(clk)
	_, err := r.Update(context.Background(), StatusOnline, "", nil)
	require.NoError(t, err)
	require.NoError(t, r.Apply(statusMessage(t, "bob", Record{Status: StatusOnline, LastSeen: epoch})))
	require.NoError(t, r.Apply(statusMessage(t, "carol", Record{Status: StatusOnline, LastSeen: epoch.Add(9 * time.Minute)})))

	sw, err := NewSweeper(r, "*/5 * * * *", 10*time.Minute, clk)
	require.NoError(t, err)
	require.NoError(t, sw.Start())
	t.Cleanup(sw.Stop)

	clk.Advance(10 * time.Minute)
	assert.Len(t, r.Snapshot(), 3)

	clk.Advance(5 * time.Minute)
	var ids []string
	for _, rec := range r.Snapshot() {
		ids = append(ids, rec.UserID)
	}
	assert.Equal(t, []string{"alice", "carol"}, ids)
}

func TestSweeperRejectsBadCron(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(clock.NewFake(epoch))
	_, err := NewSweeper(r, "every tuesday", time.Minute, nil)
	assert.Error(t, err)
}

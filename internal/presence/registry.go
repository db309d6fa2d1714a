package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/queue"
	"github.com/ageniuscoder/corelink/internal/wire"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

type Record struct {
	UserID         string    `json:"userId"`
	Status         Status    `json:"status"`
	LastSeen       time.Time `json:"lastSeen"`
	CurrentProject string    `json:"currentProject,omitempty"`
	ActiveMemories []string  `json:"activeMemories"`
	Device         string    `json:"device"`
	Location       string    `json:"location,omitempty"`
}

// Sender queues outbound messages.
type Sender interface {
	Send(ctx context.Context, d queue.Draft) (string, error)
}

// Registry holds the latest known presence of every peer. Inbound records
// are applied in arrival order; a late frame overwrites a newer record.
type Registry struct {
	userID string
	device string
	sender Sender
	clock  clock.Clock
	log    *slog.Logger

	mu      sync.RWMutex
	records map[string]Record
}

func NewRegistry(userID, device string, sender Sender, clk clock.Clock, log *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		userID:  userID,
		device:  device,
		sender:  sender,
		clock:   clk,
		log:     log.With("component", "presence"),
		records: make(map[string]Record),
	}
}

// Update records the local user's presence and broadcasts it.
func (r *Registry) Update(ctx context.Context, status Status, projectID string, activeMemories []string) (Record, error) {
	if !status.Valid() {
		return Record{}, fmt.Errorf("unknown presence status %q", status)
	}
	if activeMemories == nil {
		activeMemories = []string{}
	}
	rec := Record{
		UserID:         r.userID,
		Status:         status,
		LastSeen:       r.clock.Now(),
		CurrentProject: projectID,
		ActiveMemories: activeMemories,
		Device:         r.device,
	}

	r.mu.Lock()
	r.records[rec.UserID] = rec
	r.mu.Unlock()

	if _, err := r.sender.Send(ctx, queue.Draft{
		Type:      wire.TypeUserStatus,
		To:        wire.Broadcast,
		ProjectID: projectID,
		Data:      rec,
		Priority:  wire.PriorityLow,
	}); err != nil {
		return rec, fmt.Errorf("broadcast presence: %w", err)
	}
	return rec, nil
}

// Apply upserts the sender's record from an inbound user_status message.
func (r *Registry) Apply(msg wire.Message) error {
	var rec Record
	if err := msg.DecodeData(&rec); err != nil {
		return fmt.Errorf("decode presence from %s: %w", msg.From, err)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("unknown presence status %q from %s", rec.Status, msg.From)
	}
	rec.UserID = msg.From
	if rec.LastSeen.IsZero() {
		rec.LastSeen = msg.Timestamp
	}
	if rec.ActiveMemories == nil {
		rec.ActiveMemories = []string{}
	}

	r.mu.Lock()
	r.records[rec.UserID] = rec
	r.mu.Unlock()
	r.log.Debug("presence updated", "user", rec.UserID, "status", rec.Status)
	return nil
}

// Get returns the record for userID, synthesizing an offline record for
// unknown users.
func (r *Registry) Get(userID string) Record {
	r.mu.RLock()
	rec, ok := r.records[userID]
	r.mu.RUnlock()
	if ok {
		return rec
	}
	return Record{
		UserID:         userID,
		Status:         StatusOffline,
		LastSeen:       r.clock.Now(),
		ActiveMemories: []string{},
	}
}

// Snapshot returns every record ordered by user id.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Prune removes peers not seen since before cutoff. The local user is kept.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.records {
		if id == r.userID {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n
}

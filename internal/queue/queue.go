// Package queue buffers, sends and retries outbound messages.
//
// Delivery is best effort. Messages of the same priority are flushed in
// enqueue order, but priority never reorders the queue and a retried message
// may land after messages enqueued later. Failed messages older than the
// retry window are discarded without notifying the sender; callers that need
// the final disposition poll State.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/metrics"
	"github.com/ageniuscoder/corelink/internal/secure"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var ErrStopped = errors.New("queue stopped")

// Link is the outbound side of the primary connection.
type Link interface {
	Connected() bool
	Send(ctx context.Context, f wire.Frame) error
}

// Draft is a message before the queue assigns identity and timestamp.
type Draft struct {
	Type      wire.MessageType `validate:"required,oneof=user_status memory_update conversation_update collaboration_event system_notification"`
	To        string           `validate:"required"`
	ProjectID string
	Data      any
	Priority  wire.Priority `validate:"omitempty,oneof=low medium high critical"`
	Encrypt   bool
}

// State is a copy of the four queue lists.
type State struct {
	Pending      []wire.Message
	Failed       []wire.Message
	Delivered    []string
	Acknowledged []string
}

type Options struct {
	UserID        string
	RetryInterval time.Duration
	RetryWindow   time.Duration
	HistoryCap    int
	Gateway       secure.Gateway
	Clock         clock.Clock
	Log           *slog.Logger
}

type Queue struct {
	link     Link
	opts     Options
	clock    clock.Clock
	log      *slog.Logger
	validate *validator.Validate

	mu           sync.Mutex
	pending      []wire.Message
	failed       []wire.Message
	delivered    []string
	acknowledged []string
	stopRetry    func()
	stopped      bool
}

func New(link Link, opts Options) *Queue {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 10 * time.Second
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = 5 * time.Minute
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = 100
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Queue{
		link:     link,
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Log.With("component", "queue"),
		validate: validator.New(),
	}
}

// Start launches the background retry loop.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopRetry != nil || q.stopped {
		return
	}
	q.stopRetry = clock.Every(q.clock, q.opts.RetryInterval, func() {
		q.RetryFailed(context.Background())
	})
}

func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	if q.stopRetry != nil {
		q.stopRetry()
		q.stopRetry = nil
	}
}

// Send stamps the draft and either sends it now or parks it. The returned id
// is the only delivery signal the caller gets.
func (q *Queue) Send(ctx context.Context, d Draft) (string, error) {
	if err := q.validate.Struct(d); err != nil {
		return "", fmt.Errorf("invalid draft: %w", err)
	}
	msg, err := q.build(d)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", ErrStopped
	}
	if !q.link.Connected() {
		q.pending = append(q.pending, msg)
		q.gaugesLocked()
		return msg.ID, nil
	}
	q.attemptLocked(ctx, msg)
	return msg.ID, nil
}

func (q *Queue) build(d Draft) (wire.Message, error) {
	prio := d.Priority
	if prio == "" {
		prio = wire.PriorityMedium
	}
	data, err := json.Marshal(d.Data)
	if err != nil {
		return wire.Message{}, fmt.Errorf("encode message data: %w", err)
	}
	if d.Encrypt {
		if q.opts.Gateway == nil {
			return wire.Message{}, &secure.EncryptionError{Op: "encrypt", Err: errors.New("no encryption gateway configured")}
		}
		env, err := q.opts.Gateway.Encrypt(string(data))
		if err != nil {
			return wire.Message{}, err
		}
		if data, err = json.Marshal(env); err != nil {
			return wire.Message{}, fmt.Errorf("encode envelope: %w", err)
		}
	}
	return wire.Message{
		ID:        uuid.NewString(),
		Type:      d.Type,
		From:      q.opts.UserID,
		To:        d.To,
		ProjectID: d.ProjectID,
		Data:      data,
		Timestamp: q.clock.Now(),
		Priority:  prio,
		Encrypted: d.Encrypt,
	}, nil
}

// attemptLocked sends msg once, recording it as delivered or failed.
func (q *Queue) attemptLocked(ctx context.Context, msg wire.Message) bool {
	if err := q.link.Send(ctx, wire.MessageFrame(msg)); err != nil {
		q.log.Debug("send failed", "id", msg.ID, "err", err)
		q.failed = append(q.failed, msg)
		metrics.MessagesFailed.Inc()
		q.gaugesLocked()
		return false
	}
	q.delivered = appendCapped(q.delivered, msg.ID, q.opts.HistoryCap)
	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	q.gaugesLocked()
	return true
}

// Flush attempts every pending message exactly once, in enqueue order.
func (q *Queue) Flush(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	sent := 0
	for _, msg := range batch {
		if q.attemptLocked(ctx, msg) {
			sent++
		}
	}
	if len(batch) > 0 {
		q.log.Info("flushed pending messages", "attempted", len(batch), "sent", sent)
	}
	return sent
}

// RetryFailed drops failed messages older than the retry window and, while
// connected, retries the rest once.
func (q *Queue) RetryFailed(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	connected := q.link.Connected()
	batch := q.failed
	q.failed = nil
	for _, msg := range batch {
		if msg.Age(now) > q.opts.RetryWindow {
			q.log.Debug("dropping expired message", "id", msg.ID, "age", msg.Age(now))
			metrics.MessagesDropped.Inc()
			continue
		}
		if !connected {
			q.failed = append(q.failed, msg)
			continue
		}
		q.attemptLocked(ctx, msg)
	}
	q.gaugesLocked()
}

// Acknowledge sends an ack frame for inbound messages that require one.
func (q *Queue) Acknowledge(ctx context.Context, msg wire.Message) error {
	if !msg.Priority.NeedsAck() {
		return nil
	}
	return q.link.Send(ctx, wire.AckFrame(wire.Ack{
		ID:   msg.ID,
		From: q.opts.UserID,
		To:   msg.From,
		At:   q.clock.Now(),
	}))
}

// MarkAcknowledged records a receiver's confirmation of id.
func (q *Queue) MarkAcknowledged(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acknowledged = appendCapped(q.acknowledged, id, q.opts.HistoryCap)
	metrics.MessagesAcknowledged.Inc()
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		Pending:      append([]wire.Message(nil), q.pending...),
		Failed:       append([]wire.Message(nil), q.failed...),
		Delivered:    append([]string(nil), q.delivered...),
		Acknowledged: append([]string(nil), q.acknowledged...),
	}
}

func (q *Queue) gaugesLocked() {
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(len(q.pending)))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(len(q.failed)))
}

func appendCapped(list []string, id string, limit int) []string {
	list = append(list, id)
	if over := len(list) - limit; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	return list
}

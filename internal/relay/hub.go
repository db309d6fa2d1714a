// Package relay is the coordination endpoint agents connect to. It
// authenticates sockets and routes messages, acknowledgments and rpc
// traffic between them.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/metrics"
	"github.com/ageniuscoder/corelink/internal/presence"
	"github.com/ageniuscoder/corelink/internal/rpc"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/google/uuid"
)

type Options struct {
	// RPS and Burst bound the frames a single user may send.
	RPS   float64
	Burst int
	// SendBuffer is the per-socket outbound queue; a socket that lets it
	// fill is disconnected.
	SendBuffer int
	Log        *slog.Logger
}

// Peer summarises the sockets one user holds open.
type Peer struct {
	UserID      string    `json:"userId"`
	Devices     []string  `json:"devices"`
	Serves      []string  `json:"serves"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type Hub struct {
	log     *slog.Logger
	limiter *limiterPool
	sendBuf int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex
	// userID -> set of client connections (one per device)
	clients map[string]map[*Client]bool
	// server id -> client hosting it
	servers map[string]*Client

	pmu sync.Mutex
	// rpc request id -> requesting client
	pending map[string]*Client
}

func NewHub(opts Options) *Hub {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Hub{
		log:        opts.Log.With("component", "relay"),
		limiter:    newLimiterPool(opts.RPS, opts.Burst),
		sendBuf:    opts.SendBuffer,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
		servers:    make(map[string]*Client),
		pending:    make(map[string]*Client),
	}
}

// Run owns registration until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// join hands client to Run. It reports false once the hub has stopped.
func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	if h.clients[client.UserID] == nil {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	h.clients[client.UserID][client] = true
	claimed := client.Serves[:0:0]
	for _, id := range client.Serves {
		if prev, ok := h.servers[id]; ok && prev.UserID != client.UserID {
			h.log.Warn("[hub] server id already held by another user", "server", id, "holder", prev.UserID, "user", client.UserID)
			metrics.RelayFramesDropped.WithLabelValues("server_taken").Inc()
			continue
		}
		h.servers[id] = client
		claimed = append(claimed, id)
	}
	client.Serves = claimed
	h.mu.Unlock()

	metrics.RelayClients.Inc()
	h.log.Info("[hub] user connected", "user", client.UserID, "device", client.Device, "serves", client.Serves)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	set, ok := h.clients[client.UserID]
	if !ok || !set[client] {
		h.mu.Unlock()
		return
	}
	delete(set, client)
	close(client.Send)
	for id, c := range h.servers {
		if c != client {
			continue
		}
		if next := servingSocket(set, id); next != nil {
			h.servers[id] = next
		} else {
			delete(h.servers, id)
		}
	}
	last := len(set) == 0
	if last {
		delete(h.clients, client.UserID)
	}
	h.mu.Unlock()
	if last {
		h.limiter.evict(client.UserID)
	}

	h.pmu.Lock()
	for id, c := range h.pending {
		if c == client {
			delete(h.pending, id)
		}
	}
	h.pmu.Unlock()

	metrics.RelayClients.Dec()
	h.log.Info("[hub] user disconnected", "user", client.UserID, "device", client.Device)
	if last {
		h.BroadcastPresence(client.UserID, client.Device, presence.StatusOffline)
	}
}

// servingSocket returns another of the user's sockets that declared id.
func servingSocket(set map[*Client]bool, id string) *Client {
	for c := range set {
		if slices.Contains(c.Serves, id) {
			return c
		}
	}
	return nil
}

// Peers lists connected users ordered by id.
func (h *Hub) Peers() []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Peer, 0, len(h.clients))
	for uid, set := range h.clients {
		p := Peer{UserID: uid, Devices: []string{}, Serves: []string{}}
		for c := range set {
			p.Devices = append(p.Devices, c.Device)
			p.Serves = append(p.Serves, c.Serves...)
			if p.ConnectedAt.IsZero() || c.ConnectedAt.Before(p.ConnectedAt) {
				p.ConnectedAt = c.ConnectedAt
			}
		}
		sort.Strings(p.Devices)
		sort.Strings(p.Serves)
		p.Serves = slices.Compact(p.Serves)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Peer reports the sockets held by userID.
func (h *Hub) Peer(userID string) (Peer, bool) {
	for _, p := range h.Peers() {
		if p.UserID == userID {
			return p, true
		}
	}
	return Peer{}, false
}

// route forwards a frame received from c.
func (h *Hub) route(c *Client, f wire.Frame) {
	switch f.Kind {
	case wire.FrameMessage:
		m := *f.Message
		m.From = c.UserID
		if m.To == wire.Broadcast {
			h.broadcast(c.UserID, wire.MessageFrame(m))
			return
		}
		if !h.sendToUser(m.To, wire.MessageFrame(m)) {
			h.log.Debug("[hub] recipient offline", "id", m.ID, "to", m.To)
			metrics.RelayFramesDropped.WithLabelValues("offline").Inc()
		}
	case wire.FrameAck:
		a := *f.Ack
		a.From = c.UserID
		if !h.sendToUser(a.To, wire.AckFrame(a)) {
			metrics.RelayFramesDropped.WithLabelValues("offline").Inc()
		}
	case wire.FrameRPCRequest:
		h.routeRequest(c, *f.Request)
	case wire.FrameRPCResponse:
		h.routeResponse(*f.Response)
	default:
		h.log.Debug("[hub] ignoring frame", "kind", f.Kind, "user", c.UserID)
	}
}

func (h *Hub) routeRequest(c *Client, r wire.Request) {
	r.From = c.UserID
	h.mu.RLock()
	target, ok := h.servers[r.Server]
	h.mu.RUnlock()
	if !ok {
		h.reply(c, wire.Response{
			ID:     r.ID,
			To:     c.UserID,
			Server: r.Server,
			Error:  &wire.RPCError{Code: rpc.CodeUnavailable, Message: "no connection serves " + r.Server},
		})
		return
	}

	h.pmu.Lock()
	h.pending[r.ID] = c
	h.pmu.Unlock()
	if !h.deliver(target, wire.RequestFrame(r)) {
		h.pmu.Lock()
		delete(h.pending, r.ID)
		h.pmu.Unlock()
		h.reply(c, wire.Response{
			ID:     r.ID,
			To:     c.UserID,
			Server: r.Server,
			Error:  &wire.RPCError{Code: rpc.CodeUnavailable, Message: r.Server + " is not accepting requests"},
		})
	}
}

func (h *Hub) routeResponse(r wire.Response) {
	h.pmu.Lock()
	requester, ok := h.pending[r.ID]
	delete(h.pending, r.ID)
	h.pmu.Unlock()
	if !ok {
		h.log.Debug("[hub] response without a pending request", "id", r.ID, "server", r.Server)
		metrics.RelayFramesDropped.WithLabelValues("orphan").Inc()
		return
	}
	r.To = requester.UserID
	h.deliver(requester, wire.ResponseFrame(r))
}

func (h *Hub) reply(c *Client, r wire.Response) {
	h.deliver(c, wire.ResponseFrame(r))
}

// deliver queues f on c if c is still registered.
func (h *Hub) deliver(c *Client, f wire.Frame) bool {
	payload, err := wire.Encode(f)
	if err != nil {
		h.log.Error("[hub] failed to encode frame", "kind", f.Kind, "err", err)
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c.UserID][c] {
		return false
	}
	return h.push(c, payload)
}

// sendToUser reports whether at least one socket of userID took the frame.
func (h *Hub) sendToUser(userID string, f wire.Frame) bool {
	payload, err := wire.Encode(f)
	if err != nil {
		h.log.Error("[hub] failed to encode frame", "kind", f.Kind, "err", err)
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := false
	for c := range h.clients[userID] {
		if h.push(c, payload) {
			sent = true
		}
	}
	return sent
}

func (h *Hub) broadcast(senderID string, f wire.Frame) {
	payload, err := wire.Encode(f)
	if err != nil {
		h.log.Error("[hub] failed to encode frame", "kind", f.Kind, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for uid, set := range h.clients {
		if uid == senderID {
			continue
		}
		for c := range set {
			h.push(c, payload)
		}
	}
}

// push must be called with h.mu held. A full buffer kicks the client; its
// read pump then unregisters it.
func (h *Hub) push(c *Client, payload []byte) bool {
	select {
	case c.Send <- payload:
		return true
	default:
		metrics.RelayFramesDropped.WithLabelValues("slow_client").Inc()
		h.log.Warn("[hub] dropped slow client", "user", c.UserID, "device", c.Device)
		c.kick()
		return false
	}
}

// BroadcastPresence tells every other user that userID changed status.
func (h *Hub) BroadcastPresence(userID, device string, status presence.Status) {
	now := time.Now().UTC()
	data, err := json.Marshal(presence.Record{
		UserID:         userID,
		Status:         status,
		LastSeen:       now,
		ActiveMemories: []string{},
		Device:         device,
	})
	if err != nil {
		h.log.Error("[hub] failed to marshal presence", "user", userID, "err", err)
		return
	}
	h.broadcast(userID, wire.MessageFrame(wire.Message{
		ID:        uuid.NewString(),
		Type:      wire.TypeUserStatus,
		From:      userID,
		To:        wire.Broadcast,
		Data:      data,
		Timestamp: now,
		Priority:  wire.PriorityLow,
	}))
}

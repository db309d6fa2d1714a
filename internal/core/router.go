package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ageniuscoder/corelink/internal/collab"
	"github.com/ageniuscoder/corelink/internal/wire"
)

type listeners struct {
	mu            sync.RWMutex
	messages      []func(wire.Message)
	collaboration []func(wire.Message, collab.Event)
	fatals        []func(error)
}

func (l *listeners) message() []func(wire.Message) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]func(wire.Message){}, l.messages...)
}

func (l *listeners) collab() []func(wire.Message, collab.Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]func(wire.Message, collab.Event){}, l.collaboration...)
}

func (l *listeners) fatal() []func(error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]func(error){}, l.fatals...)
}

// OnMessage registers fn for every inbound message other than presence
// updates, after decryption.
func (s *Session) OnMessage(fn func(wire.Message)) {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	s.listeners.messages = append(s.listeners.messages, fn)
}

// OnCollaboration registers fn for inbound collaboration events.
func (s *Session) OnCollaboration(fn func(wire.Message, collab.Event)) {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	s.listeners.collaboration = append(s.listeners.collaboration, fn)
}

// OnFatal registers fn for the one-time reconnect exhaustion notice.
func (s *Session) OnFatal(fn func(error)) {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	s.listeners.fatals = append(s.listeners.fatals, fn)
}

// route handles every inbound frame of the primary connection.
func (s *Session) route(p *parts, f wire.Frame) {
	ctx := context.Background()
	switch f.Kind {
	case wire.FrameMessage:
		s.routeMessage(ctx, p, *f.Message)
	case wire.FrameAck:
		p.queue.MarkAcknowledged(f.Ack.ID)
	case wire.FrameRPCResponse:
		p.client.Resolve(*f.Response)
	case wire.FrameRPCRequest:
		if p.server == nil {
			s.log.Warn("rpc request for a server not hosted here", "server", f.Request.Server, "from", f.Request.From)
			return
		}
		go p.server.Handle(ctx, *f.Request)
	default:
		s.log.Debug("ignoring frame", "kind", f.Kind)
	}
}

func (s *Session) routeMessage(ctx context.Context, p *parts, msg wire.Message) {
	if msg.Encrypted {
		plain, err := s.decrypt(msg)
		if err != nil {
			s.log.Warn("dropping undecryptable message", "id", msg.ID, "from", msg.From, "err", err)
			return
		}
		msg = plain
	}
	if err := p.queue.Acknowledge(ctx, msg); err != nil {
		s.log.Warn("acknowledge failed", "id", msg.ID, "err", err)
	}

	if msg.Type == wire.TypeUserStatus {
		if err := p.presence.Apply(msg); err != nil {
			s.log.Warn("bad presence update", "from", msg.From, "err", err)
		}
		return
	}
	for _, fn := range s.listeners.message() {
		fn(msg)
	}
	if msg.Type != wire.TypeCollaborationEvent {
		return
	}
	var ev collab.Event
	if err := msg.DecodeData(&ev); err != nil {
		s.log.Warn("bad collaboration event", "id", msg.ID, "from", msg.From, "err", err)
		return
	}
	for _, fn := range s.listeners.collab() {
		fn(msg, ev)
	}
}

func (s *Session) decrypt(msg wire.Message) (wire.Message, error) {
	env, err := msg.Ciphertext()
	if err != nil {
		return msg, err
	}
	if s.opts.Gateway == nil {
		return msg, errNoGateway
	}
	plain, err := s.opts.Gateway.Decrypt(env)
	if err != nil {
		return msg, err
	}
	msg.Data = json.RawMessage(plain)
	msg.Encrypted = false
	return msg, nil
}

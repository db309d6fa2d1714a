package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// WebSocketDialer opens gorilla/websocket connections to the relay.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
	Log    *slog.Logger
}

var _ Dialer = (*WebSocketDialer)(nil)

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, h Handler) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	ws, _, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Target: endpoint, Err: err}
	}
	c := &wsConn{
		ws:       ws,
		endpoint: endpoint,
		handler:  h,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		log:      log.With("component", "transport"),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	endpoint string
	handler  Handler
	send     chan []byte
	done     chan struct{}
	log      *slog.Logger

	closeOnce sync.Once
}

func (c *wsConn) Send(ctx context.Context, f wire.Frame) error {
	b, err := wire.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.done:
		return &ConnectionError{Op: "send", Target: c.endpoint, Err: ErrClosed}
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return &ConnectionError{Op: "send", Target: c.endpoint, Err: ErrClosed}
	case <-ctx.Done():
		return &ConnectionError{Op: "send", Target: c.endpoint, Err: ctx.Err()}
	}
}

func (c *wsConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.handler.HandleClose(err)
	})
}

func (c *wsConn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(&ConnectionError{Op: "read", Target: c.endpoint, Err: err})
			return
		}
		f, err := wire.Decode(msg)
		if err != nil {
			c.log.Warn("dropping undecodable frame", "err", err)
			continue
		}
		c.handler.HandleFrame(f)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown(&ConnectionError{Op: "write", Target: c.endpoint, Err: err})
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(&ConnectionError{Op: "ping", Target: c.endpoint, Err: err})
				return
			}
		}
	}
}

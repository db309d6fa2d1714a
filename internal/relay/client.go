package relay

import (
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/metrics"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	authWait       = 10 * time.Second
	maxMessageSize = 1 << 20
)

type Client struct {
	Hub         *Hub
	Conn        *websocket.Conn
	Send        chan []byte
	UserID      string
	Device      string
	Serves      []string
	ConnectedAt time.Time

	kickOnce sync.Once
}

func (c *Client) kick() {
	c.kickOnce.Do(func() { _ = c.Conn.Close() })
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.leave(c)
		c.kick()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Hub.log.Debug("[hub] read failed", "user", c.UserID, "err", err)
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		if !c.Hub.limiter.Allow(c.UserID) {
			metrics.RelayFramesDropped.WithLabelValues("rate_limited").Inc()
			c.Hub.log.Warn("[hub] rate limit exceeded, dropping frame", "user", c.UserID)
			continue
		}
		f, err := wire.Decode(msg)
		if err != nil {
			metrics.RelayFramesDropped.WithLabelValues("malformed").Inc()
			c.Hub.log.Warn("[hub] malformed frame", "user", c.UserID, "err", err)
			continue
		}
		c.Hub.route(c, f)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.kick()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

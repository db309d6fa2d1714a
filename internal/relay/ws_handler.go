package relay

import (
	"net/http"
	"time"

	"github.com/ageniuscoder/corelink/internal/auth"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RegisterWS mounts GET /ws. The first frame on the socket must be an auth
// frame whose token was issued to the user id it names.
func RegisterWS(rg *gin.RouterGroup, hub *Hub, jwtSecret string) {
	rg.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("[hub] upgrade failed", "remote", c.ClientIP(), "err", err)
			return
		}

		a, err := authenticate(conn, jwtSecret)
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
			hub.log.Warn("[hub] rejected socket", "remote", c.ClientIP(), "err", err)
			return
		}

		client := &Client{
			Hub:         hub,
			Conn:        conn,
			Send:        make(chan []byte, hub.sendBuf),
			UserID:      a.UserID,
			Device:      a.Device,
			Serves:      a.Serves,
			ConnectedAt: time.Now().UTC(),
		}
		if !hub.join(client) {
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	})
}

type authError string

func (e authError) Error() string { return string(e) }

func authenticate(conn *websocket.Conn, secret string) (wire.Auth, error) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(authWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return wire.Auth{}, authError("no auth frame")
	}
	f, err := wire.Decode(msg)
	if err != nil || f.Kind != wire.FrameAuth {
		return wire.Auth{}, authError("first frame must be auth")
	}
	cl, err := auth.ParseToken(secret, f.Auth.Token)
	if err != nil {
		return wire.Auth{}, authError("invalid token")
	}
	if cl.UserID != f.Auth.UserID {
		return wire.Auth{}, authError("token does not match user id")
	}
	return *f.Auth, nil
}

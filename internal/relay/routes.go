package relay

import (
	"net/http"

	"github.com/ageniuscoder/corelink/internal/auth"
	"github.com/ageniuscoder/corelink/internal/httpx"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the socket endpoint, health and metrics, and the
// authenticated presence listing.
func NewRouter(hub *Hub, jwtSecret string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		httpx.OK(c, gin.H{"status": "ok", "users": len(hub.Peers())})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	RegisterWS(r.Group(""), hub, jwtSecret)

	api := r.Group("/api", auth.JWTMiddleware(jwtSecret))
	api.GET("/presence", func(c *gin.Context) {
		if uid := c.Query("user"); uid != "" {
			p, ok := hub.Peer(uid)
			if !ok {
				httpx.Err(c, http.StatusNotFound, "user not connected")
				return
			}
			httpx.OK(c, p)
			return
		}
		httpx.OK(c, gin.H{"peers": hub.Peers(), "viewer": auth.MustUserID(c)})
	})
	return r
}

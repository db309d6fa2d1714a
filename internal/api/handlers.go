// Package api is the agent's local HTTP surface over a running session.
package api

import (
	"errors"
	"net/http"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/collab"
	"github.com/ageniuscoder/corelink/internal/connection"
	"github.com/ageniuscoder/corelink/internal/core"
	"github.com/ageniuscoder/corelink/internal/httpx"
	"github.com/ageniuscoder/corelink/internal/presence"
	"github.com/ageniuscoder/corelink/internal/queue"
	"github.com/ageniuscoder/corelink/internal/secure"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/utils"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type Service struct {
	Session *core.Session
	// Store may be nil when no collaboration store is configured.
	Store *collab.Manager
}

type connectReq struct {
	ID   string `json:"id" binding:"required"`
	Name string `json:"name"`
}

type toolReq struct {
	Tool      string         `json:"tool" binding:"required"`
	Arguments map[string]any `json:"arguments"`
	ProjectID string         `json:"projectId"`
}

type promptReq struct {
	Name            string            `json:"name" binding:"required"`
	Arguments       map[string]string `json:"arguments"`
	ProjectID       string            `json:"projectId"`
	RequireApproval bool              `json:"requireApproval"`
}

type sendReq struct {
	Type      wire.MessageType `json:"type" binding:"required"`
	To        string           `json:"to" binding:"required"`
	ProjectID string           `json:"projectId"`
	Data      any              `json:"data"`
	Priority  wire.Priority    `json:"priority"`
	Encrypt   bool             `json:"encrypt"`
}

type presenceReq struct {
	Status         presence.Status `json:"status" binding:"required,oneof=online away busy offline"`
	ProjectID      string          `json:"projectId"`
	ActiveMemories []string        `json:"activeMemories"`
}

type pageReq struct {
	Limit int `form:"limit" binding:"omitempty,gt=0,max=500"`
}

func Register(rg *gin.RouterGroup, s Service) {
	rg.GET("/status", s.status)
	rg.GET("/servers", s.servers)
	rg.POST("/servers", s.connect)
	rg.DELETE("/servers/:id", s.disconnect)
	rg.POST("/servers/:id/tools", s.executeTool)
	rg.GET("/servers/:id/resource", s.resource)
	rg.POST("/servers/:id/prompts", s.executePrompt)
	rg.POST("/messages", s.send)
	rg.GET("/presence", s.presence)
	rg.PUT("/presence", s.updatePresence)
	rg.GET("/projects/:id/memories", s.memories)
}

// NewRouter serves Register under /api.
func NewRouter(s Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	Register(r.Group("/api"), s)
	return r
}

func (s Service) status(c *gin.Context) {
	st := s.Session.ConnectionStatus()
	q := s.Session.QueueState()
	httpx.OK(c, gin.H{
		"user":       s.Session.UserID(),
		"connection": st,
		"state":      st.State.String(),
		"queue": gin.H{
			"pending":      len(q.Pending),
			"failed":       len(q.Failed),
			"delivered":    len(q.Delivered),
			"acknowledged": len(q.Acknowledged),
		},
	})
}

func (s Service) servers(c *gin.Context) {
	httpx.OK(c, gin.H{"servers": s.Session.Servers()})
}

func (s Service) connect(c *gin.Context) {
	var req connectReq
	if !bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	info, err := s.Session.ConnectToServer(c.Request.Context(), capability.Descriptor{ID: req.ID, Name: req.Name})
	if err != nil {
		fail(c, err)
		return
	}
	httpx.OK(c, info)
}

func (s Service) disconnect(c *gin.Context) {
	ok, err := s.Session.DisconnectServer(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if !ok {
		httpx.Err(c, http.StatusNotFound, "server not registered")
		return
	}
	httpx.OK(c, gin.H{"disconnected": c.Param("id")})
}

func (s Service) executeTool(c *gin.Context) {
	var req toolReq
	if !bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	call := capability.ToolCall{Tool: req.Tool, Arguments: req.Arguments}
	var (
		res capability.ToolResult
		err error
	)
	if req.ProjectID != "" {
		res, err = s.Session.ExecuteToolCollaboratively(c.Request.Context(), c.Param("id"), call, req.ProjectID)
	} else {
		res, err = s.Session.ExecuteTool(c.Request.Context(), c.Param("id"), call)
	}
	if err != nil {
		fail(c, err)
		return
	}
	httpx.OK(c, res)
}

func (s Service) resource(c *gin.Context) {
	uri := c.Query("uri")
	if uri == "" {
		httpx.Err(c, http.StatusBadRequest, "uri is required")
		return
	}
	var (
		res capability.ResourceContents
		err error
	)
	if project := c.Query("projectId"); project != "" {
		res, err = s.Session.ShareResourceWithProject(c.Request.Context(), c.Param("id"), uri, project)
	} else {
		res, err = s.Session.GetResource(c.Request.Context(), c.Param("id"), uri)
	}
	if err != nil {
		fail(c, err)
		return
	}
	httpx.OK(c, res)
}

func (s Service) executePrompt(c *gin.Context) {
	var req promptReq
	if !bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	var (
		res capability.PromptResult
		err error
	)
	if req.ProjectID != "" {
		res, err = s.Session.ExecutePromptCollaboratively(c.Request.Context(), c.Param("id"), req.Name, req.Arguments, req.ProjectID, req.RequireApproval)
	} else {
		res, err = s.Session.ExecutePrompt(c.Request.Context(), c.Param("id"), req.Name, req.Arguments)
	}
	if err != nil {
		fail(c, err)
		return
	}
	httpx.OK(c, res)
}

func (s Service) send(c *gin.Context) {
	var req sendReq
	if !bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	id, err := s.Session.SendMessage(c.Request.Context(), queue.Draft{
		Type:      req.Type,
		To:        req.To,
		ProjectID: req.ProjectID,
		Data:      req.Data,
		Priority:  req.Priority,
		Encrypt:   req.Encrypt,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": id})
}

func (s Service) presence(c *gin.Context) {
	if uid := c.Query("user"); uid != "" {
		httpx.OK(c, s.Session.Presence(uid))
		return
	}
	httpx.OK(c, gin.H{"users": s.Session.PresenceSnapshot()})
}

func (s Service) updatePresence(c *gin.Context) {
	var req presenceReq
	if !bind(c, c.ShouldBindJSON(&req)) {
		return
	}
	rec, err := s.Session.UpdateUserPresence(c.Request.Context(), req.Status, req.ProjectID, req.ActiveMemories)
	if err != nil {
		fail(c, err)
		return
	}
	httpx.OK(c, rec)
}

func (s Service) memories(c *gin.Context) {
	if s.Store == nil {
		httpx.Err(c, http.StatusServiceUnavailable, "no collaboration store configured")
		return
	}
	var page pageReq
	if !bind(c, c.ShouldBindQuery(&page)) {
		return
	}
	entries, err := s.Store.ListShared(c.Request.Context(), c.Param("id"), page.Limit)
	if err != nil {
		httpx.Err(c, http.StatusInternalServerError, "list failed")
		return
	}
	httpx.OK(c, gin.H{"memories": entries, "count": len(entries)})
}

func bind(c *gin.Context, err error) bool {
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(verrs))
		return false
	}
	httpx.Err(c, http.StatusBadRequest, err.Error())
	return false
}

// fail maps session errors onto status codes.
func fail(c *gin.Context, err error) {
	var (
		tool     *capability.ToolNotFoundError
		resource *capability.ResourceNotFoundError
		prompt   *capability.PromptNotFoundError
		enc      *secure.EncryptionError
	)
	switch {
	case errors.Is(err, core.ErrNotInitialized), errors.Is(err, connection.ErrDisposed):
		httpx.Err(c, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &tool), errors.As(err, &resource), errors.As(err, &prompt):
		httpx.Err(c, http.StatusNotFound, err.Error())
	case transport.IsConnectionError(err):
		httpx.Err(c, http.StatusBadGateway, err.Error())
	case errors.As(err, &enc):
		httpx.Err(c, http.StatusInternalServerError, err.Error())
	default:
		httpx.Err(c, http.StatusBadRequest, err.Error())
	}
}

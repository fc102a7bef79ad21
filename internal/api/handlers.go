package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mentorchat/internal/auth"
	"mentorchat/internal/conversation"
	"mentorchat/internal/models"
	"mentorchat/internal/render"
	"mentorchat/internal/service/assistant"
	"mentorchat/internal/service/chat"
	"mentorchat/internal/worker"
)

type WorkerManager interface {
	InitSession(clientID int64) (models.SessionInfo, error)
	Send(ctx context.Context, clientID int64, sessionID, text string) (*worker.SendResult, error)
	History(clientID int64, sessionID string) ([]models.Turn, error)
	Session(clientID int64, sessionID string) (models.SessionInfo, error)
	Sessions(clientID int64) []models.SessionInfo
	Purge(clientID int64, sessionID string) error
	ResetClient(clientID int64)
}

const defaultSendTimeout = 2 * time.Minute

// Handler wires HTTP routes to the client store and the conversation workers.
type Handler struct {
	assistant   *assistant.Service
	auth        *auth.Service
	workers     WorkerManager
	sendTimeout time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, authService *auth.Service, workers WorkerManager, sendTimeout time.Duration) *Handler {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Handler{
		assistant:   service,
		auth:        authService,
		workers:     workers,
		sendTimeout: sendTimeout,
	}
}

func (h *Handler) authorizedClientID(c *gin.Context) (int64, bool) {
	clientID, ok := auth.ClientIDFromContext(c)
	if !ok || clientID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return clientID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	api.POST("/clients", h.registerClient)

	clientRoutes := api.Group("")
	clientRoutes.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	clientRoutes.PUT("/key", h.setKey)
	clientRoutes.GET("/key", h.getKey)
	clientRoutes.DELETE("/key", h.deleteKey)
	clientRoutes.POST("/sessions", h.startSession)
	clientRoutes.GET("/sessions", h.listSessions)
	clientRoutes.GET("/sessions/:session_id/messages", h.getSessionMessages)
	clientRoutes.POST("/sessions/:session_id/messages", h.sendMessage)
	clientRoutes.DELETE("/sessions/:session_id", h.deleteSession)
	clientRoutes.POST("/logout", h.logout)
	clientRoutes.DELETE("/clients/me", h.deleteClient)
}

func (h *Handler) registerClient(c *gin.Context) {
	var req struct {
		Label string `json:"label"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	client, err := h.assistant.CreateClient(c.Request.Context(), req.Label)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create client failed"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), client.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.auth.SetSessionCookies(c, authToken, csrfToken, secureCookies())
	c.JSON(http.StatusCreated, gin.H{
		"id":         client.ID,
		"label":      client.Label,
		"created_at": client.CreatedAt,
		"auth_token": authToken,
		"csrf_token": csrfToken,
		"expires_in": int64(h.auth.TokenTTL().Seconds()),
	})
}

func (h *Handler) setKey(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
		return
	}
	if err := h.assistant.SetAPIKey(c.Request.Context(), clientID, chat.KeyName, req.APIKey); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getKey(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	keys, err := h.assistant.ListAPIKeys(c.Request.Context(), clientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, k := range keys {
		if k.Name == chat.KeyName {
			c.JSON(http.StatusOK, gin.H{"configured": true, "masked": k.Masked, "updated_at": k.CreatedAt})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"configured": false})
}

func (h *Handler) deleteKey(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	if err := h.assistant.DeleteAPIKey(c.Request.Context(), clientID, chat.KeyName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) startSession(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	info, err := h.workers.InitSession(clientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *Handler) listSessions(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": h.workers.Sessions(clientID)})
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	info, err := h.workers.Session(clientID, sessionID)
	if err != nil {
		h.writeSendError(c, err)
		return
	}
	turns, err := h.workers.History(clientID, sessionID)
	if err != nil {
		h.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": info,
		"turns":   turns,
	})
}

func (h *Handler) sendMessage(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sessionID := c.Param("session_id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.sendTimeout)
	defer cancel()
	res, err := h.workers.Send(ctx, clientID, sessionID, req.Content)
	if err != nil {
		h.writeSendError(c, err)
		return
	}
	turns, err := h.workers.History(clientID, sessionID)
	if err != nil {
		h.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reply":   res.Reply,
		"html":    render.HTML(res.Reply),
		"session": res.Session,
		"turns":   turns,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	if err := h.workers.Purge(clientID, c.Param("session_id")); err != nil {
		h.writeSendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) logout(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	h.workers.ResetClient(clientID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.auth.ClearSessionCookies(c, secureCookies())
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteClient(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeClientTokens(c.Request.Context(), clientID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.ResetClient(clientID)
	if err := h.assistant.DeleteClient(c.Request.Context(), clientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.auth.ClearSessionCookies(c, secureCookies())
	c.Status(http.StatusNoContent)
}

// writeSendError maps worker and conversation errors to a status code and
// the one-line message shown in the chat.
func (h *Handler) writeSendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, worker.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "kind": "not_found"})
		return
	case errors.Is(err, worker.ErrDispatcherBusy), errors.Is(err, worker.ErrClientReset):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is busy, please retry", "kind": "busy"})
		return
	case errors.Is(err, worker.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages, please slow down", "kind": "rate_limited"})
		return
	}

	if conversation.Kind(err) == "internal_error" && conversation.IsTransportFailure(err) {
		err = &conversation.TransportError{Err: err}
	}
	status := http.StatusInternalServerError
	switch conversation.Kind(err) {
	case "missing_credential", "empty_message":
		status = http.StatusBadRequest
	case "api_error", "protocol_error":
		status = http.StatusBadGateway
	case "transport_error":
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{
		"error": conversation.UserMessage(err),
		"kind":  conversation.Kind(err),
	})
}

func secureCookies() bool {
	return gin.Mode() == gin.ReleaseMode
}

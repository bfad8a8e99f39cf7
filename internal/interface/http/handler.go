package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yanqian/cropsense/internal/domain/crop"
	"github.com/yanqian/cropsense/internal/domain/session"
	"github.com/yanqian/cropsense/internal/infra/cropapi"
)

// UpstreamChecker checks that the recommendation service answers.
type UpstreamChecker interface {
	Health(ctx context.Context, baseURL string) (cropapi.Health, error)
}

// Handler wires the HTTP transport to the session controller.
type Handler struct {
	sessions session.Service
	resolver session.Resolver
	pages    *PageDetector
	upstream UpstreamChecker
	logger   *slog.Logger
}

// NewHandler constructs the root HTTP handler.
func NewHandler(sessions session.Service, resolver session.Resolver, pages *PageDetector, upstream UpstreamChecker, logger *slog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		resolver: resolver,
		pages:    pages,
		upstream: upstream,
		logger:   logger.With("component", "http.handler"),
	}
}

type sessionView struct {
	session.Session
	Fields      []crop.Field `json:"fields,omitempty"`
	CanTryAgain bool         `json:"canTryAgain"`
}

func newSessionView(sess session.Session) sessionView {
	view := sessionView{Session: sess, CanTryAgain: sess.CanTryAgain()}
	if sess.Form != nil {
		view.Fields = crop.Fields(sess.Form.Mode)
	}
	return view
}

// CreateSession starts a session on the home screen.
func (h *Handler) CreateSession(c *gin.Context) {
	sess, err := h.sessions.Start(c.Request.Context(), h.pages.Page(c.Request))
	if err != nil {
		abortWithError(c, fromDomainError(err))
		return
	}
	c.JSON(http.StatusCreated, newSessionView(sess))
}

// GetSession renders the current session.
func (h *Handler) GetSession(c *gin.Context) {
	h.withSession(c, h.sessions.Get)
}

// DeleteSession drops every piece of session state.
func (h *Handler) DeleteSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.sessions.Discard(c.Request.Context(), id); err != nil {
		abortWithError(c, fromDomainError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// Begin leaves the home screen for the mode selector.
func (h *Handler) Begin(c *gin.Context) {
	h.withSession(c, h.sessions.Begin)
}

type selectModeRequest struct {
	Mode crop.Mode `json:"mode" binding:"required"`
}

// SelectMode enters the live or manual flow.
func (h *Handler) SelectMode(c *gin.Context) {
	var req selectModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	h.withSession(c, func(ctx context.Context, id uuid.UUID) (session.Session, error) {
		return h.sessions.SelectMode(ctx, id, req.Mode)
	})
}

type chooseLocationRequest struct {
	AutoDetect *bool `json:"autoDetect" binding:"required"`
}

// ChooseLocation auto-detects or applies the default location.
func (h *Handler) ChooseLocation(c *gin.Context) {
	var req chooseLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	h.withSession(c, func(ctx context.Context, id uuid.UUID) (session.Session, error) {
		return h.sessions.ChooseLocation(ctx, id, *req.AutoDetect)
	})
}

// SetFields stores raw input values.
func (h *Handler) SetFields(c *gin.Context) {
	var values map[string]string
	if err := c.ShouldBindJSON(&values); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	h.withSession(c, func(ctx context.Context, id uuid.UUID) (session.Session, error) {
		return h.sessions.SetFields(ctx, id, values)
	})
}

// Submit validates and submits the form. Validation and service failures
// are part of the returned session, not transport errors.
func (h *Handler) Submit(c *gin.Context) {
	h.withSession(c, h.sessions.Submit)
}

// TryAgain returns a manual result to an empty form.
func (h *Handler) TryAgain(c *gin.Context) {
	h.withSession(c, h.sessions.TryAgain)
}

// Back navigates one level up, discarding flow data.
func (h *Handler) Back(c *gin.Context) {
	h.withSession(c, h.sessions.Back)
}

type chatRequest struct {
	Text string `json:"text"`
}

// SendChat appends the user's message and the assistant's reply.
func (h *Handler) SendChat(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	exchange, err := h.sessions.SendChat(c.Request.Context(), id, req.Text)
	if err != nil {
		abortWithError(c, fromDomainError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":    exchange.User,
		"reply":   exchange.Reply,
		"session": newSessionView(exchange.Session),
	})
}

// ToggleChat opens or closes the assistant widget.
func (h *Handler) ToggleChat(c *gin.Context) {
	h.withSession(c, h.sessions.ToggleChat)
}

// UpstreamHealth reports whether the recommendation service answers.
func (h *Handler) UpstreamHealth(c *gin.Context) {
	base := h.resolver.Resolve(h.pages.Page(c.Request))
	health, err := h.upstream.Health(c.Request.Context(), base)
	if err != nil {
		h.logger.Warn("upstream health check failed", "api_base", base, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"healthy": false, "apiBase": base, "message": errMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": true, "apiBase": base, "status": health.Status, "message": health.Message})
}

func (h *Handler) withSession(c *gin.Context, fn func(ctx context.Context, id uuid.UUID) (session.Session, error)) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := fn(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, fromDomainError(err))
		return
	}
	c.JSON(http.StatusOK, newSessionView(sess))
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", "session id must be a UUID", err))
		return uuid.Nil, false
	}
	return id, true
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

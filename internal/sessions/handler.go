package sessions

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
}

// AppendActionRequest is the body for POST /sessions/:code/actions.
type AppendActionRequest struct {
	Type     string `json:"type" binding:"required"`
	Content  string `json:"content" binding:"required"`
	ActionID int    `json:"action_id"`
}

// ReplaceActionsRequest is the body for PUT /sessions/:code/actions.
type ReplaceActionsRequest struct {
	Actions []models.Action `json:"actions" binding:"required"`
}

// ArchiveLocator returns a download URL for an ended session's archive. Optional.
type ArchiveLocator interface {
	ArchiveDownloadURL(ctx context.Context, code string, endedAt time.Time) (string, error)
}

// Handler exposes the session service over HTTP.
type Handler struct {
	svc     *Service
	archive ArchiveLocator
	logger  *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// SetArchiveLocator enables GET /sessions/:code/archive-url.
func (h *Handler) SetArchiveLocator(a ArchiveLocator) { h.archive = a }

// Register mounts the session routes on r.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/sessions")
	g.POST("", h.Create)
	g.GET("/:code", h.Get)
	g.POST("/:code/end", h.End)
	g.GET("/:code/actions", h.ListActions)
	g.POST("/:code/actions", h.AppendAction)
	g.PUT("/:code/actions", h.ReplaceActions)
	g.GET("/:code/actions/:actionId/content", h.ActionContent)
	g.GET("/:code/archive-url", h.ArchiveURL)
}

// Create handles POST /sessions (host opens a session).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s, err := h.svc.CreateSession(c.Request.Context(), CreateSessionInput{
		Title:       req.Title,
		Description: req.Description,
		Mode:        models.Mode(req.Mode),
	})
	if err != nil {
		h.writeError(c, err, "failed to create session")
		return
	}
	response.Created(c, s)
}

// Get handles GET /sessions/:code.
func (h *Handler) Get(c *gin.Context) {
	s, err := h.svc.GetSession(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err, "failed to load session")
		return
	}
	response.OK(c, s)
}

// End handles POST /sessions/:code/end (host closes the session).
func (h *Handler) End(c *gin.Context) {
	s, err := h.svc.EndSession(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err, "failed to end session")
		return
	}
	response.OK(c, s)
}

// ListActions handles GET /sessions/:code/actions (polled by every participant).
func (h *Handler) ListActions(c *gin.Context) {
	actions, err := h.svc.GetActionsWithMargins(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err, "failed to load actions")
		return
	}
	response.OK(c, gin.H{"actions": actions})
}

// AppendAction handles POST /sessions/:code/actions (participant posts a question or comment).
func (h *Handler) AppendAction(c *gin.Context) {
	var req AppendActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	a, err := h.svc.AppendAction(c.Request.Context(), c.Param("code"), AppendActionInput{
		Type:     models.ActionType(req.Type),
		Content:  req.Content,
		ActionID: req.ActionID,
	})
	if err != nil {
		h.writeError(c, err, "failed to add action")
		return
	}
	response.Created(c, a)
}

// ReplaceActions handles PUT /sessions/:code/actions (bulk edit or delete).
func (h *Handler) ReplaceActions(c *gin.Context) {
	var req ReplaceActionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actions, err := h.svc.ReplaceActions(c.Request.Context(), c.Param("code"), req.Actions)
	if err != nil {
		h.writeError(c, err, "failed to replace actions")
		return
	}
	response.OK(c, gin.H{"actions": actions})
}

// ActionContent handles GET /sessions/:code/actions/:actionId/content.
func (h *Handler) ActionContent(c *gin.Context) {
	actionID, err := strconv.Atoi(c.Param("actionId"))
	if err != nil || actionID <= 0 {
		response.BadRequest(c, "invalid action id")
		return
	}
	content, err := h.svc.GetActionContent(c.Request.Context(), c.Param("code"), actionID)
	if err != nil {
		h.writeError(c, err, "failed to load action")
		return
	}
	response.OK(c, gin.H{"action_id": actionID, "content": content})
}

// ArchiveURL handles GET /sessions/:code/archive-url for ended sessions.
func (h *Handler) ArchiveURL(c *gin.Context) {
	if h.archive == nil {
		response.ServiceUnavailable(c, "session archive is not configured")
		return
	}
	s, err := h.svc.GetSession(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err, "failed to load session")
		return
	}
	if !s.Ended() {
		response.Conflict(c, "session has not ended")
		return
	}
	url, err := h.archive.ArchiveDownloadURL(c.Request.Context(), s.Code, *s.EndedAt)
	if err != nil {
		h.logger.Error("archive url failed", zap.String("code", s.Code), zap.Error(err))
		response.Internal(c, "failed to generate archive url")
		return
	}
	response.OK(c, gin.H{"url": url})
}

// writeError translates an engine error into the response envelope.
func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		response.BadRequest(c, verr.Error())
	case errors.Is(err, ErrSessionNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, ErrActionNotFound):
		response.NotFound(c, "action not found")
	case errors.Is(err, ErrSessionEnded):
		response.Conflict(c, "session has ended")
	case errors.Is(err, ErrVersionConflict):
		response.Conflict(c, "session was modified concurrently, retry")
	case errors.Is(err, ErrExhaustedRetries):
		response.ServiceUnavailable(c, "could not allocate a session code, retry")
	case errors.Is(err, ErrPersistenceVerification):
		h.logger.Error("persistence verification failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, fallback)
	default:
		h.logger.Error(fallback, zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, fallback)
	}
}

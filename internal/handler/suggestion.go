package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"projectsync/internal/identity"
	"projectsync/internal/model"
	"projectsync/internal/workflow"
)

type SuggestionHandler struct {
	engine *workflow.Engine
}

func NewSuggestionHandler(engine *workflow.Engine) *SuggestionHandler {
	return &SuggestionHandler{engine: engine}
}

// Raise handles POST /api/projects/:id/suggestions
func (h *SuggestionHandler) Raise(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	var req struct {
		Issue string `json:"issue"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	id, err := h.engine.Raise(c.Request.Context(), actor, c.Param("id"), req.Issue)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// Reply handles POST /api/projects/:id/suggestions/:sid/replies
func (h *SuggestionHandler) Reply(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	id, err := h.engine.Reply(c.Request.Context(), actor, c.Param("id"), c.Param("sid"), req.Message)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// SetResolved handles PUT /api/projects/:id/suggestions/:sid/resolved
func (h *SuggestionHandler) SetResolved(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	var req struct {
		Resolved *bool `json:"resolved"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	if req.Resolved == nil {
		RespondError(c, &model.ValidationError{Field: "resolved", Message: "resolved is required"})
		return
	}
	changed, err := h.engine.SetResolved(c.Request.Context(), actor, c.Param("id"), c.Param("sid"), *req.Resolved)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": *req.Resolved, "changed": changed})
}

// Review handles PUT /api/projects/:id/suggestions/:sid/review
func (h *SuggestionHandler) Review(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	var req struct {
		Review string `json:"review"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	if err := h.engine.SetCompanyReview(c.Request.Context(), actor, c.Param("id"), c.Param("sid"), req.Review); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MigrateReplies handles POST /api/projects/:id/suggestions/:sid/migrate-replies
func (h *SuggestionHandler) MigrateReplies(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	n, err := h.engine.MigrateEmbeddedReplies(c.Request.Context(), actor, c.Param("id"), c.Param("sid"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"migrated": n})
}

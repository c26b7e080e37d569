package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"projectsync/internal/identity"
	"projectsync/internal/workflow"
)

type ClientHandler struct {
	engine *workflow.Engine
}

func NewClientHandler(engine *workflow.Engine) *ClientHandler {
	return &ClientHandler{engine: engine}
}

// Add handles POST /api/clients
func (h *ClientHandler) Add(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	id, err := h.engine.AddClient(c.Request.Context(), actor, req.Name)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// Delete handles DELETE /api/clients/:id
func (h *ClientHandler) Delete(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	if err := h.engine.DeleteClient(c.Request.Context(), actor, c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

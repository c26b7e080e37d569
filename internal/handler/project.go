package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"projectsync/internal/identity"
	"projectsync/internal/progress"
	"projectsync/internal/workflow"
)

type ProjectHandler struct {
	engine *workflow.Engine
}

func NewProjectHandler(engine *workflow.Engine) *ProjectHandler {
	return &ProjectHandler{engine: engine}
}

// ProjectTypes handles GET /api/project-types
func (h *ProjectHandler) ProjectTypes(c *gin.Context) {
	types := progress.Types()
	out := make([]gin.H, 0, len(types))
	for _, t := range types {
		steps, _ := progress.StepsFor(t)
		out = append(out, gin.H{"type": t, "steps": steps})
	}
	c.JSON(http.StatusOK, gin.H{"types": out})
}

// Create handles POST /api/projects
func (h *ProjectHandler) Create(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	var req workflow.ProjectDraft
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	id, err := h.engine.CreateProject(c.Request.Context(), actor, req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// Update handles PATCH /api/projects/:id
func (h *ProjectHandler) Update(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	var req workflow.ProjectPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	if err := h.engine.UpdateProject(c.Request.Context(), actor, c.Param("id"), req); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ChangeType handles PUT /api/projects/:id/type
func (h *ProjectHandler) ChangeType(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	var req struct {
		Type         string `json:"type"`
		ConfirmReset bool   `json:"confirmReset"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	if err := h.engine.ChangeProjectType(c.Request.Context(), actor, c.Param("id"), req.Type, req.ConfirmReset); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleStep handles POST /api/projects/:id/steps/:step/toggle
func (h *ProjectHandler) ToggleStep(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	step := c.Param("step")
	done, err := h.engine.ToggleStep(c.Request.Context(), actor, c.Param("id"), step)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"step": step, "done": done})
}

// Delete handles DELETE /api/projects/:id
func (h *ProjectHandler) Delete(c *gin.Context) {
	actor, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	if err := h.engine.DeleteProject(c.Request.Context(), actor, c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

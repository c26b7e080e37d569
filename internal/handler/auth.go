package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectsync/internal/identity"
	"projectsync/internal/model"
)

type AuthHandler struct {
	provider *identity.Provider
	ttl      time.Duration
	logger   *zap.Logger
}

func NewAuthHandler(provider *identity.Provider, ttl time.Duration, logger *zap.Logger) *AuthHandler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthHandler{provider: provider, ttl: ttl, logger: logger}
}

// Login handles POST /api/login. The caller picks one of the three roles;
// credentials belong to the identity provider in front of this service.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		ID        string `json:"id"`
		Role      string `json:"role"`
		Name      string `json:"name"`
		CompanyID string `json:"companyId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		RespondError(c, err)
		return
	}
	id := model.Identity{ID: req.ID, Role: role, Name: req.Name, CompanyID: req.CompanyID}
	token, err := h.provider.Issue(id, h.ttl)
	if err != nil {
		RespondError(c, err)
		return
	}

	h.logger.Info("Issued session token", zap.String("actor_id", id.ID), zap.String("role", string(role)))
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"identity":   id,
		"expires_in": int(h.ttl.Seconds()),
	})
}

// Me handles GET /api/me.
func (h *AuthHandler) Me(c *gin.Context) {
	id, err := identity.FromContext(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, id)
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectsync/internal/admin"
	"projectsync/internal/model"
)

// AdminHandler serves the administrator's record lists. Search terms come
// from ?q=.
type AdminHandler struct {
	records *admin.Records
	logger  *zap.Logger
}

func NewAdminHandler(records *admin.Records, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{records: records, logger: logger}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		RespondError(c, &model.ValidationError{Field: "id", Message: "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// Stats handles GET /api/admin/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	st, err := h.records.Stats(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListApprovals handles GET /api/admin/approvals
func (h *AdminHandler) ListApprovals(c *gin.Context) {
	list, err := h.records.Approvals(c.Request.Context(), c.Query("q"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": list})
}

// AddApproval handles POST /api/admin/approvals
func (h *AdminHandler) AddApproval(c *gin.Context) {
	var req admin.ApprovalForm
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	a, err := h.records.AddApproval(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// EditApproval handles PUT /api/admin/approvals/:id
func (h *AdminHandler) EditApproval(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req admin.ApprovalForm
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	a, err := h.records.EditApproval(c.Request.Context(), id, req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Approve handles POST /api/admin/approvals/:id/approve
func (h *AdminHandler) Approve(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	co, err := h.records.Approve(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	h.logger.Info("Company approved", zap.Int64("approval_id", id), zap.String("company", co.Name))
	c.JSON(http.StatusOK, co)
}

// Reject handles DELETE /api/admin/approvals/:id
func (h *AdminHandler) Reject(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.records.Reject(c.Request.Context(), id); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListCompanies handles GET /api/admin/companies
func (h *AdminHandler) ListCompanies(c *gin.Context) {
	list, err := h.records.Companies(c.Request.Context(), c.Query("q"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"companies": list})
}

// AddCompany handles POST /api/admin/companies
func (h *AdminHandler) AddCompany(c *gin.Context) {
	var req admin.CompanyForm
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	co, err := h.records.AddCompany(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, co)
}

// EditCompany handles PUT /api/admin/companies/:id
func (h *AdminHandler) EditCompany(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req admin.CompanyForm
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	co, err := h.records.EditCompany(c.Request.Context(), id, req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, co)
}

// DeleteCompany handles DELETE /api/admin/companies/:id
func (h *AdminHandler) DeleteCompany(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.records.DeleteCompany(c.Request.Context(), id); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSubscriptions handles GET /api/admin/subscriptions
func (h *AdminHandler) ListSubscriptions(c *gin.Context) {
	list, err := h.records.Subscriptions(c.Request.Context(), c.Query("q"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": list})
}

// AddSubscription handles POST /api/admin/subscriptions
func (h *AdminHandler) AddSubscription(c *gin.Context) {
	var req admin.SubscriptionForm
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	s, err := h.records.AddSubscription(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// EditSubscription handles PUT /api/admin/subscriptions/:id
func (h *AdminHandler) EditSubscription(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req admin.SubscriptionForm
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	s, err := h.records.EditSubscription(c.Request.Context(), id, req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// ToggleSubscription handles POST /api/admin/subscriptions/:id/toggle
func (h *AdminHandler) ToggleSubscription(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	s, err := h.records.ToggleSubscription(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// DeleteSubscription handles DELETE /api/admin/subscriptions/:id
func (h *AdminHandler) DeleteSubscription(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.records.DeleteSubscription(c.Request.Context(), id); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

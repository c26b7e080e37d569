package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"projectsync/internal/model"
	"projectsync/pkg/rbac"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// mapError turns the error taxonomy into a status and envelope.
func mapError(err error) (int, errorBody) {
	var ve *model.ValidationError
	var nf *model.NotFoundError
	var pd *rbac.PermissionDeniedError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorBody{Code: "validation_error", Message: ve.Message, Details: gin.H{"field": ve.Field}}
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "authentication required"}
	case errors.As(err, &pd):
		return http.StatusForbidden, errorBody{Code: "forbidden", Message: err.Error(), Details: gin.H{"permission": pd.Permission}}
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, errorBody{Code: "forbidden", Message: "not allowed to act on this resource"}
	case errors.As(err, &nf):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error(), Details: gin.H{"kind": nf.Kind, "id": nf.ID}}
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()}
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, errorBody{Code: "conflict", Message: err.Error()}
	case errors.Is(err, model.ErrTransient):
		return http.StatusServiceUnavailable, errorBody{Code: "store_unavailable", Message: "the store is temporarily unavailable, try again"}
	default:
		return http.StatusInternalServerError, errorBody{Code: "internal_error", Message: "internal error"}
	}
}

// RespondError writes err as {"error": {...}} and aborts the chain.
func RespondError(c *gin.Context, err error) {
	status, body := mapError(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func badBody(c *gin.Context, err error) {
	RespondError(c, &model.ValidationError{Field: "body", Message: "invalid request body: " + err.Error()})
}

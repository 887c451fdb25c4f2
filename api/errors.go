package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/approval-engine/workflow"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// first match wins
var errorMappings = []errorMapping{
	{workflow.ErrDefinitionNotFound, http.StatusUnprocessableEntity, "APPROVAL_NOT_CONFIGURED", "please configure an approval process for this module"},
	{workflow.ErrNotAuthorized, http.StatusForbidden, "NOT_YOUR_TASK", "you are not allowed to act on this item"},
	{workflow.ErrAlreadyHandled, http.StatusConflict, "ALREADY_HANDLED", "this item was already processed"},
	{workflow.ErrInstanceNotRunning, http.StatusConflict, "INSTANCE_NOT_RUNNING", "this approval is no longer running"},
	{workflow.ErrNotStuck, http.StatusConflict, "NOT_STUCK", "this approval is not waiting on a condition"},
	{workflow.ErrStuckTransition, http.StatusUnprocessableEntity, "STUCK_TRANSITION", "no approval route matches this record"},
	{workflow.ErrUnassignable, http.StatusUnprocessableEntity, "UNASSIGNABLE", "an approval step has nobody to approve it"},
	{workflow.ErrInstanceNotFound, http.StatusNotFound, "NOT_FOUND", ""},
	{workflow.ErrTaskNotFound, http.StatusNotFound, "NOT_FOUND", ""},
	{workflow.ErrRecordNotFound, http.StatusNotFound, "NOT_FOUND", ""},
	{workflow.ErrInvalidDefinition, http.StatusUnprocessableEntity, "INVALID_DEFINITION", "the approval process configuration is invalid"},
	{workflow.ErrInvalidRequest, http.StatusBadRequest, "BAD_REQUEST", ""},
	{workflow.ErrInvalidAction, http.StatusBadRequest, "BAD_REQUEST", ""},
	{workflow.ErrInvalidReturnTarget, http.StatusBadRequest, "BAD_REQUEST", ""},
	{workflow.ErrInvalidTransfer, http.StatusBadRequest, "BAD_REQUEST", ""},
}

// writeError maps engine errors to user-visible responses. Unknown errors
// are logged and hidden behind a 500.
func (h *Handler) writeError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := m.message
		if msg == "" {
			msg = err.Error()
		}
		c.JSON(m.status, ErrorResponse{Code: m.code, Message: msg})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
	}).WithError(err).Error("request failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "INTERNAL", Message: "internal error"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: msg})
}

// Package api exposes the approval engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
)

// CallbackSecretHeader carries the shared secret of inbound callbacks.
const CallbackSecretHeader = "X-Approval-Secret"

// Service is the part of workflow.Engine the handlers use.
type Service interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (*workflow.SubmitResult, error)
	WithdrawInstance(ctx context.Context, instanceID, actorID uint64, comment string) (types.Instance, error)
	Reevaluate(ctx context.Context, instanceID uint64, payload map[string]interface{}) (*workflow.TransitionResult, error)
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)
	ListTasks(ctx context.Context, instanceID uint64) ([]types.Task, error)
	ListRecords(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error)
	PendingTasks(ctx context.Context, assigneeID uint64) ([]types.Task, error)
	HandleTask(ctx context.Context, taskID, actorID uint64, action, comment string, opts workflow.HandleOptions) (*workflow.TransitionResult, error)
	HandleRecord(ctx context.Context, recordID, actorID uint64, action, comment string) (*workflow.TransitionResult, error)
	HandleCallback(ctx context.Context, cb workflow.Callback) (*workflow.TransitionResult, error)
}

// Handler serves the approval routes.
type Handler struct {
	svc            Service
	callbackSecret string
	logger         logrus.FieldLogger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCallbackSecret enables the callback route. Without a secret it answers 404.
func WithCallbackSecret(secret string) HandlerOption {
	return func(h *Handler) {
		h.callbackSecret = secret
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a Handler over svc.
func NewHandler(svc Service, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes under r. Every route except the callback
// goes through auth.
func (h *Handler) Register(r gin.IRouter, auth gin.HandlerFunc) {
	g := r.Group("/api/approvals")
	g.POST("/callback", h.Callback)

	authed := g.Group("", auth)
	authed.POST("/submit", h.Submit)
	authed.GET("/instances/:id", h.GetInstance)
	authed.POST("/instances/:id/withdraw", h.Withdraw)
	authed.POST("/instances/:id/reevaluate", h.Reevaluate)
	authed.GET("/tasks/pending", h.PendingTasks)
	authed.POST("/tasks/:id/:action", h.HandleTask)
	authed.POST("/records/:id/:action", h.HandleRecord)
}

// NewRouter builds a gin engine with request logging, recovery and the approval routes.
func NewRouter(h *Handler, auth *Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(h.logger), gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	h.Register(r, auth.Middleware())
	return r
}

// RequestLogger logs one line per request.
func RequestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if uid := currentUser(c); uid != 0 {
			entry = entry.WithField("user_id", uid)
		}
		entry.Debug("request")
	}
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

// Submit starts or reuses the approval of a business record.
func (h *Handler) Submit(c *gin.Context) {
	var req workflow.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.InitiatorID = currentUser(c)

	res, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// InstanceView is an instance with everything dispatched for it.
type InstanceView struct {
	Instance types.Instance         `json:"instance"`
	Tasks    []types.Task           `json:"tasks"`
	Records  []types.ApprovalRecord `json:"records"`
}

// GetInstance returns an instance with its tasks and records.
func (h *Handler) GetInstance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	inst, err := h.svc.GetInstance(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	view := InstanceView{Instance: inst, Tasks: []types.Task{}, Records: []types.ApprovalRecord{}}
	if inst.Kind == types.KindLegacy {
		records, err := h.svc.ListRecords(ctx, id)
		if err != nil {
			h.writeError(c, err)
			return
		}
		view.Records = append(view.Records, records...)
	} else {
		tasks, err := h.svc.ListTasks(ctx, id)
		if err != nil {
			h.writeError(c, err)
			return
		}
		view.Tasks = append(view.Tasks, tasks...)
	}
	c.JSON(http.StatusOK, view)
}

type commentBody struct {
	Comment string `json:"comment"`
}

// Withdraw cancels a running instance on behalf of its initiator.
func (h *Handler) Withdraw(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body commentBody
	if err := bindOptional(c, &body); err != nil {
		badRequest(c, err.Error())
		return
	}
	inst, err := h.svc.WithdrawInstance(c.Request.Context(), id, currentUser(c), body.Comment)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

type reevaluateBody struct {
	Payload map[string]interface{} `json:"payload"`
}

// Reevaluate retries a transition that found no matching route.
func (h *Handler) Reevaluate(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body reevaluateBody
	if err := bindOptional(c, &body); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.svc.Reevaluate(c.Request.Context(), id, body.Payload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PendingTasks lists the caller's open tasks.
func (h *Handler) PendingTasks(c *gin.Context) {
	tasks, err := h.svc.PendingTasks(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []types.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

type actionBody struct {
	Comment    string `json:"comment"`
	ReturnTo   string `json:"return_to"`
	TransferTo uint64 `json:"transfer_to"`
}

// HandleTask applies approve, reject, return or transfer to a task.
func (h *Handler) HandleTask(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body actionBody
	if err := bindOptional(c, &body); err != nil {
		badRequest(c, err.Error())
		return
	}
	opts := workflow.HandleOptions{ReturnToNodeKey: body.ReturnTo, TransferTo: body.TransferTo}
	res, err := h.svc.HandleTask(c.Request.Context(), id, currentUser(c), c.Param("action"), body.Comment, opts)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleRecord applies approve or reject to a legacy approval record.
func (h *Handler) HandleRecord(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body commentBody
	if err := bindOptional(c, &body); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.svc.HandleRecord(c.Request.Context(), id, currentUser(c), c.Param("action"), body.Comment)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type callbackBody struct {
	Token      string `json:"token" binding:"required"`
	Decision   string `json:"decision" binding:"required"`
	ActorID    uint64 `json:"actor_id"`
	Comment    string `json:"comment"`
	ExternalID string `json:"external_id"`
}

// Callback accepts decisions from an external to-do system. It is
// authenticated by a shared secret instead of a user token.
func (h *Handler) Callback(c *gin.Context) {
	if h.callbackSecret == "" {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Message: "callbacks are disabled"})
		return
	}
	got := c.GetHeader(CallbackSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.callbackSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHORIZED", Message: "bad callback secret"})
		return
	}

	var body callbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.svc.HandleCallback(c.Request.Context(), workflow.Callback{
		Token:      body.Token,
		Decision:   body.Decision,
		ActorID:    body.ActorID,
		Comment:    body.Comment,
		ExternalID: body.ExternalID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c *gin.Context, v interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

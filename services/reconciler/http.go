package reconciler

import (
	"net/http"
	"strconv"
	"time"

	"musicgen-controlplane/pkg/errutil"
	"musicgen-controlplane/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	reconciler StatusReconciler
	scheduler  *Scheduler
	// deferWait is advertised in Retry-After when no rate limit slot was free.
	deferWait time.Duration
}

func NewHandler(reconciler *Reconciler, scheduler *Scheduler) *Handler {
	return &Handler{reconciler: reconciler, scheduler: scheduler, deferWait: reconciler.opts.RateWindow}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1/status")
	v1.POST("/reconcile", h.reconcile)
	v1.POST("/recheck", h.recheck)
	v1.POST("/sweep", h.sweep)
}

type reconcileRequest struct {
	ProviderTaskIDs []string `json:"provider_task_ids" binding:"required,min=1,max=100"`
}

func (h *Handler) reconcile(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromBinding(err))
		return
	}

	ctx := c.Request.Context()
	res, err := h.reconciler.Reconcile(ctx, req.ProviderTaskIDs)
	if err != nil && res == nil {
		_ = c.Error(errutil.Internal("reconcile failed", err))
		return
	}
	if err != nil {
		// Outcomes are still reported; the failed writes are picked up by the next check.
		logger.FromContext(ctx).Warn("reconcile finished with errors",
			zap.Int("updated", res.Updated),
			zap.Error(err),
		)
	}

	switch {
	case res.Deferred:
		setRetryAfter(c, h.deferWait)
		_ = c.Error(errutil.TooManyRequest("provider status checks are rate limited", nil))
		return
	case res.ProviderError != nil && res.ProviderError.Retryable:
		setRetryAfter(c, time.Duration(res.ProviderError.RetryAfterSeconds)*time.Second)
		_ = c.Error(errutil.ServiceUnavailable(res.ProviderError.UserMessage, nil,
			errutil.WithDetails(errutil.Detail{Field: "category", Message: string(res.ProviderError.Category)})))
		return
	case res.ProviderError != nil:
		_ = c.Error(errutil.BadGateway(res.ProviderError.UserMessage, nil,
			errutil.WithDetails(errutil.Detail{Field: "category", Message: string(res.ProviderError.Category)})))
		return
	}
	c.JSON(http.StatusOK, res)
}

func setRetryAfter(c *gin.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	c.Header("Retry-After", strconv.Itoa(int(d.Round(time.Second)/time.Second)))
}

type recheckRequest struct {
	ProviderTaskID string `json:"provider_task_id" binding:"required"`
	Attempt        int    `json:"attempt" binding:"min=0"`
}

func (h *Handler) recheck(c *gin.Context) {
	var req recheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromBinding(err))
		return
	}

	if err := h.scheduler.ScheduleRecheck(c.Request.Context(), req.ProviderTaskID, req.Attempt); err != nil {
		_ = c.Error(errutil.ServiceUnavailable("failed to schedule recheck", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"provider_task_id": req.ProviderTaskID, "attempt": req.Attempt})
}

func (h *Handler) sweep(c *gin.Context) {
	if err := h.scheduler.ScheduleSweep(c.Request.Context(), 0); err != nil {
		_ = c.Error(errutil.ServiceUnavailable("failed to schedule sweep", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scheduled": true})
}

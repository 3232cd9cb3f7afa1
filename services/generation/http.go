package generation

import (
	"encoding/json"
	"net/http"

	"musicgen-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	v1.POST("/generations", h.createGeneration)
	v1.GET("/generations/:generation_id", h.getGeneration)
	v1.DELETE("/generations/:generation_id", h.deleteGeneration)
	v1.POST("/contents", h.createContent)
	v1.POST("/contents/:id/cancel", h.cancelContent)
}

type createGenerationRequest struct {
	OwnerID         string          `json:"owner_id" binding:"required"`
	Mode            Mode            `json:"mode" binding:"required"`
	Request         json.RawMessage `json:"request"`
	ProviderTaskIDs []string        `json:"provider_task_ids" binding:"required,min=1"`
	TaskCount       int             `json:"task_count"`
}

func (h *Handler) createGeneration(c *gin.Context) {
	var req createGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromBinding(err))
		return
	}

	g, err := h.svc.CreateGeneration(c.Request.Context(), CreateGenerationParams{
		OwnerID:         req.OwnerID,
		Mode:            req.Mode,
		Request:         req.Request,
		ProviderTaskIDs: req.ProviderTaskIDs,
		TaskCount:       req.TaskCount,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (h *Handler) getGeneration(c *gin.Context) {
	g, err := h.svc.GetGeneration(c.Request.Context(), c.Param("generation_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (h *Handler) deleteGeneration(c *gin.Context) {
	if err := h.svc.DeleteGeneration(c.Request.Context(), c.Param("generation_id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createContentRequest struct {
	OwnerID        string `json:"owner_id" binding:"required"`
	ProviderTaskID string `json:"provider_task_id" binding:"required"`
	GenerationID   string `json:"generation_id"`
}

func (h *Handler) createContent(c *gin.Context) {
	var req createContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.FromBinding(err))
		return
	}

	content, err := h.svc.CreateContent(c.Request.Context(), CreateContentParams{
		OwnerID:        req.OwnerID,
		ProviderTaskID: req.ProviderTaskID,
		GenerationUUID: req.GenerationID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, content)
}

func (h *Handler) cancelContent(c *gin.Context) {
	content, err := h.svc.CancelContent(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, content)
}

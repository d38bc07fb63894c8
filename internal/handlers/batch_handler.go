package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atenova/sintesi/internal/platform/apierr"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/services"
)

type BatchHandler struct {
	log     *logger.Logger
	batches services.BatchService
}

func NewBatchHandler(log *logger.Logger, batches services.BatchService) *BatchHandler {
	return &BatchHandler{
		log:     log.With("handler", "BatchHandler"),
		batches: batches,
	}
}

func (h *BatchHandler) Submit(c *gin.Context) {
	projectID, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	var in services.IntakeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		RespondError(c, h.log, apierr.Validation("invalid request body: %v", err))
		return
	}
	result, err := h.batches.Intake(c.Request.Context(), projectID, in)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusAccepted, result)
}

func (h *BatchHandler) GetProgress(c *gin.Context) {
	batchID, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	progress, err := h.batches.GetProgress(c.Request.Context(), batchID)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusOK, progress)
}

func (h *BatchHandler) Cancel(c *gin.Context) {
	batchID, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	progress, err := h.batches.Cancel(c.Request.Context(), batchID)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusOK, progress)
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atenova/sintesi/internal/platform/apierr"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/services"
)

type ChunkHandler struct {
	log    *logger.Logger
	chunks services.ChunkService
}

func NewChunkHandler(log *logger.Logger, chunks services.ChunkService) *ChunkHandler {
	return &ChunkHandler{
		log:    log.With("handler", "ChunkHandler"),
		chunks: chunks,
	}
}

func (h *ChunkHandler) Create(c *gin.Context) {
	projectID, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	var in services.CreateChunkInput
	if err := c.ShouldBindJSON(&in); err != nil {
		RespondError(c, h.log, apierr.Validation("invalid request body: %v", err))
		return
	}
	chunk, err := h.chunks.Create(c.Request.Context(), projectID, in)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusCreated, chunk)
}

func (h *ChunkHandler) Update(c *gin.Context) {
	chunkID, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	var in services.UpdateChunkInput
	if err := c.ShouldBindJSON(&in); err != nil {
		RespondError(c, h.log, apierr.Validation("invalid request body: %v", err))
		return
	}
	chunk, err := h.chunks.Update(c.Request.Context(), chunkID, in)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusOK, chunk)
}

func (h *ChunkHandler) Delete(c *gin.Context) {
	chunkID, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	if err := h.chunks.Delete(c.Request.Context(), chunkID); err != nil {
		RespondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChunkHandler) Reopen(c *gin.Context) {
	chunkID, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	chunk, err := h.chunks.Reopen(c.Request.Context(), chunkID)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusOK, chunk)
}

type reorderRequest struct {
	OrderedChunkIDs []uuid.UUID `json:"ordered_chunk_ids"`
}

func (h *ChunkHandler) Reorder(c *gin.Context) {
	projectID, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, h.log, apierr.Validation("invalid request body: %v", err))
		return
	}
	chunks, err := h.chunks.Reorder(c.Request.Context(), projectID, req.OrderedChunkIDs)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusOK, chunks)
}

type bulkStatusRequest struct {
	ChunkIDs []uuid.UUID `json:"chunk_ids"`
	Status   string      `json:"status"`
}

func (h *ChunkHandler) BulkUpdateStatus(c *gin.Context) {
	var req bulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, h.log, apierr.Validation("invalid request body: %v", err))
		return
	}
	chunks, err := h.chunks.BulkUpdateStatus(c.Request.Context(), req.ChunkIDs, req.Status)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusOK, chunks)
}

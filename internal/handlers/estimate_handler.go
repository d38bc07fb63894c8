package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atenova/sintesi/internal/platform/apierr"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/services"
)

type EstimateHandler struct {
	log       *logger.Logger
	estimator *services.Estimator
}

func NewEstimateHandler(log *logger.Logger, estimator *services.Estimator) *EstimateHandler {
	return &EstimateHandler{
		log:       log.With("handler", "EstimateHandler"),
		estimator: estimator,
	}
}

type estimateRequest struct {
	Text    string `json:"text"`
	Faculty string `json:"faculty"`
	Topic   string `json:"topic"`
}

// Estimate is a pure preview: nothing is persisted and guardrail findings
// come back as warnings, never as errors.
func (h *EstimateHandler) Estimate(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, h.log, apierr.Validation("invalid request body: %v", err))
		return
	}
	if req.Text == "" {
		RespondError(c, h.log, apierr.Validation("text is required"))
		return
	}
	est := h.estimator.Estimate(req.Text, req.Faculty, req.Topic)
	RespondOK(c, http.StatusOK, est)
}

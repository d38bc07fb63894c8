package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atenova/sintesi/internal/platform/apierr"
	"github.com/atenova/sintesi/internal/platform/logger"
)

type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func RespondOK(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

// RespondError translates a service error into the wire envelope. Internal
// causes are logged but never leaked to the client.
func RespondError(c *gin.Context, log *logger.Logger, err error) {
	status := apierr.StatusCode(err)
	code := apierr.CodeOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		if log != nil {
			log.Error("Request failed", "path", c.FullPath(), "error", err)
		}
		message = "internal error"
	}
	c.JSON(status, ErrorEnvelope{Error: ErrorBody{Message: message, Code: code}})
}

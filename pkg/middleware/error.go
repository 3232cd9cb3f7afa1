package middleware

import (
	"net/http"

	"musicgen-controlplane/pkg/errutil"
	"musicgen-controlplane/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error a handler attached with c.Error.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		be := errutil.FromError(last.Err)
		status := be.Code.HTTPStatus()
		if status >= http.StatusInternalServerError {
			logger.FromContext(c.Request.Context()).Error("request failed",
				zap.String("path", c.FullPath()),
				zap.Error(last.Err),
			)
			// Causes of server errors stay in the logs.
			be.Err = nil
		}
		c.JSON(status, be.JSON())
	}
}

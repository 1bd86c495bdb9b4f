// Package middleware provides HTTP middleware for the deployment
// reconciler's ops API.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/MJJoyce/memex-explorer/internal/pkg/errors"
	"github.com/MJJoyce/memex-explorer/internal/pkg/logger"
)

// ErrorHandler is a Gin middleware that provides centralized error handling.
// It captures errors added via c.Error() and returns a consistent JSON response.
// Gin best practice: separate error handling from route handlers.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		var stageErr *apperrors.StageError
		if errors.As(err, &stageErr) {
			logger.Warn("Request error",
				zap.String("code", stageErr.Code),
				zap.String("stage", stageErr.Stage),
				zap.String("message", stageErr.Message),
				zap.Error(stageErr.Err),
			)
			c.JSON(httpStatusFor(stageErr), gin.H{
				"code":    stageErr.Code,
				"stage":   stageErr.Stage,
				"message": stageErr.Message,
			})
			return
		}

		// Fallback: generic 500 error
		logger.Error("Unhandled request error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "An internal error occurred",
		})
	}
}

func httpStatusFor(err *apperrors.StageError) int {
	switch err.Code {
	case apperrors.CodeConfigurationInvalid:
		return http.StatusUnprocessableEntity
	case apperrors.CodeProjectNotFound, apperrors.CodeServiceNotFound, apperrors.CodeContainerUnknown:
		return http.StatusNotFound
	case apperrors.CodeNameTaken:
		return http.StatusConflict
	case apperrors.CodeRuntimeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

package handler

import (
	"net/http"

	"dilemma-agg/internal/job"
	"dilemma-agg/internal/service"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

// abortWithError 按错误类型映射状态码
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, job.ErrQueueFull), errors.Is(err, job.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

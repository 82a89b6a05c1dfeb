package handler

import (
	"io"
	"net/http"

	"dilemma-agg/internal/service"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

type AnalysisHandler struct {
	analysisService *service.AnalysisService
}

func NewAnalysisHandler(analysisService *service.AnalysisService) *AnalysisHandler {
	return &AnalysisHandler{analysisService: analysisService}
}

// GetAnalysis 当前分析结果
func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	view, err := h.analysisService.GetAnalysis(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": view})
}

// GetStatus 缓存指纹与是否过期
func (h *AnalysisHandler) GetStatus(c *gin.Context) {
	status, err := h.analysisService.CacheStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *AnalysisHandler) Invalidate(c *gin.Context) {
	n, err := h.analysisService.Invalidate(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": n})
}

// Recompute 缓存过期或 force 时投递重算任务，缓存有效返回 200
func (h *AnalysisHandler) Recompute(c *gin.Context) {
	var req struct {
		Force bool `json:"force"`
	}
	// body 可省略
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.analysisService.EnsureFresh(c.Request.Context(), c.Param("id"), req.Force)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if jobID == "" {
		c.JSON(http.StatusOK, gin.H{"queued": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "job_id": jobID})
}

package handler

import (
	"net/http"
	"strings"

	"dilemma-agg/internal/service"

	"github.com/gin-gonic/gin"
)

type AggregateHandler struct {
	analysisService *service.AnalysisService
	coordinator     *service.Coordinator
}

func NewAggregateHandler(analysisService *service.AnalysisService, coordinator *service.Coordinator) *AggregateHandler {
	return &AggregateHandler{
		analysisService: analysisService,
		coordinator:     coordinator,
	}
}

// UpdateAggregate 投递 aggregate_update；sync=true 时直接在请求内重算
func (h *AggregateHandler) UpdateAggregate(c *gin.Context) {
	var req struct {
		DefinitionID      string  `json:"definitionId"`
		PreambleVersionID *string `json:"preambleVersionId"`
		Sync              bool    `json:"sync"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.DefinitionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "definitionId 不能为空"})
		return
	}

	if req.Sync {
		result, err := h.coordinator.Update(c.Request.Context(), req.DefinitionID, req.PreambleVersionID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result})
		return
	}

	jobID, err := h.analysisService.TriggerAggregate(c.Request.Context(), req.DefinitionID, req.PreambleVersionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

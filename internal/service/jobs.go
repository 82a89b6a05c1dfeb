package service

import (
	"context"

	"dilemma-agg/internal/job"
)

// HandleAggregateUpdate aggregate_update 任务；失败返回错误，由队列决定是否重试
func (c *Coordinator) HandleAggregateUpdate(ctx context.Context, j *job.Job) error {
	var p job.AggregateUpdatePayload
	if err := j.Decode(&p); err != nil {
		return err
	}
	// 空 definitionId 由 UpdateAggregateRun 记录告警后直接返回，不进入重试
	return c.UpdateAggregateRun(ctx, p.DefinitionID, p.PreambleVersionID)
}

// RegisterHandlers 注册本服务处理的任务类型
func RegisterHandlers(q *job.LocalQueue, svc *ServiceContext) {
	q.Register(job.TypeAggregateUpdate, svc.Coordinator.HandleAggregateUpdate)
	q.Register(job.TypeAnalyzeBasic, svc.AnalysisService.HandleAnalyzeBasic)
}

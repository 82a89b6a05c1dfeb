package service

import (
	"dilemma-agg/internal/cache"
	"dilemma-agg/internal/config"
	"dilemma-agg/internal/job"

	"gorm.io/gorm"
)

type ServiceContext struct {
	Queue           *job.LocalQueue
	Validator       *cache.Validator
	Coordinator     *Coordinator
	AnalysisService *AnalysisService
}

// NewServiceContext analyzer 为空时 analyze_basic 任务只记录日志
func NewServiceContext(cfg *config.Config, conn *gorm.DB, analyzer BasicAnalyzer) *ServiceContext {
	queue := job.NewLocalQueue(cfg.Queue)
	validator := cache.NewValidator(conn)

	svc := &ServiceContext{
		Queue:           queue,
		Validator:       validator,
		Coordinator:     NewCoordinator(conn, cfg.Aggregate),
		AnalysisService: NewAnalysisService(conn, validator, queue, analyzer, cfg.Analysis.CodeVersion),
	}
	RegisterHandlers(queue, svc)
	return svc
}

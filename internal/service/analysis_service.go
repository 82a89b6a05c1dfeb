package service

import (
	"context"

	"dilemma-agg/internal/analysis"
	"dilemma-agg/internal/cache"
	"dilemma-agg/internal/job"
	"dilemma-agg/internal/logger"
	"dilemma-agg/internal/model"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("记录不存在")
	ErrInvalidInput = errors.New("参数不合法")
)

// BasicAnalyzer 外部的逐 transcript 打分/汇总流水线，返回 BASIC 分析输出 JSON
type BasicAnalyzer interface {
	Analyze(ctx context.Context, runID string, transcriptIDs []string) (string, error)
}

type AnalysisService struct {
	db          *gorm.DB
	validator   *cache.Validator
	sender      job.Sender
	analyzer    BasicAnalyzer
	codeVersion string
	log         *zap.SugaredLogger
}

func NewAnalysisService(db *gorm.DB, validator *cache.Validator, sender job.Sender, analyzer BasicAnalyzer, codeVersion string) *AnalysisService {
	return &AnalysisService{
		db:          db,
		validator:   validator,
		sender:      sender,
		analyzer:    analyzer,
		codeVersion: codeVersion,
		log:         logger.Named("analysis"),
	}
}

// AnalysisView 当前结果及按类型解码后的内容
type AnalysisView struct {
	Result    *model.AnalysisResult      `json:"result"`
	Basic     *analysis.AnalysisOutput   `json:"basic,omitempty"`
	Aggregate *analysis.AggregatePayload `json:"aggregate,omitempty"`
}

// GetAnalysis 读取 run 的 CURRENT 结果并在边界处解码校验
func (s *AnalysisService) GetAnalysis(ctx context.Context, runID string) (*AnalysisView, error) {
	var result model.AnalysisResult
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runID, model.AnalysisStatusCurrent).
		Order("created_at DESC").
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "run %s 没有当前分析结果", runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "查询分析结果失败")
	}

	view := &AnalysisView{Result: &result}
	switch result.AnalysisType {
	case model.AnalysisTypeAggregate:
		view.Aggregate, err = analysis.DecodeAggregate(result.Output)
	default:
		view.Basic, err = analysis.Decode(result.Output)
	}
	if err != nil {
		return nil, err
	}
	return view, nil
}

type CacheStatus struct {
	RunID           string `json:"runId"`
	InputHash       string `json:"inputHash"`
	CodeVersion     string `json:"codeVersion"`
	TranscriptCount int    `json:"transcriptCount"`
	Stale           bool   `json:"stale"`
}

func (s *AnalysisService) CacheStatus(ctx context.Context, runID string) (*CacheStatus, error) {
	if _, err := s.loadRun(ctx, runID); err != nil {
		return nil, err
	}
	ids, err := s.transcriptIDs(ctx, runID)
	if err != nil {
		return nil, err
	}
	stale, err := s.validator.IsCacheStale(ctx, runID, ids, s.codeVersion)
	if err != nil {
		return nil, err
	}
	return &CacheStatus{
		RunID:           runID,
		InputHash:       cache.ComputeInputHash(runID, ids),
		CodeVersion:     s.codeVersion,
		TranscriptCount: len(ids),
		Stale:           stale,
	}, nil
}

func (s *AnalysisService) Invalidate(ctx context.Context, runID string) (int64, error) {
	if _, err := s.loadRun(ctx, runID); err != nil {
		return 0, err
	}
	n, err := s.validator.InvalidateCache(ctx, runID)
	if err != nil {
		return 0, err
	}
	s.log.Infow("分析缓存已失效", "runId", runID, "count", n)
	return n, nil
}

// EnsureFresh 缓存过期（或 force）时投递 analyze_basic；Aggregate run 改为投递 aggregate_update。
// 返回任务 id，无需重算时为空。
func (s *AnalysisService) EnsureFresh(ctx context.Context, runID string, force bool) (string, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if isAggregateRun(run) {
		return s.TriggerAggregate(ctx, run.DefinitionID, run.CompatibilityKey())
	}

	ids, err := s.transcriptIDs(ctx, runID)
	if err != nil {
		return "", err
	}
	if !force {
		stale, err := s.validator.IsCacheStale(ctx, runID, ids, s.codeVersion)
		if err != nil {
			return "", err
		}
		if !stale {
			return "", nil
		}
	}
	return s.sender.Send(ctx, job.TypeAnalyzeBasic, job.AnalyzeBasicPayload{
		RunID:         runID,
		TranscriptIDs: ids,
		Force:         force,
	}, job.SendOptions{SingletonKey: runID})
}

// TriggerAggregate 投递 aggregate_update，同一兼容键排队中时复用
func (s *AnalysisService) TriggerAggregate(ctx context.Context, definitionID string, preambleVersionID *string) (string, error) {
	if definitionID == "" {
		return "", errors.Wrap(ErrInvalidInput, "definitionId 不能为空")
	}
	return s.sender.Send(ctx, job.TypeAggregateUpdate, job.AggregateUpdatePayload{
		DefinitionID:      definitionID,
		PreambleVersionID: preambleVersionID,
	}, job.SendOptions{SingletonKey: definitionID + "|" + preambleLabel(preambleVersionID)})
}

// HandleAnalyzeBasic analyze_basic 任务：调用外部分析器，写入新的 CURRENT 结果，
// 已完成的 run 再触发一次所在 lineage 的合并
func (s *AnalysisService) HandleAnalyzeBasic(ctx context.Context, j *job.Job) error {
	var p job.AnalyzeBasicPayload
	if err := j.Decode(&p); err != nil {
		return err
	}
	if p.RunID == "" {
		s.log.Warnw("runId 为空，忽略任务", "jobId", j.ID)
		return nil
	}
	if s.analyzer == nil {
		s.log.Warnw("未配置 BASIC 分析器，忽略任务", "runId", p.RunID, "jobId", j.ID)
		return nil
	}

	run, err := s.loadRun(ctx, p.RunID)
	if errors.Is(err, ErrNotFound) {
		return job.Permanent(err)
	}
	if err != nil {
		return err
	}
	ids := p.TranscriptIDs
	if len(ids) == 0 {
		if ids, err = s.transcriptIDs(ctx, run.ID); err != nil {
			return err
		}
	}
	hash := cache.ComputeInputHash(run.ID, ids)

	if !p.Force {
		cached, err := s.validator.GetCachedAnalysis(ctx, run.ID, hash, s.codeVersion)
		if err != nil {
			return err
		}
		if cached != nil {
			s.log.Infow("缓存有效，跳过分析", "runId", run.ID, "inputHash", hash)
			return nil
		}
	}

	output, err := s.analyzer.Analyze(ctx, run.ID, ids)
	if err != nil {
		return errors.Wrapf(err, "分析 run %s 失败", run.ID)
	}
	if _, err := analysis.Decode(output); err != nil {
		return err
	}
	if _, err := s.validator.SaveAnalysis(ctx, cache.SaveInput{
		RunID:        run.ID,
		AnalysisType: model.AnalysisTypeBasic,
		InputHash:    hash,
		CodeVersion:  s.codeVersion,
		Output:       output,
	}); err != nil {
		return err
	}

	if run.Status == model.RunStatusCompleted {
		if _, err := s.TriggerAggregate(ctx, run.DefinitionID, run.CompatibilityKey()); err != nil {
			s.log.Warnw("触发 Aggregate 更新失败", "runId", run.ID, "error", err)
		}
	}
	return nil
}

func (s *AnalysisService) loadRun(ctx context.Context, runID string) (*model.Run, error) {
	var run model.Run
	err := s.db.WithContext(ctx).Preload("Tags").Where("id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "run %s 不存在", runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "查询 run 失败")
	}
	return &run, nil
}

func (s *AnalysisService) transcriptIDs(ctx context.Context, runID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Transcript{}).
		Where("run_id = ?", runID).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "查询 transcript 失败")
	}
	return ids, nil
}

func isAggregateRun(run *model.Run) bool {
	return run.Config.IsAggregate || run.HasTag(model.AggregateTagName)
}

package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"dilemma-agg/internal/aggregate"
	"dilemma-agg/internal/analysis"
	"dilemma-agg/internal/cache"
	"dilemma-agg/internal/config"
	"dilemma-agg/internal/lock"
	"dilemma-agg/internal/logger"
	"dilemma-agg/internal/model"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Coordinator 维护每个 (definition, preamble) 唯一的 Aggregate run。
// 整个读-合并-写在一个事务里完成，并持有按 definitionId 派生的 advisory lock，
// 同一 definition 的并发调用等价于某种串行顺序。
type Coordinator struct {
	db          *gorm.DB
	lockTimeout time.Duration
	opts        aggregate.Options
	log         *zap.SugaredLogger
	now         func() time.Time
}

func NewCoordinator(db *gorm.DB, cfg config.AggregateConfig) *Coordinator {
	return &Coordinator{
		db:          db,
		lockTimeout: cfg.LockTimeout(),
		opts: aggregate.Options{
			MaxContested: cfg.MaxContested,
			CodeVersion:  cfg.CodeVersion,
		},
		log: logger.Named("coordinator"),
		now: time.Now,
	}
}

// UpdateResult 一次更新的结果，Skipped 为 true 表示没有可合并的数据（正常情况）
type UpdateResult struct {
	Skipped        bool     `json:"skipped"`
	SkipReason     string   `json:"skipReason,omitempty"`
	AggregateRunID string   `json:"aggregateRunId,omitempty"`
	Created        bool     `json:"created"`
	RunCount       int      `json:"runCount"`
	SourceRunIDs   []string `json:"sourceRunIds,omitempty"`
}

// UpdateAggregateRun 幂等：没有兼容数据时什么都不做，否则产出一个最新的 Aggregate run
func (c *Coordinator) UpdateAggregateRun(ctx context.Context, definitionID string, preambleVersionID *string) error {
	_, err := c.Update(ctx, definitionID, preambleVersionID)
	return err
}

func (c *Coordinator) Update(ctx context.Context, definitionID string, preambleVersionID *string) (*UpdateResult, error) {
	if strings.TrimSpace(definitionID) == "" {
		c.log.Warnw("definitionId 为空，跳过 Aggregate 更新")
		return &UpdateResult{Skipped: true, SkipReason: "empty definition id"}, nil
	}
	log := c.log.With("definitionId", definitionID, "preambleVersionId", preambleLabel(preambleVersionID))

	var result *UpdateResult
	err := lock.RunInLockedTx(ctx, c.db, definitionID, c.lockTimeout, func(tx *gorm.DB) error {
		r, err := c.update(tx, definitionID, preambleVersionID)
		result = r
		return err
	})
	if err != nil {
		log.Errorw("更新 Aggregate run 失败，事务已回滚", "error", err)
		return nil, errors.Wrapf(err, "更新 definition %s 的 Aggregate run 失败", definitionID)
	}

	if result.Skipped {
		log.Infow("没有可合并的数据，跳过", "reason", result.SkipReason)
	} else {
		log.Infow("Aggregate run 已更新",
			"aggregateRunId", result.AggregateRunID,
			"created", result.Created,
			"runCount", result.RunCount,
			"sourceRuns", len(result.SourceRunIDs),
		)
	}
	return result, nil
}

type sourceRun struct {
	run      model.Run
	analysis *analysis.AnalysisOutput
}

func (c *Coordinator) update(tx *gorm.DB, definitionID string, preambleVersionID *string) (*UpdateResult, error) {
	sources, err := c.loadCompatibleRuns(tx, definitionID, preambleVersionID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return &UpdateResult{Skipped: true, SkipReason: "no compatible runs"}, nil
	}

	runIDs := make([]string, 0, len(sources))
	for _, s := range sources {
		runIDs = append(runIDs, s.run.ID)
	}
	if err := c.attachAnalyses(tx, sources); err != nil {
		return nil, err
	}

	var outputs []analysis.AnalysisOutput
	for _, s := range sources {
		if s.analysis != nil {
			outputs = append(outputs, *s.analysis)
		}
	}
	if len(outputs) == 0 {
		return &UpdateResult{Skipped: true, SkipReason: "no valid analyses"}, nil
	}

	transcriptCount, err := countTranscripts(tx, runIDs)
	if err != nil {
		return nil, err
	}
	rows, err := loadDecisionRows(tx, runIDs)
	if err != nil {
		return nil, err
	}

	merged := aggregate.AggregateWithOptions(outputs, rows, c.opts)

	aggRun, created, err := c.upsertAggregateRun(tx, definitionID, preambleVersionID, sources[0].run, runIDs, transcriptCount)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(analysis.AggregatePayload{
		AggregatedOutput: merged,
		RunCount:         len(outputs),
		SourceRunIDs:     runIDs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "序列化合并结果失败")
	}

	// 合并代价很低，每次重算都铸一个新指纹，不走指纹相等的缓存规则
	now := c.now()
	_, err = cache.WriteCurrent(tx, cache.SaveInput{
		RunID:        aggRun.ID,
		AnalysisType: model.AnalysisTypeAggregate,
		InputHash:    cache.ComputeInputHash(aggRun.ID, []string{strconv.FormatInt(now.UnixNano(), 10)}),
		CodeVersion:  c.opts.CodeVersion,
		Output:       string(payload),
	})
	if err != nil {
		return nil, err
	}

	return &UpdateResult{
		AggregateRunID: aggRun.ID,
		Created:        created,
		RunCount:       len(outputs),
		SourceRunIDs:   runIDs,
	}, nil
}

// aggregateRunIDs 带 Aggregate 标签的 run id 子查询
func aggregateRunIDs(tx *gorm.DB) *gorm.DB {
	return tx.Session(&gorm.Session{NewDB: true}).
		Table("run_tags").
		Select("run_tags.run_id").
		Joins("JOIN tags ON tags.id = run_tags.tag_id").
		Where("tags.name = ?", model.AggregateTagName)
}

// loadCompatibleRuns COMPLETED、未删除、非 Aggregate，且兼容键严格一致（null 只匹配 null）
func (c *Coordinator) loadCompatibleRuns(tx *gorm.DB, definitionID string, preambleVersionID *string) ([]*sourceRun, error) {
	var runs []model.Run
	err := tx.
		Where("definition_id = ? AND status = ?", definitionID, model.RunStatusCompleted).
		Where("id NOT IN (?)", aggregateRunIDs(tx)).
		Order("created_at ASC, id ASC").
		Find(&runs).Error
	if err != nil {
		return nil, errors.Wrap(err, "查询来源 run 失败")
	}

	var out []*sourceRun
	for _, r := range runs {
		if model.SamePreamble(r.CompatibilityKey(), preambleVersionID) {
			out = append(out, &sourceRun{run: r})
		}
	}
	return out, nil
}

// attachAnalyses 每个 run 取最新的一条 CURRENT 结果；格式不合法的跳过
func (c *Coordinator) attachAnalyses(tx *gorm.DB, sources []*sourceRun) error {
	byID := map[string]*sourceRun{}
	ids := make([]string, 0, len(sources))
	for _, s := range sources {
		byID[s.run.ID] = s
		ids = append(ids, s.run.ID)
	}

	var results []model.AnalysisResult
	err := tx.
		Where("run_id IN ? AND status = ?", ids, model.AnalysisStatusCurrent).
		Order("created_at DESC").
		Find(&results).Error
	if err != nil {
		return errors.Wrap(err, "查询来源分析结果失败")
	}

	seen := map[string]bool{}
	for _, r := range results {
		if seen[r.RunID] {
			continue
		}
		seen[r.RunID] = true
		out, err := analysis.Decode(r.Output)
		if err != nil {
			c.log.Warnw("分析结果格式不合法，跳过该 run", "runId", r.RunID, "analysisId", r.ID, "error", err)
			continue
		}
		byID[r.RunID].analysis = out
	}
	return nil
}

func countTranscripts(tx *gorm.DB, runIDs []string) (int, error) {
	var rows []struct {
		RunID string
		Count int
	}
	err := tx.Model(&model.Transcript{}).
		Select("run_id, COUNT(*) AS count").
		Where("run_id IN ?", runIDs).
		Group("run_id").
		Scan(&rows).Error
	if err != nil {
		return 0, errors.Wrap(err, "统计 transcript 数失败")
	}
	total := 0
	for _, r := range rows {
		total += r.Count
	}
	return total, nil
}

// loadDecisionRows 有决策、场景未删除的 transcript
func loadDecisionRows(tx *gorm.DB, runIDs []string) ([]aggregate.TranscriptRow, error) {
	var rows []aggregate.TranscriptRow
	err := tx.Model(&model.Transcript{}).
		Select("transcripts.model_id, transcripts.scenario_id, transcripts.decision_code").
		Joins("JOIN scenarios ON scenarios.id = transcripts.scenario_id AND scenarios.deleted_at IS NULL").
		Where("transcripts.run_id IN ? AND transcripts.decision_code IS NOT NULL", runIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "查询 transcript 决策失败")
	}
	return rows, nil
}

// upsertAggregateRun 已存在则只更新 provenance 字段并把状态拉回 COMPLETED，否则按模板 run 新建
func (c *Coordinator) upsertAggregateRun(tx *gorm.DB, definitionID string, preambleVersionID *string, template model.Run, runIDs []string, transcriptCount int) (*model.Run, bool, error) {
	var candidates []model.Run
	err := tx.
		Where("definition_id = ?", definitionID).
		Where("id IN (?)", aggregateRunIDs(tx)).
		Order("created_at ASC, id ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, false, errors.Wrap(err, "查询已有 Aggregate run 失败")
	}

	for i := range candidates {
		existing := &candidates[i]
		if !model.SamePreamble(existing.CompatibilityKey(), preambleVersionID) {
			continue
		}
		existing.Config.SourceRunIDs = runIDs
		existing.Config.TranscriptCount = transcriptCount
		existing.Status = model.RunStatusCompleted
		err := tx.Model(existing).Select("Config", "Status", "UpdatedAt").Updates(existing).Error
		if err != nil {
			return nil, false, errors.Wrap(err, "更新 Aggregate run 失败")
		}
		return existing, false, nil
	}

	cfg, err := template.Config.Clone()
	if err != nil {
		return nil, false, errors.Wrap(err, "复制模板 run 配置失败")
	}
	cfg.IsAggregate = true
	cfg.SourceRunIDs = runIDs
	cfg.TranscriptCount = transcriptCount

	tag, err := ensureAggregateTag(tx)
	if err != nil {
		return nil, false, err
	}
	run := &model.Run{
		DefinitionID:    definitionID,
		Status:          model.RunStatusCompleted,
		Config:          cfg,
		CreatedByUserID: template.CreatedByUserID,
		Tags:            []model.Tag{*tag},
	}
	if err := tx.Create(run).Error; err != nil {
		return nil, false, errors.Wrap(err, "创建 Aggregate run 失败")
	}
	return run, true, nil
}

// ensureAggregateTag 不同 definition 的合并不互斥，标签可能被并发创建，冲突时忽略再读回
func ensureAggregateTag(tx *gorm.DB) (*model.Tag, error) {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&model.Tag{Name: model.AggregateTagName}).Error
	if err != nil {
		return nil, errors.Wrap(err, "创建 Aggregate 标签失败")
	}
	var tag model.Tag
	if err := tx.Where("name = ?", model.AggregateTagName).First(&tag).Error; err != nil {
		return nil, errors.Wrap(err, "读取 Aggregate 标签失败")
	}
	return &tag, nil
}

func preambleLabel(id *string) string {
	if id == nil {
		return "null"
	}
	return *id
}

// Package cache 分析结果缓存：输入指纹、CURRENT 判定与失效。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"dilemma-agg/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// HashLength 指纹截断长度（hex 字符数）
const HashLength = 16

type Validator struct {
	db *gorm.DB
}

func NewValidator(db *gorm.DB) *Validator {
	return &Validator{db: db}
}

// ComputeInputHash 与 transcriptIDs 的顺序无关；run 或 id 集合任一变化都会改变指纹
func ComputeInputHash(runID string, transcriptIDs []string) string {
	ids := append([]string(nil), transcriptIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(runID + ":" + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// GetCachedAnalysis 只有 CURRENT 且指纹、代码版本都一致时才命中；未命中返回 (nil, nil)
func (v *Validator) GetCachedAnalysis(ctx context.Context, runID, inputHash, codeVersion string) (*model.AnalysisResult, error) {
	var result model.AnalysisResult
	err := v.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runID, model.AnalysisStatusCurrent).
		Order("created_at DESC").
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "查询缓存分析结果失败")
	}
	if result.InputHash != inputHash || result.CodeVersion != codeVersion {
		return nil, nil
	}
	return &result, nil
}

// IsCacheStale 重新计算指纹，没有有效缓存即为过期
func (v *Validator) IsCacheStale(ctx context.Context, runID string, transcriptIDs []string, codeVersion string) (bool, error) {
	cached, err := v.GetCachedAnalysis(ctx, runID, ComputeInputHash(runID, transcriptIDs), codeVersion)
	if err != nil {
		return false, err
	}
	return cached == nil, nil
}

// InvalidateCache 批量把 run 的 CURRENT 结果降级，返回变更数
func (v *Validator) InvalidateCache(ctx context.Context, runID string) (int64, error) {
	return model.SupersedeCurrent(v.db.WithContext(ctx), runID)
}

type SaveInput struct {
	RunID        string
	AnalysisType model.AnalysisType
	InputHash    string
	CodeVersion  string
	Output       string
}

// SaveAnalysis 同一事务内先降级旧 CURRENT 再插入新 CURRENT，不会出现两条 CURRENT
func (v *Validator) SaveAnalysis(ctx context.Context, in SaveInput) (*model.AnalysisResult, error) {
	var saved *model.AnalysisResult
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := WriteCurrent(tx, in)
		saved = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// WriteCurrent 在调用方事务内写入新的 CURRENT 结果
func WriteCurrent(tx *gorm.DB, in SaveInput) (*model.AnalysisResult, error) {
	if _, err := model.SupersedeCurrent(tx, in.RunID); err != nil {
		return nil, err
	}
	result := &model.AnalysisResult{
		RunID:        in.RunID,
		AnalysisType: in.AnalysisType,
		Status:       model.AnalysisStatusCurrent,
		InputHash:    in.InputHash,
		CodeVersion:  in.CodeVersion,
		Output:       in.Output,
	}
	if err := tx.Create(result).Error; err != nil {
		return nil, errors.Wrap(err, "写入分析结果失败")
	}
	return result, nil
}

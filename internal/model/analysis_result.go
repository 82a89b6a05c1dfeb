package model

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AnalysisType string

const (
	AnalysisTypeBasic     AnalysisType = "BASIC"
	AnalysisTypeAggregate AnalysisType = "AGGREGATE"
)

// AnalysisStatus 只允许 CURRENT -> SUPERSEDED，不可逆
type AnalysisStatus string

const (
	AnalysisStatusCurrent    AnalysisStatus = "CURRENT"
	AnalysisStatusSuperseded AnalysisStatus = "SUPERSEDED"
)

var ErrInvalidTransition = errors.New("非法的分析结果状态迁移")

func (s AnalysisStatus) CanTransitionTo(next AnalysisStatus) bool {
	return s == AnalysisStatusCurrent && next == AnalysisStatusSuperseded
}

// AnalysisResult 某个 Run 的统计分析结果；只追加，旧结果降级为 SUPERSEDED，从不删除
type AnalysisResult struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RunID        string         `gorm:"type:varchar(36);not null;index:idx_analysis_run_status" json:"run_id"`
	AnalysisType AnalysisType   `gorm:"type:varchar(20);not null" json:"analysis_type"`
	Status       AnalysisStatus `gorm:"type:varchar(20);not null;index:idx_analysis_run_status" json:"status"`
	InputHash    string         `gorm:"type:varchar(64);not null" json:"input_hash"`
	CodeVersion  string         `gorm:"type:varchar(32);not null" json:"code_version"`

	// JSON 文本，读取时在边界处解码校验
	Output string `gorm:"type:longtext" json:"output"`
}

func (a *AnalysisResult) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AnalysisStatusCurrent
	}
	if a.Status != AnalysisStatusCurrent && a.Status != AnalysisStatusSuperseded {
		return errors.Newf("未知的分析结果状态: %s", a.Status)
	}
	return nil
}

// SupersedeCurrent 把 run 下所有 CURRENT 结果批量降级为 SUPERSEDED，返回变更行数。
// 状态写入只走这里，保证不会出现反向迁移。
func SupersedeCurrent(tx *gorm.DB, runID string) (int64, error) {
	from, to := AnalysisStatusCurrent, AnalysisStatusSuperseded
	if !from.CanTransitionTo(to) {
		return 0, ErrInvalidTransition
	}
	res := tx.Model(&AnalysisResult{}).
		Where("run_id = ? AND status = ?", runID, from).
		Update("status", to)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "降级分析结果失败")
	}
	return res.RowsAffected, nil
}

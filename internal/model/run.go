package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RunStatus string

const (
	RunStatusPending     RunStatus = "PENDING"
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusSummarizing RunStatus = "SUMMARIZING"
	RunStatusPaused      RunStatus = "PAUSED"
	RunStatusCompleted   RunStatus = "COMPLETED"
	RunStatusFailed      RunStatus = "FAILED"
	RunStatusCancelled   RunStatus = "CANCELLED"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSummarizing, RunStatusPaused,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run 一次评测执行（一个 scenario-definition 版本 × 若干模型）
// 带 Aggregate 标签的 Run 是合并产物，只由 Coordinator 写入，不会再作为合并来源
type Run struct {
	ID        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	DefinitionID string `gorm:"type:varchar(36);not null;index" json:"definition_id"`

	// 运行时 definition 配置快照（含 preamble 版本）
	Config RunConfig `gorm:"serializer:json;type:text" json:"config"`

	Status          RunStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	CreatedByUserID *string   `gorm:"type:varchar(36)" json:"created_by_user_id"`

	Tags []Tag `gorm:"many2many:run_tags;" json:"tags,omitempty"`
}

func (r *Run) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunStatusPending
	}
	return nil
}

// HasTag 按名字判断（Tags 需已 Preload）
func (r *Run) HasTag(name string) bool {
	for _, t := range r.Tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

// CompatibilityKey 合并兼容键的 preamble 部分；nil 只与 nil 匹配
func (r *Run) CompatibilityKey() *string {
	return r.Config.PreambleVersionID()
}

// SamePreamble nil 只等于 nil，不做“空值即相等”的宽松比较
func SamePreamble(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

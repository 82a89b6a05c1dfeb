package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Transcript 单个模型对单个场景实例的一次回答
type Transcript struct {
	ID        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	RunID   string `gorm:"type:varchar(36);not null;index" json:"run_id"`
	ModelID string `gorm:"type:varchar(200);not null;index" json:"model_id"`
	// 未解析到场景时为空
	ScenarioID *string `gorm:"type:varchar(36);index" json:"scenario_id"`
	// 1~5 的序数决策编码，summarize 之前为空
	DecisionCode *string `gorm:"type:varchar(10)" json:"decision_code"`
}

func (t *Transcript) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Scenario definition 生成的具体场景实例
type Scenario struct {
	ID        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	DefinitionID string `gorm:"type:varchar(36);not null;index" json:"definition_id"`
	Name         string `gorm:"type:varchar(500)" json:"name"`
}

func (s *Scenario) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

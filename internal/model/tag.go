package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AggregateTagName 合并 Run 的标签名
const AggregateTagName = "Aggregate"

type Tag struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Name string `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
}

func (t *Tag) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// AggregateLock 不支持 advisory lock 的方言（sqlite）用的锁行
type AggregateLock struct {
	LockKey    string    `gorm:"type:varchar(64);primaryKey" json:"lock_key"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (AggregateLock) TableName() string {
	return "aggregate_locks"
}

// All 参与 AutoMigrate 的模型
func All() []any {
	return []any{
		&Run{},
		&Tag{},
		&Scenario{},
		&Transcript{},
		&AnalysisResult{},
		&AggregateLock{},
	}
}

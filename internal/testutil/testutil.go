// Package testutil 测试用的 sqlite 数据库与数据构造
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"dilemma-agg/internal/config"
	"dilemma-agg/internal/db"
	"dilemma-agg/internal/model"

	"gorm.io/gorm"
)

// NewDB 在 t.TempDir() 下创建已迁移的 sqlite 文件库。
// _txlock=immediate 让事务一开始就拿写锁，并发测试不会死锁。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    path + "?_busy_timeout=10000&_txlock=immediate",
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func StrPtr(s string) *string { return &s }

// RunOption 调整 CreateRun 生成的 Run
type RunOption func(*model.Run)

func WithStatus(s model.RunStatus) RunOption {
	return func(r *model.Run) { r.Status = s }
}

func WithPreamble(id *string) RunOption {
	return func(r *model.Run) {
		if r.Config.DefinitionSnapshot == nil {
			r.Config.DefinitionSnapshot = &model.DefinitionSnapshot{}
		}
		r.Config.DefinitionSnapshot.PreambleVersionID = id
	}
}

func WithCreator(userID string) RunOption {
	return func(r *model.Run) { r.CreatedByUserID = &userID }
}

func WithTags(tags ...model.Tag) RunOption {
	return func(r *model.Run) { r.Tags = append(r.Tags, tags...) }
}

func WithCreatedAt(ts time.Time) RunOption {
	return func(r *model.Run) { r.CreatedAt = ts }
}

// CreateRun 默认 COMPLETED、无 preamble
func CreateRun(t testing.TB, conn *gorm.DB, definitionID string, opts ...RunOption) *model.Run {
	t.Helper()
	run := &model.Run{
		DefinitionID: definitionID,
		Status:       model.RunStatusCompleted,
		Config: model.RunConfig{
			DefinitionSnapshot: &model.DefinitionSnapshot{},
			Models:             []string{"m1"},
		},
	}
	for _, opt := range opts {
		opt(run)
	}
	if err := conn.Create(run).Error; err != nil {
		t.Fatalf("创建 run 失败: %v", err)
	}
	return run
}

func CreateScenario(t testing.TB, conn *gorm.DB, definitionID, name string) *model.Scenario {
	t.Helper()
	s := &model.Scenario{DefinitionID: definitionID, Name: name}
	if err := conn.Create(s).Error; err != nil {
		t.Fatalf("创建 scenario 失败: %v", err)
	}
	return s
}

func CreateTranscript(t testing.TB, conn *gorm.DB, runID, modelID string, scenarioID, decision *string) *model.Transcript {
	t.Helper()
	tr := &model.Transcript{RunID: runID, ModelID: modelID, ScenarioID: scenarioID, DecisionCode: decision}
	if err := conn.Create(tr).Error; err != nil {
		t.Fatalf("创建 transcript 失败: %v", err)
	}
	return tr
}

func CreateAnalysis(t testing.TB, conn *gorm.DB, runID string, status model.AnalysisStatus, output string) *model.AnalysisResult {
	t.Helper()
	ar := &model.AnalysisResult{
		RunID:        runID,
		AnalysisType: model.AnalysisTypeBasic,
		Status:       status,
		InputHash:    "seed",
		CodeVersion:  "1.0.0",
		Output:       output,
	}
	if err := conn.Create(ar).Error; err != nil {
		t.Fatalf("创建 analysis 失败: %v", err)
	}
	return ar
}

// CountCurrent run 下 CURRENT 结果数
func CountCurrent(t testing.TB, conn *gorm.DB, runID string) int64 {
	t.Helper()
	var n int64
	if err := conn.Model(&model.AnalysisResult{}).
		Where("run_id = ? AND status = ?", runID, model.AnalysisStatusCurrent).
		Count(&n).Error; err != nil {
		t.Fatalf("统计 CURRENT 失败: %v", err)
	}
	return n
}

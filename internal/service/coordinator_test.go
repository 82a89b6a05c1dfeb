package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"dilemma-agg/internal/analysis"
	"dilemma-agg/internal/config"
	"dilemma-agg/internal/model"
	"dilemma-agg/internal/testutil"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newCoordinator(conn *gorm.DB) *Coordinator {
	return NewCoordinator(conn, config.AggregateConfig{
		LockTimeoutSeconds: 5,
		CodeVersion:        "1.0.0",
		MaxContested:       20,
	})
}

func basicOutput(p, d, n int, winRate float64) string {
	return fmt.Sprintf(`{"perModel":{"m1":{"sampleSize":%d,"values":{"v1":{"count":{"prioritized":%d,"deprioritized":%d,"neutral":%d},"winRate":%v}}}}}`,
		p+d+n, p, d, n, winRate)
}

// completedRun 已完成且带一条 CURRENT BASIC 结果的 run
func completedRun(t *testing.T, conn *gorm.DB, definitionID, output string, opts ...testutil.RunOption) *model.Run {
	t.Helper()
	run := testutil.CreateRun(t, conn, definitionID, opts...)
	testutil.CreateAnalysis(t, conn, run.ID, model.AnalysisStatusCurrent, output)
	return run
}

func aggregateRuns(t *testing.T, conn *gorm.DB, definitionID string) []model.Run {
	t.Helper()
	var runs []model.Run
	require.NoError(t, conn.Preload("Tags").
		Where("definition_id = ?", definitionID).
		Where("id IN (?)", aggregateRunIDs(conn)).
		Order("created_at ASC").
		Find(&runs).Error)
	return runs
}

func currentAggregate(t *testing.T, conn *gorm.DB, runID string) *analysis.AggregatePayload {
	t.Helper()
	var result model.AnalysisResult
	require.NoError(t, conn.Where("run_id = ? AND status = ?", runID, model.AnalysisStatusCurrent).First(&result).Error)
	assert.Equal(t, model.AnalysisTypeAggregate, result.AnalysisType)
	payload, err := analysis.DecodeAggregate(result.Output)
	require.NoError(t, err)
	return payload
}

func TestUpdateAggregateRunEndToEnd(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)
	ctx := context.Background()

	a := completedRun(t, conn, "def-1", basicOutput(8, 2, 0, 0.8), testutil.WithCreator("user-1"))
	b := completedRun(t, conn, "def-1", basicOutput(4, 6, 0, 0.4))

	s1 := testutil.CreateScenario(t, conn, "def-1", "s1")
	gone := testutil.CreateScenario(t, conn, "def-1", "gone")
	require.NoError(t, conn.Delete(gone).Error)
	testutil.CreateTranscript(t, conn, a.ID, "m1", &s1.ID, testutil.StrPtr("1"))
	testutil.CreateTranscript(t, conn, a.ID, "m1", &s1.ID, testutil.StrPtr("3"))
	testutil.CreateTranscript(t, conn, b.ID, "m1", &s1.ID, testutil.StrPtr("5"))
	testutil.CreateTranscript(t, conn, b.ID, "m1", &gone.ID, testutil.StrPtr("1"))
	testutil.CreateTranscript(t, conn, b.ID, "m1", &s1.ID, nil)

	res, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.RunCount)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.SourceRunIDs)

	runs := aggregateRuns(t, conn, "def-1")
	require.Len(t, runs, 1)
	agg := runs[0]
	assert.Equal(t, res.AggregateRunID, agg.ID)
	assert.Equal(t, model.RunStatusCompleted, agg.Status)
	assert.True(t, agg.HasTag(model.AggregateTagName))
	assert.True(t, agg.Config.IsAggregate)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, agg.Config.SourceRunIDs)
	assert.Equal(t, 5, agg.Config.TranscriptCount)
	assert.Equal(t, []string{"m1"}, agg.Config.Models)
	require.NotNil(t, agg.CreatedByUserID)
	assert.Equal(t, "user-1", *agg.CreatedByUserID)

	payload := currentAggregate(t, conn, agg.ID)
	assert.Equal(t, 2, payload.RunCount)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, payload.SourceRunIDs)

	v1 := payload.PerModel["m1"].Values["v1"]
	assert.InDelta(t, 0.6, v1.WinRate, 1e-9)
	assert.Equal(t, analysis.ValueCounts{Prioritized: 12, Deprioritized: 8}, v1.Count)

	stats := payload.ValueAggregateStats["m1"]["v1"]
	assert.InDelta(t, 0.6, stats.WinRateMean, 1e-9)
	assert.InDelta(t, 0.2, stats.WinRateStdDev, 1e-9)
	assert.InDelta(t, 0.1414, stats.WinRateSEM, 1e-4)
	assert.Equal(t, 2, stats.SampleSize)

	// s1 的决策均值 (1+3+5)/3 = 3；已删除场景和无决策的 transcript 不计入
	assert.Equal(t, 1, payload.VisualizationData.DecisionDistribution["m1"]["3"])
	assert.InDelta(t, 3.0, payload.VisualizationData.ModelScenarioMatrix["m1"][s1.ID], 1e-9)
	assert.NotContains(t, payload.VisualizationData.ModelScenarioMatrix["m1"], gone.ID)
}

func TestUpdateAggregateRunIsIdempotent(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)
	ctx := context.Background()

	a := completedRun(t, conn, "def-1", basicOutput(8, 2, 0, 0.8))

	first, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)
	assert.True(t, first.Created)

	b := completedRun(t, conn, "def-1", basicOutput(4, 6, 0, 0.4))
	second, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.AggregateRunID, second.AggregateRunID)

	runs := aggregateRuns(t, conn, "def-1")
	require.Len(t, runs, 1)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, runs[0].Config.SourceRunIDs)

	// 旧结果被降级，只留一条 CURRENT
	assert.Equal(t, int64(1), testutil.CountCurrent(t, conn, first.AggregateRunID))
	var superseded int64
	require.NoError(t, conn.Model(&model.AnalysisResult{}).
		Where("run_id = ? AND status = ?", first.AggregateRunID, model.AnalysisStatusSuperseded).
		Count(&superseded).Error)
	assert.Equal(t, int64(1), superseded)
	assert.Equal(t, 2, currentAggregate(t, conn, first.AggregateRunID).RunCount)

	third, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.AggregateRunID, third.AggregateRunID)
	assert.Len(t, aggregateRuns(t, conn, "def-1"), 1)
}

func TestUpdateAggregateRunRespectsPreambleKey(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)
	ctx := context.Background()

	plain := completedRun(t, conn, "def-1", basicOutput(8, 2, 0, 0.8))
	p1 := completedRun(t, conn, "def-1", basicOutput(4, 6, 0, 0.4), testutil.WithPreamble(testutil.StrPtr("pre-1")))
	completedRun(t, conn, "def-1", basicOutput(5, 5, 0, 0.5), testutil.WithPreamble(testutil.StrPtr("pre-2")))

	res, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{plain.ID}, res.SourceRunIDs)

	res, err = c.Update(ctx, "def-1", testutil.StrPtr("pre-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{p1.ID}, res.SourceRunIDs)

	runs := aggregateRuns(t, conn, "def-1")
	require.Len(t, runs, 2)
	assert.Nil(t, runs[0].CompatibilityKey())
	require.NotNil(t, runs[1].CompatibilityKey())
	assert.Equal(t, "pre-1", *runs[1].CompatibilityKey())

	// 重新合并 null 键不会碰到 pre-1 的 Aggregate run
	again, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)
	assert.Equal(t, runs[0].ID, again.AggregateRunID)
	assert.Len(t, aggregateRuns(t, conn, "def-1"), 2)
}

func TestUpdateAggregateRunReadsMetaPreamble(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)

	run := testutil.CreateRun(t, conn, "def-1")
	run.Config.DefinitionSnapshot.Meta = &model.SnapshotMeta{PreambleVersionID: testutil.StrPtr("pre-meta")}
	require.NoError(t, conn.Model(run).Select("Config").Updates(run).Error)
	testutil.CreateAnalysis(t, conn, run.ID, model.AnalysisStatusCurrent, basicOutput(1, 1, 0, 0.5))

	res, err := c.Update(context.Background(), "def-1", testutil.StrPtr("pre-meta"))
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID}, res.SourceRunIDs)
}

func TestUpdateAggregateRunSkipsIneligibleRuns(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)
	ctx := context.Background()

	good := completedRun(t, conn, "def-1", basicOutput(8, 2, 0, 0.8))
	completedRun(t, conn, "def-1", basicOutput(1, 1, 0, 0.5), testutil.WithStatus(model.RunStatusRunning))
	completedRun(t, conn, "def-2", basicOutput(1, 1, 0, 0.5))
	deleted := completedRun(t, conn, "def-1", basicOutput(1, 1, 0, 0.5))
	require.NoError(t, conn.Delete(deleted).Error)
	// 只有 SUPERSEDED 结果的 run 仍算兼容 run，但不贡献分析
	noCurrent := testutil.CreateRun(t, conn, "def-1")
	testutil.CreateAnalysis(t, conn, noCurrent.ID, model.AnalysisStatusSuperseded, basicOutput(1, 1, 0, 0.5))
	broken := completedRun(t, conn, "def-1", `{"perModel":{"m1":{"sampleSize":1,"values":{"v1":{"count":{},"winRate":7}}}}}`)

	res, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RunCount)
	assert.ElementsMatch(t, []string{good.ID, noCurrent.ID, broken.ID}, res.SourceRunIDs)

	payload := currentAggregate(t, conn, res.AggregateRunID)
	assert.Equal(t, 1, payload.RunCount)
	assert.InDelta(t, 0.8, payload.PerModel["m1"].Values["v1"].WinRate, 1e-9)
}

func TestUpdateAggregateRunExcludesAggregateRuns(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)
	ctx := context.Background()

	src := completedRun(t, conn, "def-1", basicOutput(8, 2, 0, 0.8))
	first, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)

	second, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{src.ID}, second.SourceRunIDs)
	assert.NotContains(t, second.SourceRunIDs, first.AggregateRunID)
}

func TestUpdateAggregateRunNoop(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)
	ctx := context.Background()

	res, err := c.Update(ctx, "def-empty", nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	testutil.CreateRun(t, conn, "def-1")
	res, err = c.Update(ctx, "def-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, aggregateRuns(t, conn, "def-1"))

	res, err = c.Update(ctx, "  ", nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	require.NoError(t, c.UpdateAggregateRun(ctx, "", nil))

	var n int64
	require.NoError(t, conn.Model(&model.Run{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestUpdateAggregateRunPreservesManualConfig(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)
	ctx := context.Background()

	completedRun(t, conn, "def-1", basicOutput(8, 2, 0, 0.8))
	first, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)

	var agg model.Run
	require.NoError(t, conn.First(&agg, "id = ?", first.AggregateRunID).Error)
	agg.Config.Extra = map[string]json.RawMessage{"notes": json.RawMessage(`"手工备注"`)}
	agg.Status = model.RunStatusPaused
	require.NoError(t, conn.Model(&agg).Select("Config", "Status").Updates(&agg).Error)

	completedRun(t, conn, "def-1", basicOutput(4, 6, 0, 0.4))
	_, err = c.Update(ctx, "def-1", nil)
	require.NoError(t, err)

	require.NoError(t, conn.First(&agg, "id = ?", first.AggregateRunID).Error)
	assert.Equal(t, model.RunStatusCompleted, agg.Status)
	assert.Len(t, agg.Config.SourceRunIDs, 2)
	assert.JSONEq(t, `"手工备注"`, string(agg.Config.Extra["notes"]))
}

func TestUpdateAggregateRunRollsBackOnFailure(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)
	ctx := context.Background()

	a := completedRun(t, conn, "def-1", basicOutput(8, 2, 0, 0.8))
	first, err := c.Update(ctx, "def-1", nil)
	require.NoError(t, err)

	completedRun(t, conn, "def-1", basicOutput(4, 6, 0, 0.4))
	boom := errors.New("boom")
	require.NoError(t, conn.Callback().Create().Before("gorm:create").Register("test:fail_aggregate", func(tx *gorm.DB) {
		if r, ok := tx.Statement.Dest.(*model.AnalysisResult); ok && r.AnalysisType == model.AnalysisTypeAggregate {
			_ = tx.AddError(boom)
		}
	}))

	err = c.UpdateAggregateRun(ctx, "def-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// 降级和 provenance 更新一并回滚
	runs := aggregateRuns(t, conn, "def-1")
	require.Len(t, runs, 1)
	assert.Equal(t, []string{a.ID}, runs[0].Config.SourceRunIDs)
	assert.Equal(t, int64(1), testutil.CountCurrent(t, conn, first.AggregateRunID))
	assert.Equal(t, 1, currentAggregate(t, conn, first.AggregateRunID).RunCount)
}

func TestUpdateAggregateRunRollsBackNewRun(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)

	completedRun(t, conn, "def-1", basicOutput(8, 2, 0, 0.8))
	require.NoError(t, conn.Callback().Create().Before("gorm:create").Register("test:fail_aggregate", func(tx *gorm.DB) {
		if r, ok := tx.Statement.Dest.(*model.AnalysisResult); ok && r.AnalysisType == model.AnalysisTypeAggregate {
			_ = tx.AddError(errors.New("boom"))
		}
	}))

	require.Error(t, c.UpdateAggregateRun(context.Background(), "def-1", nil))
	assert.Empty(t, aggregateRuns(t, conn, "def-1"))
}

func TestUpdateAggregateRunConcurrent(t *testing.T) {
	conn := testutil.NewDB(t)
	c := newCoordinator(conn)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		r := completedRun(t, conn, "def-1", basicOutput(i+1, 1, 0, float64(i+1)/float64(i+2)))
		ids = append(ids, r.ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.UpdateAggregateRun(ctx, "def-1", nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	runs := aggregateRuns(t, conn, "def-1")
	require.Len(t, runs, 1)
	assert.ElementsMatch(t, ids, runs[0].Config.SourceRunIDs)
	assert.Equal(t, int64(1), testutil.CountCurrent(t, conn, runs[0].ID))
	assert.Equal(t, 3, currentAggregate(t, conn, runs[0].ID).RunCount)

	var tags int64
	require.NoError(t, conn.Model(&model.Tag{}).Where("name = ?", model.AggregateTagName).Count(&tags).Error)
	assert.Equal(t, int64(1), tags)
}

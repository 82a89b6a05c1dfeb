// Package aggregate 把同一 definition lineage 下多个 run 的分析结果合并为一份统计结果。
// 纯函数，无 I/O。
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"dilemma-agg/internal/analysis"
)

const (
	// MaxContestedScenarios 合并后保留的争议场景数
	MaxContestedScenarios = 20
	// SmallSampleThreshold 合并样本量低于此值时给出 SMALL_SAMPLE 警告
	SmallSampleThreshold = 10
	// CodeVersion AGGREGATE 结果的代码版本
	CodeVersion = "1.0.0"
)

// TranscriptRow 参与决策分布计算的 transcript
type TranscriptRow struct {
	ModelID      string
	ScenarioID   *string
	DecisionCode *string
}

type Options struct {
	MaxContested int
	CodeVersion  string
}

func (o Options) withDefaults() Options {
	if o.MaxContested <= 0 {
		o.MaxContested = MaxContestedScenarios
	}
	if o.CodeVersion == "" {
		o.CodeVersion = CodeVersion
	}
	return o
}

func Aggregate(analyses []analysis.AnalysisOutput, transcripts []TranscriptRow) analysis.AggregatedOutput {
	return AggregateWithOptions(analyses, transcripts, Options{})
}

func AggregateWithOptions(analyses []analysis.AnalysisOutput, transcripts []TranscriptRow, opts Options) analysis.AggregatedOutput {
	opts = opts.withDefaults()

	out := analysis.AggregatedOutput{
		PerModel:            map[string]analysis.AggregatedModelStats{},
		DecisionStats:       map[string]map[string]analysis.OptionStats{},
		ValueAggregateStats: map[string]map[string]analysis.ValueAggregateStats{},
		Warnings:            []analysis.Warning{},
		MethodsUsed: analysis.MethodsUsed{
			WinRateCI:            "mean_sem_normal",
			DecisionDistribution: "scenario_mean_of_means",
			DecisionStats:        "run_fraction_mean",
			ModelAgreement:       "first_source_passthrough",
			CodeVersion:          opts.CodeVersion,
		},
	}

	for _, modelID := range modelIDs(analyses) {
		var sources []analysis.AnalysisOutput
		for _, a := range analyses {
			if _, ok := a.PerModel[modelID]; ok {
				sources = append(sources, a)
			}
		}
		if len(sources) == 0 {
			continue
		}

		stats, valueStats := mergeModel(modelID, sources)
		out.PerModel[modelID] = stats
		if len(valueStats) > 0 {
			out.ValueAggregateStats[modelID] = valueStats
		}
		if ds := decisionStats(modelID, sources); len(ds) > 0 {
			out.DecisionStats[modelID] = ds
		}
		if stats.SampleSize < SmallSampleThreshold {
			out.Warnings = append(out.Warnings, analysis.Warning{
				Code:    "SMALL_SAMPLE",
				Message: fmt.Sprintf("model %s 合并样本量 %d 小于 %d", modelID, stats.SampleSize, SmallSampleThreshold),
				ModelID: modelID,
			})
		}
	}

	dist, matrix := scenarioDistribution(transcripts)
	out.VisualizationData = analysis.AggregatedVisualization{
		DecisionDistribution: dist,
		ModelScenarioMatrix:  matrix,
	}
	out.MostContestedScenarios = mergeContested(analyses, opts.MaxContested)

	// TODO: 跨 run 的 model agreement 需要按场景对齐后重算，目前沿用第一个来源
	if len(analyses) > 0 {
		out.ModelAgreement = analyses[0].ModelAgreement
	}
	return out
}

func modelIDs(analyses []analysis.AnalysisOutput) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, a := range analyses {
		for id := range a.PerModel {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// mergeModel 计数求和后重算 pooled winRate；各 run 自报 winRate 单独统计均值/sd/sem
func mergeModel(modelID string, sources []analysis.AnalysisOutput) (analysis.AggregatedModelStats, map[string]analysis.ValueAggregateStats) {
	stats := analysis.AggregatedModelStats{Values: map[string]analysis.AggregatedValueStats{}}
	counts := map[string]*analysis.ValueCounts{}
	rates := map[string][]float64{}

	for _, src := range sources {
		ms := src.PerModel[modelID]
		stats.SampleSize += ms.SampleSize
		for valueKey, vs := range ms.Values {
			c, ok := counts[valueKey]
			if !ok {
				c = &analysis.ValueCounts{}
				counts[valueKey] = c
			}
			c.Prioritized += vs.Count.Prioritized
			c.Deprioritized += vs.Count.Deprioritized
			c.Neutral += vs.Count.Neutral
			rates[valueKey] = append(rates[valueKey], vs.WinRate)
		}
	}

	valueStats := map[string]analysis.ValueAggregateStats{}
	var pooled []float64
	for valueKey, c := range counts {
		vs := analysis.AggregatedValueStats{
			Count:              *c,
			WinRate:            winRate(c.Prioritized, c.Deprioritized),
			ConfidenceInterval: analysis.EmptyInterval(),
		}
		rs := rates[valueKey]
		m, sd, se := mean(rs), popStdDev(rs), sem(rs)
		if c.Prioritized+c.Deprioritized > 0 {
			vs.ConfidenceInterval.Lower = clamp(m-z95*se, 0, 1)
			vs.ConfidenceInterval.Upper = clamp(m+z95*se, 0, 1)
			lo, hi := wilsonCI(c.Prioritized, c.Prioritized+c.Deprioritized, z95)
			vs.PooledInterval = &analysis.ConfidenceInterval{Lower: lo, Upper: hi, Level: 0.95, Method: "wilson_score"}
			pooled = append(pooled, vs.WinRate)
		}
		stats.Values[valueKey] = vs
		valueStats[valueKey] = analysis.ValueAggregateStats{
			WinRateMean:   m,
			WinRateStdDev: sd,
			WinRateSEM:    se,
			SampleSize:    len(rs),
		}
	}

	lo, hi := minMax(pooled)
	stats.Overall = analysis.OverallStats{
		Mean:   mean(pooled),
		StdDev: popStdDev(pooled),
		Min:    lo,
		Max:    hi,
	}
	return stats, valueStats
}

// decisionStats 每个 run 的直方图归一化为占比（缺失编码补 0），再对各 run 的占比求均值/sd/sem
func decisionStats(modelID string, sources []analysis.AnalysisOutput) map[string]analysis.OptionStats {
	fractions := map[string][]float64{}
	for _, src := range sources {
		if src.VisualizationData == nil {
			continue
		}
		hist, ok := src.VisualizationData.DecisionDistribution[modelID]
		if !ok {
			continue
		}
		total := 0.0
		for _, n := range hist {
			total += n
		}
		if total <= 0 {
			continue
		}
		for _, code := range analysis.DecisionCodes {
			fractions[code] = append(fractions[code], hist[code]/total)
		}
	}

	out := map[string]analysis.OptionStats{}
	for code, fs := range fractions {
		if len(fs) == 0 {
			continue
		}
		out[code] = analysis.OptionStats{
			Mean:   mean(fs),
			StdDev: popStdDev(fs),
			SEM:    sem(fs),
			N:      len(fs),
		}
	}
	return out
}

// scenarioDistribution 每个 (model, scenario) 只投一票：场景内决策均值四舍五入后落桶，
// 重复采样多的场景不会压过只采样一次的场景
func scenarioDistribution(transcripts []TranscriptRow) (map[string]map[string]int, map[string]map[string]float64) {
	byModel := map[string]map[string][]float64{}
	for _, t := range transcripts {
		if t.ScenarioID == nil || t.DecisionCode == nil {
			continue
		}
		code, ok := analysis.ParseDecisionCode(*t.DecisionCode)
		if !ok {
			continue
		}
		scenarios, ok := byModel[t.ModelID]
		if !ok {
			scenarios = map[string][]float64{}
			byModel[t.ModelID] = scenarios
		}
		scenarios[*t.ScenarioID] = append(scenarios[*t.ScenarioID], code)
	}

	dist := map[string]map[string]int{}
	matrix := map[string]map[string]float64{}
	for modelID, scenarios := range byModel {
		hist := map[string]int{}
		for _, code := range analysis.DecisionCodes {
			hist[code] = 0
		}
		row := map[string]float64{}
		for scenarioID, codes := range scenarios {
			m := mean(codes)
			row[scenarioID] = m
			bucket := int(clamp(math.Round(m), analysis.MinDecisionCode, analysis.MaxDecisionCode))
			hist[strconv.Itoa(bucket)]++
		}
		dist[modelID] = hist
		matrix[modelID] = row
	}
	return dist, matrix
}

// mergeContested 按 scenarioId 分组，对各次出现的 variance 取算术平均后降序取前 limit 个
func mergeContested(analyses []analysis.AnalysisOutput, limit int) []analysis.ContestedScenario {
	type group struct {
		first     analysis.ContestedScenario
		variances []float64
	}
	groups := map[string]*group{}
	var order []string
	for _, a := range analyses {
		for _, cs := range a.MostContestedScenarios {
			g, ok := groups[cs.ScenarioID]
			if !ok {
				g = &group{first: cs}
				groups[cs.ScenarioID] = g
				order = append(order, cs.ScenarioID)
			}
			g.variances = append(g.variances, cs.Variance)
		}
	}

	merged := make([]analysis.ContestedScenario, 0, len(order))
	for _, id := range order {
		g := groups[id]
		cs := g.first
		cs.Variance = mean(g.variances)
		merged = append(merged, cs)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Variance != merged[j].Variance {
			return merged[i].Variance > merged[j].Variance
		}
		return merged[i].ScenarioID < merged[j].ScenarioID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

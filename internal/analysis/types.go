// Package analysis 分析结果 JSON 的显式结构：上游 BASIC 分析的输入形状，
// 以及跨 run 合并后的 AGGREGATE 输出形状。
package analysis

import (
	"encoding/json"
)

// 决策编码 1~5
var DecisionCodes = []string{"1", "2", "3", "4", "5"}

const (
	MinDecisionCode = 1
	MaxDecisionCode = 5
)

// ---- 上游 BASIC 分析输出（只读） ----

type AnalysisOutput struct {
	PerModel               map[string]ModelStats `json:"perModel"`
	ModelAgreement         json.RawMessage       `json:"modelAgreement,omitempty"`
	VisualizationData      *VisualizationData    `json:"visualizationData,omitempty"`
	MostContestedScenarios []ContestedScenario   `json:"mostContestedScenarios,omitempty"`
}

type ModelStats struct {
	SampleSize int                   `json:"sampleSize"`
	Values     map[string]ValueStats `json:"values"`
	Overall    *OverallStats         `json:"overall,omitempty"`
}

type ValueStats struct {
	Count              ValueCounts         `json:"count"`
	WinRate            float64             `json:"winRate"`
	ConfidenceInterval *ConfidenceInterval `json:"confidenceInterval,omitempty"`
}

type ValueCounts struct {
	Prioritized   int `json:"prioritized"`
	Deprioritized int `json:"deprioritized"`
	Neutral       int `json:"neutral"`
}

type VisualizationData struct {
	// model -> 决策编码 -> 次数
	DecisionDistribution map[string]map[string]float64 `json:"decisionDistribution,omitempty"`
	ModelScenarioMatrix  map[string]map[string]float64 `json:"modelScenarioMatrix,omitempty"`
}

type ContestedScenario struct {
	ScenarioID   string          `json:"scenarioId"`
	ScenarioName string          `json:"scenarioName,omitempty"`
	Variance     float64         `json:"variance"`
	Dimensions   json.RawMessage `json:"dimensions,omitempty"`
}

type ConfidenceInterval struct {
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Level  float64 `json:"level"`
	Method string  `json:"method"`
}

// EmptyInterval 没有任何有效决策时的占位区间
func EmptyInterval() ConfidenceInterval {
	return ConfidenceInterval{Lower: 0, Upper: 0, Level: 0.95, Method: "aggregate"}
}

type OverallStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// ---- 合并输出 ----

type AggregatedOutput struct {
	PerModel               map[string]AggregatedModelStats           `json:"perModel"`
	ModelAgreement         json.RawMessage                           `json:"modelAgreement"`
	VisualizationData      AggregatedVisualization                   `json:"visualizationData"`
	MostContestedScenarios []ContestedScenario                       `json:"mostContestedScenarios"`
	DecisionStats          map[string]map[string]OptionStats         `json:"decisionStats"`
	ValueAggregateStats    map[string]map[string]ValueAggregateStats `json:"valueAggregateStats"`
	Warnings               []Warning                                 `json:"warnings"`
	MethodsUsed            MethodsUsed                               `json:"methodsUsed"`
}

type AggregatedModelStats struct {
	SampleSize int                             `json:"sampleSize"`
	Values     map[string]AggregatedValueStats `json:"values"`
	Overall    OverallStats                    `json:"overall"`
}

type AggregatedValueStats struct {
	Count              ValueCounts        `json:"count"`
	WinRate            float64            `json:"winRate"`
	ConfidenceInterval ConfidenceInterval `json:"confidenceInterval"`
	// 合并计数上的 Wilson 区间；没有有效决策时为空
	PooledInterval *ConfidenceInterval `json:"pooledConfidenceInterval,omitempty"`
}

type AggregatedVisualization struct {
	DecisionDistribution map[string]map[string]int     `json:"decisionDistribution"`
	ModelScenarioMatrix  map[string]map[string]float64 `json:"modelScenarioMatrix"`
}

// OptionStats 某个决策编码在各 run 间的占比统计
type OptionStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"sd"`
	SEM    float64 `json:"sem"`
	// 参与的 run 数
	N int `json:"n"`
}

// ValueAggregateStats 各 run 自报 winRate 的 run 间波动
type ValueAggregateStats struct {
	WinRateMean   float64 `json:"winRateMean"`
	WinRateStdDev float64 `json:"winRateSd"`
	WinRateSEM    float64 `json:"winRateSem"`
	SampleSize    int     `json:"sampleSize"`
}

type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ModelID string `json:"modelId,omitempty"`
}

type MethodsUsed struct {
	WinRateCI            string `json:"winRateCI"`
	DecisionDistribution string `json:"decisionDistribution"`
	DecisionStats        string `json:"decisionStats"`
	ModelAgreement       string `json:"modelAgreement"`
	CodeVersion          string `json:"codeVersion"`
}

// AggregatePayload 写入 Aggregate run 的完整输出
type AggregatePayload struct {
	AggregatedOutput
	RunCount     int      `json:"runCount"`
	SourceRunIDs []string `json:"sourceRunIds"`
}

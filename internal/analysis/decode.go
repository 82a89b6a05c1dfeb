package analysis

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var ErrInvalidPayload = errors.New("分析结果格式不合法")

// Decode 解析并校验上游 BASIC 分析输出
func Decode(raw string) (*AnalysisOutput, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, errors.Wrap(ErrInvalidPayload, "输出为空")
	}
	var out AnalysisOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "解析分析输出失败"), ErrInvalidPayload)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *AnalysisOutput) Validate() error {
	if o.PerModel == nil {
		return errors.Wrap(ErrInvalidPayload, "缺少 perModel")
	}
	for modelID, ms := range o.PerModel {
		if ms.SampleSize < 0 {
			return errors.Wrapf(ErrInvalidPayload, "model %s 的 sampleSize 为负", modelID)
		}
		for valueKey, vs := range ms.Values {
			c := vs.Count
			if c.Prioritized < 0 || c.Deprioritized < 0 || c.Neutral < 0 {
				return errors.Wrapf(ErrInvalidPayload, "model %s value %s 计数为负", modelID, valueKey)
			}
			if math.IsNaN(vs.WinRate) || vs.WinRate < 0 || vs.WinRate > 1 {
				return errors.Wrapf(ErrInvalidPayload, "model %s value %s 的 winRate 越界: %v", modelID, valueKey, vs.WinRate)
			}
		}
	}
	if o.VisualizationData != nil {
		for modelID, hist := range o.VisualizationData.DecisionDistribution {
			for code, n := range hist {
				if n < 0 || math.IsNaN(n) {
					return errors.Wrapf(ErrInvalidPayload, "model %s 决策 %s 的次数非法", modelID, code)
				}
			}
		}
	}
	for _, cs := range o.MostContestedScenarios {
		if cs.ScenarioID == "" {
			return errors.Wrap(ErrInvalidPayload, "mostContestedScenarios 缺少 scenarioId")
		}
		if math.IsNaN(cs.Variance) {
			return errors.Wrapf(ErrInvalidPayload, "scenario %s 的 variance 非法", cs.ScenarioID)
		}
	}
	return nil
}

// DecodeAggregate 解析 Aggregate run 的输出
func DecodeAggregate(raw string) (*AggregatePayload, error) {
	var out AggregatePayload
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "解析合并输出失败"), ErrInvalidPayload)
	}
	if out.PerModel == nil {
		return nil, errors.Wrap(ErrInvalidPayload, "缺少 perModel")
	}
	return &out, nil
}

// ParseDecisionCode 决策编码是整数序号，非整数（含 "2.6" 这类小数）返回 false
func ParseDecisionCode(code string) (float64, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return 0, false
	}
	return float64(v), true
}

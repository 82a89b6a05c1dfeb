package analysis

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidPayload(t *testing.T) {
	raw := `{
		"perModel": {"m1": {"sampleSize": 10, "values": {"v1": {"count": {"prioritized": 8, "deprioritized": 2, "neutral": 0}, "winRate": 0.8}}}},
		"modelAgreement": {"pairwise": {}},
		"visualizationData": {"decisionDistribution": {"m1": {"1": 2, "5": 8}}},
		"mostContestedScenarios": [{"scenarioId": "s1", "scenarioName": "S1", "variance": 1.5}],
		"warnings": []
	}`
	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 10, out.PerModel["m1"].SampleSize)
	assert.Equal(t, 8, out.PerModel["m1"].Values["v1"].Count.Prioritized)
	assert.Equal(t, 8.0, out.VisualizationData.DecisionDistribution["m1"]["5"])
	assert.Equal(t, "S1", out.MostContestedScenarios[0].ScenarioName)
	assert.JSONEq(t, `{"pairwise": {}}`, string(out.ModelAgreement))
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"null":             `null`,
		"not json":         `{"perModel":`,
		"array":            `[]`,
		"missing perModel": `{"visualizationData": {}}`,
		"negative count":   `{"perModel": {"m1": {"sampleSize": 1, "values": {"v": {"count": {"prioritized": -1}, "winRate": 0}}}}}`,
		"winRate > 1":      `{"perModel": {"m1": {"sampleSize": 1, "values": {"v": {"count": {}, "winRate": 1.2}}}}}`,
		"negative hist":    `{"perModel": {}, "visualizationData": {"decisionDistribution": {"m1": {"1": -3}}}}`,
		"no scenario id":   `{"perModel": {}, "mostContestedScenarios": [{"variance": 1}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPayload), "got %v", err)
		})
	}
}

func TestDecodeAggregate(t *testing.T) {
	payload := AggregatePayload{
		AggregatedOutput: AggregatedOutput{
			PerModel: map[string]AggregatedModelStats{"m1": {SampleSize: 3}},
		},
		RunCount:     2,
		SourceRunIDs: []string{"r1", "r2"},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Contains(t, flat, "perModel")
	assert.Equal(t, float64(2), flat["runCount"])

	back, err := DecodeAggregate(string(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, back.SourceRunIDs)
	assert.Equal(t, 3, back.PerModel["m1"].SampleSize)

	_, err = DecodeAggregate(`{"runCount": 1}`)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestParseDecisionCode(t *testing.T) {
	v, ok := ParseDecisionCode(" 3 ")
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	for _, bad := range []string{"", "abc", "NaN", "Inf", "3a", "2.6", "3.0"} {
		_, ok := ParseDecisionCode(bad)
		assert.False(t, ok, bad)
	}
}

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerIsNoop(t *testing.T) {
	require.NotNil(t, Logger)
	assert.NotPanics(t, func() {
		Logger.Infow("before initialize", "k", "v")
	})
}

func TestInitialize(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	require.NoError(t, Initialize("debug", true))
	assert.NotNil(t, Named("coordinator"))

	// 非法级别回退到 info
	require.NoError(t, Initialize("loud", false))
	assert.False(t, Logger.Desugar().Core().Enabled(-1))
}

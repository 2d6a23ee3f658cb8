package cost

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	estimator := NewEstimator()

	got := estimator.Estimate("gpt-4o", 1000, 2000)
	require.InDelta(t, 0.0025+2*0.01, got, 1e-9)

	got = estimator.Estimate("claude-3-5-sonnet", 2000, 1000)
	require.InDelta(t, 2*0.003+0.015, got, 1e-9)
}

func TestEstimateUnknownModelFallsBack(t *testing.T) {
	estimator := NewEstimatorWithRates(map[string]ModelRate{}, ModelRate{InputPer1K: 0.01, OutputPer1K: 0.02})
	got := estimator.Estimate("some-unknown-model", 1000, 1000)
	require.InDelta(t, 0.03, got, 1e-9)
}

func TestCountTokens(t *testing.T) {
	counter := NewTokenCounter()

	require.Equal(t, 0, counter.CountTokens(""))
	require.Equal(t, 1, counter.CountTokens("hello"))

	// four words at 1.35 tokens per word rounds to 5
	require.Equal(t, 5, counter.CountTokens("one two three four"))

	// objects are counted over their json encoding
	require.Greater(t, counter.CountTokens(map[string]any{"prompt": "summarize this text"}), 0)
}

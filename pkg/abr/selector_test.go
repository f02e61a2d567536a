package abr

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	est := &staticEstimator{estimate: NoEstimate}

	s, err := New(DefaultConfig(), est)
	require.NoError(t, err)
	assert.IsType(t, &RateBasedSelector{}, s)

	config := DefaultConfig()
	config.Strategy = StrategyBufferBased
	_, err = New(config, est)
	assert.ErrorIs(t, err, ErrInvalidConfig, "buffer-based needs a video duration")

	config.BufferBased.VideoDuration = time.Minute
	s, err = New(config, est)
	require.NoError(t, err)
	assert.IsType(t, &BufferBasedSelector{}, s)

	config.Strategy = Strategy(5)
	_, err = New(config, est)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"rate", StrategyRateBased},
		{"rate-based", StrategyRateBased},
		{"throughput", StrategyRateBased},
		{"buffer", StrategyBufferBased},
		{"buffer-based", StrategyBufferBased},
		{"bba", StrategyBufferBased},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, mustParse(t, got.String()))
		})
	}

	_, err := ParseStrategy("random")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func mustParse(t *testing.T, s string) Strategy {
	t.Helper()
	got, err := ParseStrategy(s)
	require.NoError(t, err)
	return got
}

func TestSelector_EnableDisableAreHarmless(t *testing.T) {
	config := DefaultConfig()
	config.BufferBased.VideoDuration = time.Minute

	for _, strategy := range []Strategy{StrategyRateBased, StrategyBufferBased} {
		config.Strategy = strategy
		s, err := New(config, &staticEstimator{estimate: 1_000_000})
		require.NoError(t, err)

		ev := NewEvaluation()
		s.Disable()
		s.Enable()
		s.Evaluate(nil, 0, testLadder(), ev)
		assert.NotNil(t, ev.Format, strategy.String())
	}
}

func TestWithLogger_LogsSwitches(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s, err := NewRateBasedSelector(DefaultRateBasedConfig(), &staticEstimator{estimate: 10_000_000}, WithLogger(logger))
	require.NoError(t, err)

	ev := NewEvaluation()
	s.Evaluate(nil, 0, testLadder(), ev)

	assert.Contains(t, buf.String(), "format switch")
	assert.Contains(t, buf.String(), "to_bps=5000000")
}

func TestWithLogger_NilKeepsDiscard(t *testing.T) {
	o := buildOptions([]Option{WithLogger(nil)})
	require.NotNil(t, o.logger)
	assert.False(t, o.logger.Enabled(t.Context(), slog.LevelError))
}

package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRateSelector(t *testing.T, config RateBasedConfig, estimate int64) (*RateBasedSelector, *staticEstimator) {
	t.Helper()
	est := &staticEstimator{estimate: estimate}
	s, err := NewRateBasedSelector(config, est)
	require.NoError(t, err)
	return s, est
}

func TestRateBased_DefaultConfig(t *testing.T) {
	config := DefaultRateBasedConfig()

	assert.Equal(t, int64(800_000), config.MaxInitialBitrate)
	assert.Equal(t, 10*time.Second, config.MinDurationForQualityIncrease)
	assert.Equal(t, 25*time.Second, config.MaxDurationForQualityDecrease)
	assert.Equal(t, 25*time.Second, config.MinDurationToRetainAfterDiscard)
	assert.Equal(t, 0.75, config.BandwidthFraction)
	assert.Equal(t, LockNone, config.Lock)
}

func TestRateBased_ZeroValuesGetDefaults(t *testing.T) {
	s, _ := newRateSelector(t, RateBasedConfig{}, NoEstimate)

	assert.Equal(t, int64(800_000), s.Config().MaxInitialBitrate)
	assert.Equal(t, 0.75, s.Config().BandwidthFraction)
	assert.Zero(t, s.Config().MinDurationForQualityIncrease, "zero thresholds are kept")
}

func TestRateBased_InvalidConfig(t *testing.T) {
	_, err := NewRateBasedSelector(DefaultRateBasedConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	config := DefaultRateBasedConfig()
	config.MaxDurationForQualityDecrease = -time.Second
	_, err = NewRateBasedSelector(config, &staticEstimator{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	config = DefaultRateBasedConfig()
	config.Lock = LockMode(42)
	_, err = NewRateBasedSelector(config, &staticEstimator{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRateBased_IdealFormat(t *testing.T) {
	tests := []struct {
		name     string
		estimate int64
		want     Format
	}{
		// 3000 kbps * 0.75 = 2250 kbps -> 1000 kbps fits
		{"fraction applied", 3_000_000, f480},
		{"exact fit", 3_333_334, f720},
		{"everything fits", 100_000_000, f1080},
		{"nothing fits falls back to lowest", 100_000, f360},
		// 800 kbps initial bitrate -> 500 kbps
		{"no estimate uses initial bitrate", NoEstimate, f360},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newRateSelector(t, DefaultRateBasedConfig(), tt.estimate)
			ideal := s.idealFormat(testLadder(), tt.estimate)
			assert.True(t, ideal.SameAs(tt.want), "got %d bps, want %d bps", ideal.Bitrate, tt.want.Bitrate)
		})
	}
}

func TestRateBased_FractionAboveOne(t *testing.T) {
	config := DefaultRateBasedConfig()
	config.BandwidthFraction = 1.2
	s, _ := newRateSelector(t, config, 2_100_000)
	assert.Equal(t, 1.2, s.Config().BandwidthFraction)

	// 2100 kbps * 1.2 = 2520 kbps -> 2500 kbps fits
	assert.True(t, s.idealFormat(testLadder(), 2_100_000).SameAs(f720))
	// 2000 kbps * 1.2 = 2400 kbps -> 1000 kbps
	assert.True(t, s.idealFormat(testLadder(), 2_000_000).SameAs(f480))
}

func TestRateBased_IdealFormatIsHighestFitting(t *testing.T) {
	formats := testLadder()
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 0)

	for effective := int64(0); effective <= 6_000_000; effective += 50_000 {
		ideal := idealForBitrate(formats, effective)

		var want *Format
		for i := range formats {
			if formats[i].Bitrate <= effective {
				want = &formats[i]
				break
			}
		}
		if want == nil {
			want = &formats[len(formats)-1]
		}
		require.True(t, ideal.SameAs(*want), "effective=%d", effective)
	}

	// MaxInitialBitrate above the top rung selects the top rung.
	s.config.MaxInitialBitrate = 10_000_000
	assert.True(t, s.idealFormat(formats, NoEstimate).SameAs(f1080))
}

func TestRateBased_FirstEvaluation(t *testing.T) {
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 100_000_000)
	ev := NewEvaluation()

	// No hysteresis without a current format, even with an empty buffer.
	s.Evaluate(nil, 0, testLadder(), ev)

	require.NotNil(t, ev.Format)
	assert.True(t, ev.Format.SameAs(f1080))
	assert.Equal(t, TriggerInitial, ev.Trigger, "first selection keeps the initial trigger")
	assert.Equal(t, NoTruncation, ev.QueueSize)
}

func TestRateBased_UpgradeDeferredOnLowBuffer(t *testing.T) {
	// ideal = 2500 kbps, current = 1000 kbps, 5s buffered < 10s
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 3_400_000)
	ev := NewEvaluation()
	ev.Format = formatPtr(f480)

	s.Evaluate(bufferedQueue(0, 5*time.Second, f480), 0, testLadder(), ev)

	assert.True(t, ev.Format.SameAs(f480), "upgrade should be deferred")
	assert.Equal(t, TriggerInitial, ev.Trigger, "trigger unchanged")
}

func TestRateBased_UpgradeWithEnoughBuffer(t *testing.T) {
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 3_400_000)
	ev := NewEvaluation()
	ev.Format = formatPtr(f480)

	s.Evaluate(bufferedQueue(0, 12*time.Second, f480), 0, testLadder(), ev)

	assert.True(t, ev.Format.SameAs(f720))
	assert.Equal(t, TriggerAdaptive, ev.Trigger)
	assert.Equal(t, NoTruncation, ev.QueueSize, "12s buffered is below the discard threshold")
}

func TestRateBased_ZeroIncreaseThresholdAllowsUpgradeFromEmptyQueue(t *testing.T) {
	config := DefaultRateBasedConfig()
	config.MinDurationForQualityIncrease = 0
	s, _ := newRateSelector(t, config, 3_400_000)
	ev := NewEvaluation()
	ev.Format = formatPtr(f480)

	s.Evaluate(nil, 0, testLadder(), ev)

	assert.True(t, ev.Format.SameAs(f720))
}

func TestRateBased_DowngradeDeferredOnHealthyBuffer(t *testing.T) {
	// ideal = 1000 kbps, current = 2500 kbps, 26s buffered >= 25s
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 1_400_000)
	ev := NewEvaluation()
	ev.Format = formatPtr(f720)

	s.Evaluate(bufferedQueue(0, 26*time.Second, f720), 0, testLadder(), ev)

	assert.True(t, ev.Format.SameAs(f720), "downgrade should be deferred")
	assert.Equal(t, TriggerInitial, ev.Trigger)
}

func TestRateBased_DowngradeOnThinBuffer(t *testing.T) {
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 1_400_000)
	ev := NewEvaluation()
	ev.Format = formatPtr(f720)

	s.Evaluate(bufferedQueue(0, 24*time.Second, f720), 0, testLadder(), ev)

	assert.True(t, ev.Format.SameAs(f480))
	assert.Equal(t, TriggerAdaptive, ev.Trigger)
}

func TestRateBased_DiscardRequest(t *testing.T) {
	// 7000 kbps * 0.75 = 5250 kbps -> ideal is 1080p
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 7_000_000)
	obs := &recordingObserver{}
	s.opts.observer = obs

	ev := NewEvaluation()
	ev.Format = formatPtr(f480)

	// Seven 5s chunks of 480p: 35s buffered. Chunk 5 starts 25s ahead.
	queue := queueOf(0, 7, 5*time.Second, f480)
	s.Evaluate(queue, 0, testLadder(), ev)

	assert.True(t, ev.Format.SameAs(f1080))
	assert.Equal(t, 5, ev.QueueSize)
	assert.Equal(t, []int{5}, obs.discards)

	n, ok := ev.TakeQueueSize()
	assert.True(t, ok)
	assert.Equal(t, 5, n)
	assert.Equal(t, NoTruncation, ev.QueueSize, "TakeQueueSize clears the request")
}

func TestRateBased_DiscardRespectsPlaybackPosition(t *testing.T) {
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 7_000_000)
	ev := NewEvaluation()
	ev.Format = formatPtr(f480)

	// Playing at 3s: chunk 5 starts 22s ahead, chunk 6 starts 27s ahead.
	queue := queueOf(0, 8, 5*time.Second, f480)
	s.Evaluate(queue, 3*time.Second, testLadder(), ev)

	assert.Equal(t, 6, ev.QueueSize)
}

func TestRateBased_NoDiscardOfHDChunks(t *testing.T) {
	tests := []struct {
		name  string
		chunk Format
	}{
		{"720p chunk is HD", f720},
		{"wide SD chunk", Format{Bitrate: 1_000_000, Width: 1280, Height: 540}},
		{"same height as target", Format{Bitrate: 1_000_000, Width: 854, Height: 1080}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newRateSelector(t, DefaultRateBasedConfig(), 7_000_000)
			ev := NewEvaluation()
			ev.Format = formatPtr(tt.chunk)

			queue := queueOf(0, 7, 5*time.Second, tt.chunk)
			s.Evaluate(queue, 0, testLadder(), ev)

			assert.Equal(t, NoTruncation, ev.QueueSize)
		})
	}
}

func TestRateBased_DiscardNeverTargetsFirstChunk(t *testing.T) {
	config := DefaultRateBasedConfig()
	config.MinDurationToRetainAfterDiscard = 10 * time.Second
	s, _ := newRateSelector(t, config, 7_000_000)
	ev := NewEvaluation()
	ev.Format = formatPtr(f480)

	// Chunk 0 starts 12s ahead of the playback position but is never
	// considered; chunk 1 is.
	queue := queueOf(12*time.Second, 3, 5*time.Second, f480)
	s.Evaluate(queue, 0, testLadder(), ev)

	assert.Equal(t, 1, ev.QueueSize)
}

func TestRateBased_TriggerIsSticky(t *testing.T) {
	s, est := newRateSelector(t, DefaultRateBasedConfig(), 3_400_000)
	ev := NewEvaluation()
	formats := testLadder()
	queue := bufferedQueue(0, 15*time.Second, f480)

	s.Evaluate(queue, 0, formats, ev)
	assert.Equal(t, TriggerInitial, ev.Trigger)

	// Same estimate, same result: the trigger never toggles.
	for i := 0; i < 3; i++ {
		s.Evaluate(queue, 0, formats, ev)
		assert.Equal(t, TriggerInitial, ev.Trigger, "call %d", i)
	}

	// A real switch flips it to adaptive.
	est.estimate = 10_000_000
	s.Evaluate(queue, 0, formats, ev)
	assert.True(t, ev.Format.SameAs(f1080))
	assert.Equal(t, TriggerAdaptive, ev.Trigger)

	// And it stays adaptive while the format holds.
	s.Evaluate(queue, 0, formats, ev)
	assert.Equal(t, TriggerAdaptive, ev.Trigger)
}

func TestRateBased_LockHighest(t *testing.T) {
	config := DefaultRateBasedConfig()
	config.Lock = LockHighest
	s, _ := newRateSelector(t, config, 100_000)
	ev := NewEvaluation()

	s.Evaluate(nil, 0, testLadder(), ev)
	assert.True(t, ev.Format.SameAs(f1080))

	s.Evaluate(bufferedQueue(0, time.Second, f1080), 0, testLadder(), ev)
	assert.True(t, ev.Format.SameAs(f1080))
	assert.Equal(t, TriggerInitial, ev.Trigger, "format never changed")
}

func TestRateBased_LockHighestOnReach(t *testing.T) {
	config := DefaultRateBasedConfig()
	config.Lock = LockHighestOnReach
	s, est := newRateSelector(t, config, 3_400_000)
	ev := NewEvaluation()
	formats := testLadder()

	// Adapts normally below the top rung.
	s.Evaluate(nil, 0, formats, ev)
	assert.True(t, ev.Format.SameAs(f720))

	// Reaches the top rung.
	est.estimate = 10_000_000
	s.Evaluate(bufferedQueue(0, 12*time.Second, f720), 0, formats, ev)
	assert.True(t, ev.Format.SameAs(f1080))
	assert.Equal(t, TriggerAdaptive, ev.Trigger)

	// Bandwidth collapses with a thin buffer, but the selection stays pinned.
	est.estimate = 100_000
	s.Evaluate(bufferedQueue(0, 2*time.Second, f1080), 0, formats, ev)
	assert.True(t, ev.Format.SameAs(f1080))
}

func TestRateBased_SingleFormatLadder(t *testing.T) {
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 100)
	ev := NewEvaluation()
	formats := []Format{f480}

	s.Evaluate(nil, 0, formats, ev)
	require.NotNil(t, ev.Format)
	assert.True(t, ev.Format.SameAs(f480))

	s.Evaluate(queueOf(0, 10, 4*time.Second, f480), 0, formats, ev)
	assert.True(t, ev.Format.SameAs(f480))
	assert.Equal(t, TriggerInitial, ev.Trigger)
}

func TestRateBased_EmptyLadderIsNoop(t *testing.T) {
	s, _ := newRateSelector(t, DefaultRateBasedConfig(), 100)
	ev := NewEvaluation()

	assert.NotPanics(t, func() {
		s.Evaluate(nil, 0, nil, ev)
	})
	assert.Nil(t, ev.Format)
}

func TestRateBased_ObserverSeesSwitches(t *testing.T) {
	est := &staticEstimator{estimate: 3_400_000}
	obs := &recordingObserver{}
	s, err := NewRateBasedSelector(DefaultRateBasedConfig(), est, WithObserver(obs))
	require.NoError(t, err)

	ev := NewEvaluation()
	formats := testLadder()
	queue := bufferedQueue(0, 15*time.Second, f720)

	s.Evaluate(queue, 0, formats, ev)
	s.Evaluate(queue, 0, formats, ev)
	est.estimate = 1_000_000
	s.Evaluate(queue, 0, formats, ev)

	require.Len(t, obs.switches, 2, "initial selection and one downgrade")
	assert.True(t, obs.switches[0].SameAs(f720))
	assert.True(t, obs.switches[1].SameAs(f360))
}

func TestParseLockMode(t *testing.T) {
	for _, m := range []LockMode{LockNone, LockHighestOnReach, LockHighest} {
		got, err := ParseLockMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseLockMode("sideways")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

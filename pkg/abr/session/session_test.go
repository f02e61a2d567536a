package session

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/abr/pkg/abr"
)

var (
	hi  = abr.Format{Bitrate: 3_000_000, Width: 1920, Height: 1080}
	mid = abr.Format{Bitrate: 1_500_000, Width: 1280, Height: 720}
	lo  = abr.Format{Bitrate: 500_000, Width: 640, Height: 360}
)

func ladder() []abr.Format {
	return []abr.Format{hi, mid, lo}
}

func TestNew(t *testing.T) {
	s := New(abr.StrategyBufferBased, ladder())

	_, err := uuid.Parse(s.ID())
	require.NoError(t, err)
	assert.Equal(t, abr.StrategyBufferBased, s.Strategy())
	assert.Equal(t, ladder(), s.Formats())
	assert.NotEqual(t, s.ID(), New(abr.StrategyRateBased, nil).ID())
	assert.Equal(t, Score{}, s.Score())
}

func TestScore_Switching(t *testing.T) {
	s := New(abr.StrategyRateBased, ladder())

	// lo lo mid hi lo -> three switches of 1 + 1 + 2 rungs
	for i, f := range []abr.Format{lo, lo, mid, hi, lo} {
		s.RecordSegment(i, f, abr.TriggerAdaptive, time.Duration(i)*time.Second)
	}

	score := s.Score()
	assert.Equal(t, 5, score.Segments)
	assert.Equal(t, 3, score.Switches)
	assert.Equal(t, 4, score.SwitchMagnitude)
}

func TestScore_OffLadderSwitchCountsOneRung(t *testing.T) {
	s := New(abr.StrategyRateBased, ladder())

	s.RecordSegment(0, lo, abr.TriggerInitial, 0)
	s.RecordSegment(1, abr.Format{Bitrate: 42}, abr.TriggerAdaptive, time.Second)

	assert.Equal(t, 1, s.Score().SwitchMagnitude)
}

func TestScore_BitrateStatistics(t *testing.T) {
	tests := []struct {
		name     string
		formats  []abr.Format
		avg      float64
		variance float64
	}{
		{"single segment has no variance", []abr.Format{mid}, 1500, 0},
		{"constant", []abr.Format{lo, lo, lo}, 500, 0},
		// mean 1000, deviations ±500, sample variance 2*250000/1
		{"two values", []abr.Format{lo, mid}, 1000, 500_000},
		// mean 1666.67, sample variance over n-1 = 2
		{"three values", []abr.Format{lo, mid, hi}, 5000.0 / 3, 1_583_333.333},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(abr.StrategyRateBased, ladder())
			for i, f := range tt.formats {
				s.RecordSegment(i, f, abr.TriggerAdaptive, 0)
			}

			score := s.Score()
			assert.InDelta(t, tt.avg, score.AvgBitrateKbps, 1e-6)
			assert.InDelta(t, tt.variance, score.BitrateVariance, 1e-2)
		})
	}
}

func TestScore_StartupAndRebuffers(t *testing.T) {
	s := New(abr.StrategyRateBased, ladder())

	s.BeginStall(0)
	assert.True(t, s.Stalled())
	s.EndStall(1200 * time.Millisecond)

	s.BeginStall(10 * time.Second)
	s.BeginStall(11 * time.Second) // ignored, already stalled
	s.EndStall(12 * time.Second)
	s.EndStall(13 * time.Second) // ignored, not stalled

	s.RecordStall(20*time.Second, 20500*time.Millisecond)

	score := s.Score()
	assert.Equal(t, 1200*time.Millisecond, score.StartupDelay)
	assert.Equal(t, 2, score.Rebuffers)
	assert.Equal(t, 2500*time.Millisecond, score.RebufferDuration)
	assert.Len(t, s.Stalls(), 2)
}

func TestScore_OpenRebufferCounts(t *testing.T) {
	s := New(abr.StrategyRateBased, ladder())

	s.RecordStall(0, time.Second)
	s.BeginStall(5 * time.Second)

	score := s.Score()
	assert.Equal(t, time.Second, score.StartupDelay)
	assert.Equal(t, 1, score.Rebuffers)
	assert.Zero(t, score.RebufferDuration)
}

func TestScore_OpenStartupIsNotARebuffer(t *testing.T) {
	s := New(abr.StrategyRateBased, ladder())

	s.BeginStall(0)

	score := s.Score()
	assert.Zero(t, score.Rebuffers)
	assert.Zero(t, score.StartupDelay)
}

func TestRecordLoadDuration(t *testing.T) {
	s := New(abr.StrategyRateBased, ladder())
	s.RecordSegment(3, lo, abr.TriggerInitial, 0)
	s.RecordSegment(3, hi, abr.TriggerAdaptive, time.Second) // re-request after discard

	assert.True(t, s.RecordLoadDuration(3, 700*time.Millisecond))
	assert.False(t, s.RecordLoadDuration(9, time.Second))

	segments := s.Segments()
	require.Len(t, segments, 2)
	assert.Zero(t, segments[0].LoadDuration)
	assert.Equal(t, 700*time.Millisecond, segments[1].LoadDuration)
}

func TestRecordTransfer(t *testing.T) {
	s := New(abr.StrategyRateBased, ladder())
	s.RecordTransfer(time.Second, 1000, 10*time.Millisecond)
	s.RecordTransfer(2*time.Second, 2500, 10*time.Millisecond)

	assert.Equal(t, int64(3500), s.Score().Bytes)
}

func TestSession_ConcurrentUse(t *testing.T) {
	s := New(abr.StrategyRateBased, ladder())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordSegment(i*100+j, lo, abr.TriggerInitial, 0)
				s.RecordTransfer(0, 1, time.Millisecond)
				_ = s.Score()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 800, s.Score().Segments)
}

package abr

import (
	"fmt"
	"log/slog"
	"time"
)

// Chunks at or above this resolution are never discarded to switch up.
const (
	hdHeight = 720
	hdWidth  = 1280
)

// LockMode pins a rate-based selector to the top rung of the ladder.
type LockMode int

const (
	// LockNone adapts for the whole session.
	LockNone LockMode = iota
	// LockHighestOnReach adapts until the selection reaches the height of the
	// top rung, then stays on the top rung for the rest of the session.
	LockHighestOnReach
	// LockHighest always selects the top rung.
	LockHighest
)

// String returns a string representation of the LockMode.
func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockHighestOnReach:
		return "on-reach"
	case LockHighest:
		return "always"
	default:
		return "unknown"
	}
}

// ParseLockMode parses the String form of a LockMode.
func ParseLockMode(s string) (LockMode, error) {
	switch s {
	case "", "none":
		return LockNone, nil
	case "on-reach":
		return LockHighestOnReach, nil
	case "always":
		return LockHighest, nil
	default:
		return 0, fmt.Errorf("%w: unknown lock mode %q", ErrInvalidConfig, s)
	}
}

// RateBasedConfig configures the rate-based selector.
type RateBasedConfig struct {
	// MaxInitialBitrate is the bitrate assumed while the estimator has no
	// estimate, in bits per second.
	// Default: 800,000
	MaxInitialBitrate int64

	// MinDurationForQualityIncrease is the buffered duration required before
	// switching to a higher bitrate.
	// Default: 10s
	MinDurationForQualityIncrease time.Duration

	// MaxDurationForQualityDecrease is the buffered duration at or above which
	// switching to a lower bitrate is deferred.
	// Default: 25s
	MaxDurationForQualityDecrease time.Duration

	// MinDurationToRetainAfterDiscard is the buffered lead that must be kept
	// when discarding lower-quality chunks to switch up faster.
	// Default: 25s
	MinDurationToRetainAfterDiscard time.Duration

	// BandwidthFraction is the share of the estimate considered usable.
	// Default: 0.75
	BandwidthFraction float64

	// Lock optionally pins the selection to the top rung.
	// Default: LockNone
	Lock LockMode
}

// DefaultRateBasedConfig returns the default rate-based configuration.
func DefaultRateBasedConfig() RateBasedConfig {
	return RateBasedConfig{
		MaxInitialBitrate:               800_000,
		MinDurationForQualityIncrease:   10 * time.Second,
		MaxDurationForQualityDecrease:   25 * time.Second,
		MinDurationToRetainAfterDiscard: 25 * time.Second,
		BandwidthFraction:               0.75,
		Lock:                            LockNone,
	}
}

// RateBasedSelector picks the highest format that fits the estimated
// throughput, damped by buffer health.
//
// Hysteresis is asymmetric:
//   - Up: deferred while the buffer is below MinDurationForQualityIncrease.
//     With at least MinDurationToRetainAfterDiscard buffered, buffered SD
//     chunks of lower quality may be discarded to reach the new format sooner.
//   - Down: deferred while the buffer is at or above MaxDurationForQualityDecrease.
type RateBasedSelector struct {
	config    RateBasedConfig
	estimator BandwidthEstimator
	opts      options

	// locked is set once LockHighestOnReach has reached the top rung.
	locked bool
}

// NewRateBasedSelector creates a rate-based selector.
// MaxInitialBitrate and BandwidthFraction fall back to their defaults when
// not positive; the duration thresholds are used as given and may be zero.
func NewRateBasedSelector(config RateBasedConfig, estimator BandwidthEstimator, opts ...Option) (*RateBasedSelector, error) {
	if estimator == nil {
		return nil, fmt.Errorf("%w: bandwidth estimator is required", ErrInvalidConfig)
	}
	if config.MinDurationForQualityIncrease < 0 ||
		config.MaxDurationForQualityDecrease < 0 ||
		config.MinDurationToRetainAfterDiscard < 0 {
		return nil, fmt.Errorf("%w: negative duration threshold", ErrInvalidConfig)
	}
	if config.MaxInitialBitrate <= 0 {
		config.MaxInitialBitrate = 800_000
	}
	if config.BandwidthFraction <= 0 {
		config.BandwidthFraction = 0.75
	}
	if config.Lock < LockNone || config.Lock > LockHighest {
		return nil, fmt.Errorf("%w: unknown lock mode %d", ErrInvalidConfig, config.Lock)
	}

	return &RateBasedSelector{
		config:    config,
		estimator: estimator,
		opts:      buildOptions(opts),
	}, nil
}

// Config returns the effective configuration.
func (s *RateBasedSelector) Config() RateBasedConfig {
	return s.config
}

// Enable does nothing.
func (s *RateBasedSelector) Enable() {}

// Disable does nothing.
func (s *RateBasedSelector) Disable() {}

// Evaluate updates ev with the format for the next chunk.
func (s *RateBasedSelector) Evaluate(queue []Chunk, playbackPosition time.Duration, formats []Format, ev *Evaluation) {
	if len(formats) == 0 {
		return
	}

	buffered := bufferedDuration(queue, playbackPosition)
	current := ev.Format
	ideal := s.idealFormat(formats, s.estimator.GetEstimate())

	if current != nil {
		switch {
		case ideal.Bitrate > current.Bitrate:
			if buffered < s.config.MinDurationForQualityIncrease {
				// Not enough cushion to switch up yet.
				ideal = current
			} else if buffered >= s.config.MinDurationToRetainAfterDiscard {
				s.requestDiscard(queue, playbackPosition, ideal, ev)
			}
		case ideal.Bitrate < current.Bitrate:
			if buffered >= s.config.MaxDurationForQualityDecrease {
				// Enough buffered to ride out the dip.
				ideal = current
			}
		}
	}

	selected := s.applyLock(formats, ideal)

	if current != nil && !sameFormat(selected, current) {
		ev.Trigger = TriggerAdaptive
	}
	s.opts.notifySwitch(StrategyRateBased, current, selected, buffered)
	ev.Format = selected
}

// idealFormat computes the ideal format ignoring buffer health.
func (s *RateBasedSelector) idealFormat(formats []Format, estimate int64) *Format {
	effective := s.config.MaxInitialBitrate
	if estimate != NoEstimate {
		effective = int64(float64(estimate) * s.config.BandwidthFraction)
	}
	return idealForBitrate(formats, effective)
}

// requestDiscard asks the scheduler to drop buffered chunks starting at the
// first one that is far enough ahead and is lower quality SD content.
func (s *RateBasedSelector) requestDiscard(queue []Chunk, playbackPosition time.Duration, ideal *Format, ev *Evaluation) {
	for i := 1; i < len(queue); i++ {
		chunk := queue[i]
		if chunk.Start-playbackPosition >= s.config.MinDurationToRetainAfterDiscard &&
			chunk.Format.Bitrate < ideal.Bitrate &&
			chunk.Format.Height < ideal.Height &&
			chunk.Format.Height < hdHeight &&
			chunk.Format.Width < hdWidth {
			ev.QueueSize = i
			s.opts.logger.Debug("discard requested",
				slog.Int("queue_size", i),
				slog.Int("queue_len", len(queue)),
				slog.Int64("target_bps", ideal.Bitrate))
			if s.opts.observer != nil {
				s.opts.observer.OnDiscard(StrategyRateBased, i)
			}
			return
		}
	}
}

// applyLock applies the configured LockMode to the adapted selection.
func (s *RateBasedSelector) applyLock(formats []Format, adapted *Format) *Format {
	switch s.config.Lock {
	case LockHighest:
		return &formats[0]
	case LockHighestOnReach:
		if !s.locked && adapted.Height == formats[0].Height {
			s.locked = true
			s.opts.logger.Debug("locked to highest format", slog.Int64("bps", formats[0].Bitrate))
		}
		if s.locked {
			return &formats[0]
		}
	}
	return adapted
}

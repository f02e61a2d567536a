package abr

import (
	"fmt"
	"log/slog"
	"time"
)

// endOfStreamMargin is how close the buffered end may get to the end of the
// stream before the selection is held.
const endOfStreamMargin = 500 * time.Millisecond

// Phase is the buffer-based selector state.
type Phase int

const (
	// PhaseStartup ramps up one rung at a time from throughput headroom.
	PhaseStartup Phase = iota
	// PhaseSteady maps buffer occupancy directly to a rung.
	PhaseSteady
)

// String returns a string representation of the Phase.
func (p Phase) String() string {
	switch p {
	case PhaseStartup:
		return "Startup"
	case PhaseSteady:
		return "Steady"
	default:
		return "Unknown"
	}
}

// BufferBasedState is the cross-call state of a buffer-based selector.
//
// The phase starts at PhaseStartup and moves to PhaseSteady at most once:
//
//	Observation                               | Startup | Steady
//	------------------------------------------+---------+--------
//	buffer shrank since the previous call     | Steady  | (stay)
//	occupancy bitrate > capacity bitrate      | Steady  | (stay)
//	otherwise                                 | (stay)  | (stay)
type BufferBasedState struct {
	phase        Phase
	prevBuffered time.Duration
	hasPrev      bool
}

// NewBufferBasedState returns the state for a new session.
func NewBufferBasedState() *BufferBasedState {
	return &BufferBasedState{phase: PhaseStartup}
}

// Phase returns the current phase.
func (st *BufferBasedState) Phase() Phase {
	return st.phase
}

// PrevBuffered returns the buffered duration recorded by the previous
// observation, and false before the first one.
func (st *BufferBasedState) PrevBuffered() (time.Duration, bool) {
	return st.prevBuffered, st.hasPrev
}

// Observe records one evaluation's buffered duration and the bitrates of the
// occupancy-based and capacity-based ideals, applying the phase transition.
// It reports whether the phase changed.
func (st *BufferBasedState) Observe(buffered time.Duration, occupancyBitrate, capacityBitrate int64) bool {
	changed := false
	if st.phase == PhaseStartup {
		if (st.hasPrev && st.prevBuffered > buffered) || occupancyBitrate > capacityBitrate {
			st.phase = PhaseSteady
			changed = true
		}
	}
	st.prevBuffered = buffered
	st.hasPrev = true
	return changed
}

// BufferBasedConfig configures the buffer-based selector.
type BufferBasedConfig struct {
	// BufferTarget is the buffer level considered full.
	// Default: 30s
	BufferTarget time.Duration

	// Reservoir is the buffer level below which the lowest rung is forced.
	// Default: 10s
	Reservoir time.Duration

	// VideoDuration is the total media duration. Required.
	VideoDuration time.Duration
}

// DefaultBufferBasedConfig returns the default buffer-based configuration.
// VideoDuration is left unset.
func DefaultBufferBasedConfig() BufferBasedConfig {
	return BufferBasedConfig{
		BufferTarget: 30 * time.Second,
		Reservoir:    10 * time.Second,
	}
}

// BufferBasedSelector implements buffer-based adaptation (BBA).
//
// During startup it steps up one rung at a time when the estimate exceeds the
// current bitrate by a coefficient that shrinks as the buffer fills (8, 4,
// then 2). Once the buffer starts draining, or occupancy alone would justify
// a higher rung than throughput, it switches to steady state and maps buffer
// occupancy linearly onto the ladder between Reservoir and 90% of
// BufferTarget.
type BufferBasedSelector struct {
	config    BufferBasedConfig
	estimator BandwidthEstimator
	opts      options
	state     *BufferBasedState

	// upper is 90% of BufferTarget.
	upper time.Duration
}

// NewBufferBasedSelector creates a buffer-based selector.
// BufferTarget and Reservoir fall back to their defaults when zero.
func NewBufferBasedSelector(config BufferBasedConfig, estimator BandwidthEstimator, opts ...Option) (*BufferBasedSelector, error) {
	if estimator == nil {
		return nil, fmt.Errorf("%w: bandwidth estimator is required", ErrInvalidConfig)
	}
	if config.VideoDuration <= 0 {
		return nil, fmt.Errorf("%w: video duration is required", ErrInvalidConfig)
	}
	if config.BufferTarget == 0 {
		config.BufferTarget = 30 * time.Second
	}
	if config.Reservoir == 0 {
		config.Reservoir = 10 * time.Second
	}
	if config.Reservoir < 0 || config.BufferTarget <= config.Reservoir {
		return nil, fmt.Errorf("%w: reservoir %v must be within (0, buffer target %v)",
			ErrInvalidConfig, config.Reservoir, config.BufferTarget)
	}

	return &BufferBasedSelector{
		config:    config,
		estimator: estimator,
		opts:      buildOptions(opts),
		state:     NewBufferBasedState(),
		upper:     time.Duration(0.9 * float64(config.BufferTarget)),
	}, nil
}

// Config returns the effective configuration.
func (s *BufferBasedSelector) Config() BufferBasedConfig {
	return s.config
}

// State returns a snapshot of the selector's session state. Only Evaluate
// advances the selector's own state.
func (s *BufferBasedSelector) State() BufferBasedState {
	return *s.state
}

// Phase returns the current phase.
func (s *BufferBasedSelector) Phase() Phase {
	return s.state.Phase()
}

// Enable does nothing.
func (s *BufferBasedSelector) Enable() {}

// Disable does nothing.
func (s *BufferBasedSelector) Disable() {}

// Evaluate updates ev.Format with the format for the next chunk. Trigger and
// QueueSize are left untouched.
func (s *BufferBasedSelector) Evaluate(queue []Chunk, playbackPosition time.Duration, formats []Format, ev *Evaluation) {
	if len(formats) == 0 {
		return
	}

	buffered := bufferedDuration(queue, playbackPosition)
	bufferedEnd := bufferedEndTime(queue)
	current := ev.Format
	estimate := s.estimator.GetEstimate()

	if s.state.Phase() == PhaseStartup {
		occupancy := s.occupancyIdeal(formats, buffered)
		capacity := s.capacityIdeal(formats, current, buffered, estimate)
		if s.state.Observe(buffered, occupancy.Bitrate, capacity.Bitrate) {
			s.opts.logger.Debug("buffer phase change",
				slog.String("phase", s.state.Phase().String()),
				slog.Duration("buffered", buffered))
			if s.opts.observer != nil {
				s.opts.observer.OnPhaseChange(s.state.Phase())
			}
		}
	} else {
		s.state.Observe(buffered, 0, 0)
	}

	var ideal *Format
	switch {
	case s.config.VideoDuration-bufferedEnd < endOfStreamMargin:
		// Draining near the end of the stream is not a throughput signal.
		ideal = current
	case s.state.Phase() == PhaseStartup:
		ideal = s.capacityIdeal(formats, current, buffered, estimate)
	default:
		ideal = s.occupancyIdeal(formats, buffered)
	}

	s.opts.notifySwitch(StrategyBufferBased, current, ideal, buffered)
	ev.Format = ideal
}

// capacityIdeal steps up one rung when the estimate exceeds the current
// bitrate by the startup coefficient, and holds otherwise.
func (s *BufferBasedSelector) capacityIdeal(formats []Format, current *Format, buffered time.Duration, estimate int64) *Format {
	if current == nil {
		return &formats[len(formats)-1]
	}
	if estimate > s.startupCoefficient(buffered)*current.Bitrate {
		return stepUp(formats, current)
	}
	return current
}

// occupancyIdeal maps the buffered duration to a ladder rung.
func (s *BufferBasedSelector) occupancyIdeal(formats []Format, buffered time.Duration) *Format {
	return &formats[s.occupancyIndex(len(formats), buffered)]
}

// occupancyIndex is the piecewise-linear map from buffer occupancy to ladder
// index, index 0 being the highest bitrate. Between the reservoir and the
// upper threshold it steps one rung per (target-reservoir)/(n-1) whole
// milliseconds, rounding towards the lower bitrate.
func (s *BufferBasedSelector) occupancyIndex(n int, buffered time.Duration) int {
	if n <= 1 {
		return 0
	}
	if buffered < s.config.Reservoir {
		return n - 1
	}
	if buffered > s.upper {
		return 0
	}

	stepMs := (s.config.BufferTarget.Milliseconds() - s.config.Reservoir.Milliseconds()) / int64(n-1)
	if stepMs <= 0 {
		return 0
	}
	step := time.Duration(stepMs) * time.Millisecond
	idx := n - 2 - int((buffered-s.config.Reservoir)/step)
	return max(0, min(idx, n-1))
}

// startupCoefficient is the throughput headroom required to step up during
// startup.
func (s *BufferBasedSelector) startupCoefficient(buffered time.Duration) int64 {
	switch {
	case buffered > s.upper:
		return 2
	case buffered > s.config.Reservoir:
		return 4
	default:
		return 8
	}
}

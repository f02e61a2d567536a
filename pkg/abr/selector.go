package abr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidConfig is returned by constructors for unusable configuration.
var ErrInvalidConfig = errors.New("invalid selector config")

// Selector chooses the format of the next chunk to request.
//
// Evaluate is called by the chunk scheduler immediately before each chunk
// request. It reads the current selection from ev and writes the new one in
// place. Evaluate performs no I/O and never blocks. A selector belongs to one
// playback session and must not be evaluated concurrently.
type Selector interface {
	// Enable is called when the owning track is enabled.
	Enable()
	// Disable is called when the owning track is disabled.
	Disable()
	// Evaluate updates ev for the given queue snapshot, playback position and
	// ladder. formats must be non-empty and strictly descending by bitrate.
	Evaluate(queue []Chunk, playbackPosition time.Duration, formats []Format, ev *Evaluation)
}

// Strategy names a selector variant.
type Strategy int

const (
	// StrategyRateBased selects from estimated throughput with buffer-aware
	// hysteresis.
	StrategyRateBased Strategy = iota
	// StrategyBufferBased selects from buffer occupancy (BBA).
	StrategyBufferBased
)

// String returns a string representation of the Strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyRateBased:
		return "rate"
	case StrategyBufferBased:
		return "buffer"
	default:
		return "unknown"
	}
}

// ParseStrategy parses the String form of a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "rate", "rate-based", "throughput":
		return StrategyRateBased, nil
	case "buffer", "buffer-based", "bba":
		return StrategyBufferBased, nil
	default:
		return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, s)
	}
}

// Config selects and configures one selector variant.
type Config struct {
	// Strategy picks the variant.
	Strategy Strategy

	// RateBased is used if Strategy == StrategyRateBased.
	RateBased RateBasedConfig

	// BufferBased is used if Strategy == StrategyBufferBased.
	BufferBased BufferBasedConfig
}

// DefaultConfig returns the default rate-based configuration.
// BufferBased.VideoDuration must still be set to use the buffer-based variant.
func DefaultConfig() Config {
	return Config{
		Strategy:    StrategyRateBased,
		RateBased:   DefaultRateBasedConfig(),
		BufferBased: DefaultBufferBasedConfig(),
	}
}

// New creates the selector named by config.Strategy.
func New(config Config, estimator BandwidthEstimator, opts ...Option) (Selector, error) {
	switch config.Strategy {
	case StrategyRateBased:
		return NewRateBasedSelector(config.RateBased, estimator, opts...)
	case StrategyBufferBased:
		return NewBufferBasedSelector(config.BufferBased, estimator, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %d", ErrInvalidConfig, config.Strategy)
	}
}

// Observer receives selector decisions. Methods are called synchronously
// from Evaluate and must not block.
type Observer interface {
	// OnSwitch is called when the selected format changes. from is nil on the
	// first selection.
	OnSwitch(strategy Strategy, from, to *Format)
	// OnDiscard is called when a selector requests truncating the queue to
	// queueSize chunks.
	OnDiscard(strategy Strategy, queueSize int)
	// OnPhaseChange is called when a buffer-based selector changes phase.
	OnPhaseChange(phase Phase)
}

// Option configures optional selector collaborators.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
}

// WithLogger sets the logger for decision tracing. Decisions are logged at
// debug level. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers an observer for selector decisions.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// notifySwitch logs and reports a change of selection.
func (o *options) notifySwitch(strategy Strategy, from, to *Format, buffered time.Duration) {
	if sameFormat(from, to) {
		return
	}
	if o.logger.Enabled(context.Background(), slog.LevelDebug) {
		attrs := []any{
			slog.String("strategy", strategy.String()),
			slog.Duration("buffered", buffered),
		}
		if from != nil {
			attrs = append(attrs, slog.Int64("from_bps", from.Bitrate))
		}
		if to != nil {
			attrs = append(attrs, slog.Int64("to_bps", to.Bitrate))
		}
		o.logger.Debug("format switch", attrs...)
	}
	if o.observer != nil {
		o.observer.OnSwitch(strategy, from, to)
	}
}

// Package meter estimates download throughput from completed chunk transfers.
//
// A Meter is the BandwidthEstimator handed to an abr.Selector. The transfer
// path (AddTransfer) and the decision path (GetEstimate) may run on different
// goroutines: updates are serialized by a mutex and the published estimate is
// read atomically.
package meter

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thesyncim/abr/pkg/abr"
	"github.com/thesyncim/abr/pkg/abr/internal"
)

// Smoothing selects how per-transfer samples are combined.
type Smoothing int

const (
	// SmoothingPercentile reports a weighted sliding percentile of recent
	// samples, each weighted by the square root of its byte count.
	SmoothingPercentile Smoothing = iota
	// SmoothingKalman tracks throughput with a scalar Kalman filter.
	SmoothingKalman
)

// String returns a string representation of the Smoothing.
func (s Smoothing) String() string {
	switch s {
	case SmoothingPercentile:
		return "percentile"
	case SmoothingKalman:
		return "kalman"
	default:
		return "unknown"
	}
}

// ParseSmoothing parses the String form of a Smoothing.
func ParseSmoothing(s string) (Smoothing, error) {
	switch s {
	case "", "percentile":
		return SmoothingPercentile, nil
	case "kalman":
		return SmoothingKalman, nil
	default:
		return 0, fmt.Errorf("unknown smoothing %q", s)
	}
}

// Config configures a Meter.
type Config struct {
	// Smoothing picks the sample filter.
	// Default: SmoothingPercentile
	Smoothing Smoothing

	// MaxWeight is the total sample weight the percentile filter retains.
	// Default: 2000
	MaxWeight float64

	// Percentile is the reported quantile of the percentile filter, in (0, 1].
	// Default: 0.5
	Percentile float64

	// Window expires samples older than this when a transfer is added.
	// Zero keeps samples until they are displaced by weight.
	// Default: 0
	Window time.Duration

	// Kalman configures SmoothingKalman.
	Kalman KalmanConfig
}

// DefaultConfig returns the default meter configuration.
func DefaultConfig() Config {
	return Config{
		Smoothing:  SmoothingPercentile,
		MaxWeight:  2000,
		Percentile: 0.5,
		Kalman:     DefaultKalmanConfig(),
	}
}

// Meter is a throughput estimator fed with completed transfers.
type Meter struct {
	config Config
	clock  internal.Clock

	mu         sync.Mutex
	percentile *slidingPercentile
	kalman     *kalmanFilter
	lastSample time.Time
	transfers  int64
	totalBytes int64

	estimate atomic.Int64
}

// New creates a Meter. Zero-valued tunables fall back to their defaults.
// If clock is nil, the system clock is used.
func New(config Config, clock internal.Clock) *Meter {
	defaults := DefaultConfig()
	if config.MaxWeight <= 0 {
		config.MaxWeight = defaults.MaxWeight
	}
	if config.Percentile <= 0 || config.Percentile > 1 {
		config.Percentile = defaults.Percentile
	}
	if config.Kalman.ProcessNoise <= 0 {
		config.Kalman.ProcessNoise = defaults.Kalman.ProcessNoise
	}
	if config.Kalman.InitialError <= 0 {
		config.Kalman.InitialError = defaults.Kalman.InitialError
	}
	if config.Kalman.Chi <= 0 || config.Kalman.Chi >= 1 {
		config.Kalman.Chi = defaults.Kalman.Chi
	}
	if clock == nil {
		clock = internal.MonotonicClock{}
	}

	m := &Meter{
		config:     config,
		clock:      clock,
		percentile: newSlidingPercentile(config.MaxWeight),
		kalman:     newKalmanFilter(config.Kalman),
	}
	m.estimate.Store(abr.NoEstimate)
	return m
}

// Config returns the effective configuration.
func (m *Meter) Config() Config {
	return m.config
}

// AddTransfer records a completed transfer of bytes that took elapsed, and
// returns the updated estimate in bits per second. Transfers with no bytes
// or no elapsed time carry no throughput information and are ignored.
func (m *Meter) AddTransfer(bytes int64, elapsed time.Duration) int64 {
	if bytes <= 0 || elapsed <= 0 {
		return m.GetEstimate()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	bps := float64(bytes) * 8 / elapsed.Seconds()

	m.transfers++
	m.totalBytes += bytes

	var (
		value float64
		ok    bool
	)
	switch m.config.Smoothing {
	case SmoothingKalman:
		if m.config.Window > 0 && !m.lastSample.IsZero() && now.Sub(m.lastSample) > m.config.Window {
			m.kalman.reset()
		}
		value, ok = m.kalman.update(bps/1e6)*1e6, true
	default:
		if m.config.Window > 0 {
			m.percentile.expire(now.Add(-m.config.Window))
		}
		m.percentile.add(weightedSample{
			at:     now,
			value:  bps,
			weight: math.Sqrt(float64(bytes)),
		})
		value, ok = m.percentile.percentile(m.config.Percentile)
	}
	m.lastSample = now

	if ok {
		m.estimate.Store(int64(math.Max(0, value)))
	}
	return m.estimate.Load()
}

// GetEstimate returns the current estimate in bits per second, or
// abr.NoEstimate before the first transfer.
func (m *Meter) GetEstimate() int64 {
	return m.estimate.Load()
}

// Stats returns the number of transfers and bytes recorded since the last
// Reset.
func (m *Meter) Stats() (transfers, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers, m.totalBytes
}

// Reset discards all samples and returns to NoEstimate.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.percentile.reset()
	m.kalman.reset()
	m.lastSample = time.Time{}
	m.transfers = 0
	m.totalBytes = 0
	m.estimate.Store(abr.NoEstimate)
}

var _ abr.BandwidthEstimator = (*Meter)(nil)

package meter

import "math"

// minMeasurementNoise floors the adaptive measurement noise variance (Mbps²).
const minMeasurementNoise = 1.0

// KalmanConfig holds the tunables of the scalar Kalman throughput filter.
// The filter state is throughput in Mbps.
type KalmanConfig struct {
	// ProcessNoise (q) is how much the true throughput is expected to drift
	// between two transfers, as a variance.
	// Default: 0.05
	ProcessNoise float64

	// InitialError is the error covariance after the first sample.
	// Default: 1.0
	InitialError float64

	// Chi is the smoothing coefficient of the measurement noise estimate.
	// Default: 0.05
	Chi float64
}

// DefaultKalmanConfig returns the default filter tunables.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoise: 0.05,
		InitialError: 1.0,
		Chi:          0.05,
	}
}

// kalmanFilter is a scalar Kalman filter over per-transfer throughput.
// It is seeded with the first measurement rather than a prior.
type kalmanFilter struct {
	config       KalmanConfig
	seeded       bool
	estimate     float64 // Mbps
	errorCov     float64
	measureNoise float64
}

func newKalmanFilter(config KalmanConfig) *kalmanFilter {
	k := &kalmanFilter{config: config}
	k.reset()
	return k
}

// update folds one measurement (Mbps) into the estimate and returns it.
func (k *kalmanFilter) update(measurement float64) float64 {
	if !k.seeded {
		k.seeded = true
		k.estimate = measurement
		return k.estimate
	}

	z := measurement - k.estimate

	// The noise estimate sees the innovation capped at 3σ; the state update
	// uses it uncapped.
	maxDeviation := 3 * math.Sqrt(k.measureNoise)
	zCapped := math.Max(-maxDeviation, math.Min(z, maxDeviation))
	k.measureNoise = math.Max(minMeasurementNoise,
		(1-k.config.Chi)*k.measureNoise+k.config.Chi*zCapped*zCapped)

	predicted := k.errorCov + k.config.ProcessNoise
	gain := predicted / (k.measureNoise + predicted)

	k.estimate += gain * z
	k.errorCov = (1 - gain) * predicted

	return k.estimate
}

func (k *kalmanFilter) reset() {
	k.seeded = false
	k.estimate = 0
	k.errorCov = k.config.InitialError
	k.measureNoise = minMeasurementNoise
}

package meter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKalmanFilter_SeedsWithFirstSample(t *testing.T) {
	k := newKalmanFilter(DefaultKalmanConfig())

	assert.False(t, k.seeded)

	assert.Equal(t, 3.5, k.update(3.5))
	assert.True(t, k.seeded)
	assert.Equal(t, 3.5, k.estimate)
}

func TestKalmanFilter_Converges(t *testing.T) {
	k := newKalmanFilter(DefaultKalmanConfig())
	k.update(2)

	for i := 0; i < 100; i++ {
		k.update(6)
	}
	assert.InDelta(t, 6.0, k.estimate, 0.01)
}

func TestKalmanFilter_OutlierDampened(t *testing.T) {
	k := newKalmanFilter(DefaultKalmanConfig())
	for i := 0; i < 50; i++ {
		k.update(5)
	}

	got := k.update(50)
	assert.Less(t, got, 27.5, "a single outlier moves the estimate less than halfway")
	assert.Greater(t, got, 5.0)
}

func TestKalmanFilter_NoiseFloor(t *testing.T) {
	k := newKalmanFilter(DefaultKalmanConfig())
	for i := 0; i < 100; i++ {
		k.update(1)
	}
	assert.Equal(t, minMeasurementNoise, k.measureNoise)
}

func TestKalmanFilter_Reset(t *testing.T) {
	config := DefaultKalmanConfig()
	k := newKalmanFilter(config)
	k.update(1)
	k.update(9)

	k.reset()

	assert.False(t, k.seeded)
	assert.Equal(t, config.InitialError, k.errorCov)
	assert.Equal(t, 7.0, k.update(7))
}

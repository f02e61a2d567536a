package meter

import (
	"sort"
	"time"
)

// weightedSample is one throughput measurement.
type weightedSample struct {
	at     time.Time
	value  float64 // bps
	weight float64
}

// slidingPercentile keeps the most recent samples up to a total weight and
// answers weighted percentile queries over them. Samples are held in arrival
// order; the oldest is trimmed, partially if needed, once maxWeight is
// exceeded.
type slidingPercentile struct {
	maxWeight   float64
	samples     []weightedSample
	totalWeight float64
	sorted      []weightedSample
}

func newSlidingPercentile(maxWeight float64) *slidingPercentile {
	return &slidingPercentile{
		maxWeight: maxWeight,
		samples:   make([]weightedSample, 0, 32),
	}
}

func (p *slidingPercentile) add(s weightedSample) {
	p.samples = append(p.samples, s)
	p.totalWeight += s.weight

	for p.totalWeight > p.maxWeight && len(p.samples) > 0 {
		excess := p.totalWeight - p.maxWeight
		oldest := &p.samples[0]
		if oldest.weight <= excess {
			p.totalWeight -= oldest.weight
			p.samples = p.samples[1:]
			continue
		}
		oldest.weight -= excess
		p.totalWeight -= excess
	}
}

// expire drops samples taken before cutoff.
func (p *slidingPercentile) expire(cutoff time.Time) {
	n := 0
	for _, s := range p.samples {
		if !s.at.Before(cutoff) {
			break
		}
		p.totalWeight -= s.weight
		n++
	}
	if n > 0 {
		p.samples = p.samples[n:]
	}
	if len(p.samples) == 0 {
		p.totalWeight = 0
	}
}

// percentile returns the smallest sample value at which the cumulative
// weight, in ascending value order, reaches q of the total.
func (p *slidingPercentile) percentile(q float64) (float64, bool) {
	if len(p.samples) == 0 {
		return 0, false
	}

	p.sorted = append(p.sorted[:0], p.samples...)
	sort.Slice(p.sorted, func(i, j int) bool {
		return p.sorted[i].value < p.sorted[j].value
	})

	desired := q * p.totalWeight
	acc := 0.0
	for _, s := range p.sorted {
		acc += s.weight
		if acc >= desired {
			return s.value, true
		}
	}
	return p.sorted[len(p.sorted)-1].value, true
}

func (p *slidingPercentile) reset() {
	p.samples = p.samples[:0]
	p.sorted = p.sorted[:0]
	p.totalWeight = 0
}

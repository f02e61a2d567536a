package sim

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thesyncim/abr/pkg/abr/ladder"
)

// ErrInvalidTrace is returned for traces that cannot carry any data.
var ErrInvalidTrace = errors.New("invalid bandwidth trace")

// Step is a period of constant link bitrate.
type Step struct {
	Duration time.Duration
	Bitrate  int64 // bps
}

// Trace is a piecewise-constant link bitrate that repeats once exhausted.
type Trace struct {
	Name        string
	Description string
	Steps       []Step

	period time.Duration
}

type traceDocument struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []struct {
		Duration string `yaml:"duration"`
		Bitrate  int64  `yaml:"bitrate"`
	} `yaml:"steps"`
}

// NewTrace validates steps and returns the trace.
func NewTrace(name string, steps ...Step) (*Trace, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidTrace)
	}
	t := &Trace{Name: name, Steps: steps}
	carries := false
	for i, s := range steps {
		if s.Duration <= 0 {
			return nil, fmt.Errorf("%w: step %d has duration %v", ErrInvalidTrace, i, s.Duration)
		}
		if s.Bitrate < 0 {
			return nil, fmt.Errorf("%w: step %d has bitrate %d", ErrInvalidTrace, i, s.Bitrate)
		}
		if s.Bitrate > 0 {
			carries = true
		}
		t.period += s.Duration
	}
	if !carries {
		return nil, fmt.Errorf("%w: every step has zero bitrate", ErrInvalidTrace)
	}
	return t, nil
}

// ConstantTrace is a link with a fixed bitrate.
func ConstantTrace(bps int64) *Trace {
	t, err := NewTrace(fmt.Sprintf("constant-%d", bps), Step{Duration: time.Hour, Bitrate: bps})
	if err != nil {
		panic(err)
	}
	return t
}

// StepTrace alternates between the given bitrates, holding each for hold.
func StepTrace(hold time.Duration, bitrates ...int64) *Trace {
	steps := make([]Step, len(bitrates))
	for i, br := range bitrates {
		steps[i] = Step{Duration: hold, Bitrate: br}
	}
	t, err := NewTrace("step", steps...)
	if err != nil {
		panic(err)
	}
	return t
}

// SawtoothTrace ramps linearly from low to high in n steps over period, then
// drops back to low.
func SawtoothTrace(low, high int64, period time.Duration, n int) *Trace {
	if n < 2 {
		n = 2
	}
	steps := make([]Step, n)
	for i := range steps {
		steps[i] = Step{
			Duration: period / time.Duration(n),
			Bitrate:  low + (high-low)*int64(i)/int64(n-1),
		}
	}
	t, err := NewTrace("sawtooth", steps...)
	if err != nil {
		panic(err)
	}
	return t
}

// ReadTrace decodes a YAML trace:
//
//	name: commute
//	steps:
//	  - {duration: 30s, bitrate: 4000000}
//	  - {duration: PT10S, bitrate: 300000}
func ReadTrace(r io.Reader) (*Trace, error) {
	var doc traceDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}

	steps := make([]Step, len(doc.Steps))
	for i, s := range doc.Steps {
		d, err := ladder.ParseDuration(s.Duration)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps[i] = Step{Duration: d, Bitrate: s.Bitrate}
	}

	t, err := NewTrace(doc.Name, steps...)
	if err != nil {
		return nil, err
	}
	t.Description = doc.Description
	return t, nil
}

// LoadTrace reads a YAML trace from path.
func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace file %s: %w", path, err)
	}
	defer f.Close()

	t, err := ReadTrace(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Period returns the length of one repetition.
func (t *Trace) Period() time.Duration {
	return t.period
}

// BitrateAt returns the link bitrate at time at.
func (t *Trace) BitrateAt(at time.Duration) int64 {
	br, _ := t.stepAt(at)
	return br
}

// stepAt returns the bitrate at time at and how long it holds from there.
func (t *Trace) stepAt(at time.Duration) (int64, time.Duration) {
	off := at % t.period
	if off < 0 {
		off += t.period
	}
	for _, s := range t.Steps {
		if off < s.Duration {
			return s.Bitrate, s.Duration - off
		}
		off -= s.Duration
	}
	// Unreachable for a validated trace.
	last := t.Steps[len(t.Steps)-1]
	return last.Bitrate, last.Duration
}

// Download returns how long transferring bytes takes when starting at start.
func (t *Trace) Download(bytes int64, start time.Duration) time.Duration {
	bits := float64(bytes) * 8
	at := start
	for bits > 0 {
		rate, hold := t.stepAt(at)
		if rate == 0 {
			at += hold
			continue
		}
		capacity := float64(rate) * hold.Seconds()
		if capacity >= bits {
			at += time.Duration(bits / float64(rate) * float64(time.Second))
			break
		}
		bits -= capacity
		at += hold
	}
	return max(at-start, time.Nanosecond)
}

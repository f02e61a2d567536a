// Package ladder loads bitrate ladders and filters their formats.
//
// A ladder file is YAML:
//
//	name: big-buck-bunny
//	duration: PT9M56S
//	segment_duration: PT4S
//	formats:
//	  - {id: 1080p, bitrate: 4500000, width: 1920, height: 1080}
//	  - {id: 720p, bitrate: 2500000, width: 1280, height: 720}
//
// Durations are ISO 8601 periods; Go duration strings such as "4s" are also
// accepted.
package ladder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/rickb777/date/period"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/abr/pkg/abr"
)

// ErrNoFormats is returned when a ladder, or a filter result, is empty.
var ErrNoFormats = errors.New("ladder has no formats")

// Rung is the serialized form of one format.
type Rung struct {
	ID      string `yaml:"id,omitempty" json:"id,omitempty"`
	Bitrate int64  `yaml:"bitrate" json:"bitrate"`
	Width   int    `yaml:"width" json:"width"`
	Height  int    `yaml:"height" json:"height"`
}

// Format converts the rung.
func (r Rung) Format() abr.Format {
	return abr.Format{ID: r.ID, Bitrate: r.Bitrate, Width: r.Width, Height: r.Height}
}

// RungOf converts a format.
func RungOf(f abr.Format) Rung {
	return Rung{ID: f.ID, Bitrate: f.Bitrate, Width: f.Width, Height: f.Height}
}

// Ladder is a validated set of formats, highest bitrate first.
type Ladder struct {
	Name            string
	Duration        time.Duration
	SegmentDuration time.Duration
	Formats         []abr.Format
}

type document struct {
	Name            string `yaml:"name"`
	Duration        string `yaml:"duration"`
	SegmentDuration string `yaml:"segment_duration"`
	Formats         []Rung `yaml:"formats"`
}

// New builds a ladder from rungs in any order.
func New(name string, rungs []Rung) (*Ladder, error) {
	formats := make([]abr.Format, len(rungs))
	for i, r := range rungs {
		if r.Bitrate <= 0 {
			return nil, fmt.Errorf("format %d: bitrate must be positive, got %d", i, r.Bitrate)
		}
		formats[i] = r.Format()
	}
	if len(formats) == 0 {
		return nil, ErrNoFormats
	}
	abr.SortFormats(formats)
	if err := abr.ValidateFormats(formats); err != nil {
		return nil, err
	}
	return &Ladder{Name: name, Formats: formats}, nil
}

// Load reads a YAML ladder.
func Load(r io.Reader) (*Ladder, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode ladder: %w", err)
	}

	l, err := New(doc.Name, doc.Formats)
	if err != nil {
		return nil, err
	}
	if l.Duration, err = ParseDuration(doc.Duration); err != nil {
		return nil, fmt.Errorf("duration: %w", err)
	}
	if l.SegmentDuration, err = ParseDuration(doc.SegmentDuration); err != nil {
		return nil, fmt.Errorf("segment_duration: %w", err)
	}
	return l, nil
}

// LoadFile reads a YAML ladder from path.
func LoadFile(path string) (*Ladder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	l, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

// Rungs returns the serialized form of the formats.
func (l *Ladder) Rungs() []Rung {
	rungs := make([]Rung, len(l.Formats))
	for i, f := range l.Formats {
		rungs[i] = RungOf(f)
	}
	return rungs
}

// Filter returns a copy of the ladder keeping only the formats for which
// every expression evaluates to true. Expressions see the variables br
// (bits per second), kbps, width, height and id, e.g. "br <= 3000000 && height >= 360".
func (l *Ladder) Filter(exprs ...string) (*Ladder, error) {
	if len(exprs) == 0 {
		out := *l
		out.Formats = append([]abr.Format(nil), l.Formats...)
		return &out, nil
	}

	lang := gval.Full()
	evals := make([]gval.Evaluable, len(exprs))
	for i, expr := range exprs {
		eval, err := lang.NewEvaluable(expr)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", expr, err)
		}
		evals[i] = eval
	}

	ctx := context.Background()
	var kept []abr.Format
	for _, f := range l.Formats {
		params := map[string]any{
			"br":     f.Bitrate,
			"kbps":   float64(f.Bitrate) / 1000,
			"width":  f.Width,
			"height": f.Height,
			"id":     f.ID,
		}
		keep := true
		for i, eval := range evals {
			ok, err := eval.EvalBool(ctx, params)
			if err != nil {
				return nil, fmt.Errorf("filter %q on %d bps: %w", exprs[i], f.Bitrate, err)
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w after filter %q", ErrNoFormats, exprs)
	}

	out := *l
	out.Formats = kept
	return &out, nil
}

// ParseDuration parses an ISO 8601 period such as "PT4S", falling back to
// Go duration syntax. An empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	p, err := period.Parse(s)
	if err == nil {
		d, _ := p.Duration()
		if d < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return d, nil
	}
	d, derr := time.ParseDuration(s)
	if derr != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

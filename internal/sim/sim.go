// Package sim drives a selector through a simulated playback session over a
// bandwidth trace, in virtual time.
//
// Each iteration mirrors a chunk scheduler: evaluate, apply any requested
// discard, download the chunk over the trace while playback drains the
// buffer, feed the throughput meter, then idle while the buffer is full.
package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thesyncim/abr/pkg/abr"
	"github.com/thesyncim/abr/pkg/abr/meter"
	"github.com/thesyncim/abr/pkg/abr/session"
)

// ErrInvalidConfig is returned for unusable simulation settings.
var ErrInvalidConfig = errors.New("invalid simulation config")

// Config configures a simulation run.
type Config struct {
	// Formats is the ladder, highest bitrate first.
	Formats []abr.Format

	// Selector picks and configures the strategy. BufferBased.VideoDuration
	// defaults to VideoDuration.
	Selector abr.Config

	// Meter configures the throughput estimator.
	Meter meter.Config

	// VideoDuration is the media length. Required.
	VideoDuration time.Duration

	// ChunkDuration is the media length of one chunk.
	// Default: 4s
	ChunkDuration time.Duration

	// MaxBuffer stops loading while this much is buffered.
	// Default: 30s
	MaxBuffer time.Duration

	// ResumeBuffer is the buffered duration needed to start or resume playback.
	// Default: 2.5s
	ResumeBuffer time.Duration
}

// DefaultConfig returns a rate-based simulation with default tunables.
// Formats and VideoDuration must still be set.
func DefaultConfig() Config {
	return Config{
		Selector:      abr.DefaultConfig(),
		Meter:         meter.DefaultConfig(),
		ChunkDuration: 4 * time.Second,
		MaxBuffer:     30 * time.Second,
		ResumeBuffer:  2500 * time.Millisecond,
	}
}

// Decision is one chunk request.
type Decision struct {
	Index     int           `json:"index"`
	At        time.Duration `json:"at"`
	Format    abr.Format    `json:"format"`
	Trigger   string        `json:"trigger"`
	Buffered  time.Duration `json:"buffered"`
	Estimate  int64         `json:"estimate"`
	Discarded int           `json:"discarded,omitempty"`
}

// Result summarizes a run.
type Result struct {
	Strategy      string        `json:"strategy"`
	Score         session.Score `json:"score"`
	Decisions     []Decision    `json:"decisions"`
	Elapsed       time.Duration `json:"elapsed"`
	FinalEstimate int64         `json:"final_estimate"`
	// Transfers is the number of samples the meter received.
	Transfers int64 `json:"transfers"`
	// Phase is the final buffer-based phase, empty for other strategies.
	Phase string `json:"phase,omitempty"`
}

// virtualClock feeds simulated time to the meter.
type virtualClock struct {
	epoch time.Time
	now   time.Duration
}

func (c *virtualClock) Now() time.Time {
	return c.epoch.Add(c.now)
}

// player is the playback state of one run.
type player struct {
	config  Config
	clock   *virtualClock
	sess    *session.Session
	queue   []abr.Chunk
	pos     time.Duration
	playing bool
}

// Run simulates one session. It returns ctx.Err() if cancelled.
func Run(ctx context.Context, config Config, trace *Trace, opts ...abr.Option) (*Result, error) {
	config, err := applyDefaults(config)
	if err != nil {
		return nil, err
	}
	if trace == nil {
		return nil, fmt.Errorf("%w: trace is required", ErrInvalidConfig)
	}

	clock := &virtualClock{epoch: time.Unix(0, 0)}
	m := meter.New(config.Meter, clock)
	selector, err := abr.New(config.Selector, m, opts...)
	if err != nil {
		return nil, err
	}

	p := &player{
		config: config,
		clock:  clock,
		sess:   session.New(config.Selector.Strategy, config.Formats),
	}
	result := &Result{Strategy: config.Selector.Strategy.String()}

	chunks := int((config.VideoDuration + config.ChunkDuration - 1) / config.ChunkDuration)
	ev := abr.NewEvaluation()
	p.sess.BeginStall(0)

	for next := 0; next < chunks; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if buffered := p.buffered(); p.playing && buffered > config.MaxBuffer-config.ChunkDuration {
			p.advance(buffered - (config.MaxBuffer - config.ChunkDuration))
		}
		p.trimPlayed()

		selector.Evaluate(p.queue, p.pos, config.Formats, ev)
		if ev.Format == nil {
			return nil, fmt.Errorf("selector made no selection for chunk %d", next)
		}

		discarded := 0
		if n, ok := ev.TakeQueueSize(); ok && n < len(p.queue) {
			discarded = len(p.queue) - n
			next = int(p.queue[n].Start / config.ChunkDuration)
			p.queue = p.queue[:n]
		}

		format := *ev.Format
		start := time.Duration(next) * config.ChunkDuration
		end := min(start+config.ChunkDuration, config.VideoDuration)

		result.Decisions = append(result.Decisions, Decision{
			Index:     next,
			At:        clock.now,
			Format:    format,
			Trigger:   ev.Trigger.String(),
			Buffered:  p.buffered(),
			Estimate:  m.GetEstimate(),
			Discarded: discarded,
		})
		p.sess.RecordSegment(next, format, ev.Trigger, clock.now)

		bytes := max(format.Bitrate*int64(end-start)/int64(time.Second)/8, 1)
		elapsed := trace.Download(bytes, clock.now)
		p.advance(elapsed)

		p.queue = append(p.queue, abr.Chunk{Start: start, End: end, Format: format})
		m.AddTransfer(bytes, elapsed)
		p.sess.RecordTransfer(clock.now, bytes, elapsed)
		p.sess.RecordLoadDuration(next, elapsed)

		next++
		if !p.playing && (p.buffered() >= config.ResumeBuffer || next == chunks) {
			p.playing = true
			p.sess.EndStall(clock.now)
		}
	}

	// The remaining buffer plays out without further downloads.
	p.advance(p.buffered())

	result.Score = p.sess.Score()
	result.Elapsed = clock.now
	result.FinalEstimate = m.GetEstimate()
	result.Transfers, _ = m.Stats()
	if bba, ok := selector.(*abr.BufferBasedSelector); ok {
		result.Phase = bba.Phase().String()
	}
	return result, nil
}

func applyDefaults(config Config) (Config, error) {
	defaults := DefaultConfig()
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = defaults.ChunkDuration
	}
	if config.MaxBuffer <= 0 {
		config.MaxBuffer = defaults.MaxBuffer
	}
	if config.ResumeBuffer <= 0 {
		config.ResumeBuffer = defaults.ResumeBuffer
	}
	if config.VideoDuration <= 0 {
		return config, fmt.Errorf("%w: video duration is required", ErrInvalidConfig)
	}
	if config.MaxBuffer < config.ChunkDuration {
		return config, fmt.Errorf("%w: max buffer %v is shorter than a chunk (%v)",
			ErrInvalidConfig, config.MaxBuffer, config.ChunkDuration)
	}
	if err := abr.ValidateFormats(config.Formats); err != nil {
		return config, err
	}
	if config.Selector.BufferBased.VideoDuration == 0 {
		config.Selector.BufferBased.VideoDuration = config.VideoDuration
	}
	return config, nil
}

// buffered is the media time queued ahead of the playback position.
func (p *player) buffered() time.Duration {
	if len(p.queue) == 0 {
		return 0
	}
	return max(p.queue[len(p.queue)-1].End-p.pos, 0)
}

// advance moves virtual time forward by d, playing out the buffer and
// recording a stall if it runs dry.
func (p *player) advance(d time.Duration) {
	if p.playing {
		buffered := p.buffered()
		if d <= buffered {
			p.pos += d
		} else {
			p.pos += buffered
			if p.pos < p.config.VideoDuration {
				p.playing = false
				p.sess.BeginStall(p.clock.now + buffered)
			}
		}
	}
	p.clock.now += d
}

// trimPlayed drops chunks that have been played completely.
func (p *player) trimPlayed() {
	i := 0
	for i < len(p.queue) && p.queue[i].End <= p.pos {
		i++
	}
	p.queue = p.queue[i:]
}

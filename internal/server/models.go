package server

import (
	"fmt"
	"time"

	"github.com/thesyncim/abr/internal/sim"
	"github.com/thesyncim/abr/pkg/abr"
	"github.com/thesyncim/abr/pkg/abr/ladder"
	"github.com/thesyncim/abr/pkg/abr/meter"
	"github.com/thesyncim/abr/pkg/abr/session"
)

// Durations in request bodies accept ISO-8601 ("PT10S") or Go ("10s")
// notation. Empty strings keep the default.

// rateBasedRequest overrides abr.RateBasedConfig fields.
type rateBasedRequest struct {
	MaxInitialBitrate               int64   `json:"max_initial_bitrate,omitempty"`
	MinDurationForQualityIncrease   string  `json:"min_duration_for_quality_increase,omitempty"`
	MaxDurationForQualityDecrease   string  `json:"max_duration_for_quality_decrease,omitempty"`
	MinDurationToRetainAfterDiscard string  `json:"min_duration_to_retain_after_discard,omitempty"`
	BandwidthFraction               float64 `json:"bandwidth_fraction,omitempty"`
	Lock                            string  `json:"lock,omitempty"`
}

// bufferBasedRequest overrides abr.BufferBasedConfig fields.
type bufferBasedRequest struct {
	BufferTarget string `json:"buffer_target,omitempty"`
	Reservoir    string `json:"reservoir,omitempty"`
}

// meterRequest overrides meter.Config fields.
type meterRequest struct {
	Smoothing  string  `json:"smoothing,omitempty"`
	Percentile float64 `json:"percentile,omitempty"`
	MaxWeight  float64 `json:"max_weight,omitempty"`
	Window     string  `json:"window,omitempty"`
}

// selectorRequest is the strategy configuration shared by session creation
// and simulation.
type selectorRequest struct {
	Strategy        string              `json:"strategy"`
	Formats         []ladder.Rung       `json:"formats,omitempty"`
	Filter          []string            `json:"filter,omitempty"`
	VideoDuration   string              `json:"video_duration,omitempty"`
	VideoDurationMs int64               `json:"video_duration_ms,omitempty"`
	RateBased       *rateBasedRequest   `json:"rate_based,omitempty"`
	BufferBased     *bufferBasedRequest `json:"buffer_based,omitempty"`
	Meter           *meterRequest       `json:"meter,omitempty"`
}

// createSessionRequest is the body of POST /sessions.
type createSessionRequest struct {
	selectorRequest
}

// createSessionResponse is the body returned by POST /sessions.
type createSessionResponse struct {
	ID       string        `json:"id"`
	Strategy string        `json:"strategy"`
	Formats  []ladder.Rung `json:"formats"`
}

// transferRequest is the body of POST /sessions/{id}/transfers.
type transferRequest struct {
	Bytes     int64 `json:"bytes"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// transferResponse reports the estimate after a transfer.
type transferResponse struct {
	Estimate int64 `json:"estimate"`
}

// chunkRequest is one buffered chunk. The format is matched against the
// session ladder by bitrate; width and height default to the matched rung.
type chunkRequest struct {
	StartUs int64 `json:"start_us"`
	EndUs   int64 `json:"end_us"`
	Bitrate int64 `json:"bitrate"`
	Width   int   `json:"width,omitempty"`
	Height  int   `json:"height,omitempty"`
}

// evaluateRequest is the body of POST /sessions/{id}/evaluate.
type evaluateRequest struct {
	PositionUs int64          `json:"position_us"`
	Queue      []chunkRequest `json:"queue"`
	// Index is the segment number being requested. Defaults to a running count.
	Index *int `json:"index,omitempty"`
}

// evaluateResponse is the decision for the next chunk.
type evaluateResponse struct {
	Format    ladder.Rung `json:"format"`
	Trigger   string      `json:"trigger"`
	QueueSize *int        `json:"queue_size,omitempty"`
	Phase     string      `json:"phase,omitempty"`
	Estimate  int64       `json:"estimate"`
}

// stallRequest is the body of POST /sessions/{id}/stalls. Both bounds
// record a completed stall; start alone opens one and end alone closes it.
// Times are milliseconds since the session was created.
type stallRequest struct {
	StartMs *int64 `json:"start_ms,omitempty"`
	EndMs   *int64 `json:"end_ms,omitempty"`
}

// scoreResponse is session.Score with durations in milliseconds.
type scoreResponse struct {
	ID                 string  `json:"id"`
	Strategy           string  `json:"strategy"`
	Segments           int     `json:"segments"`
	Switches           int     `json:"switches"`
	SwitchMagnitude    int     `json:"switch_magnitude"`
	AvgBitrateKbps     float64 `json:"avg_bitrate_kbps"`
	BitrateVariance    float64 `json:"bitrate_variance"`
	Rebuffers          int     `json:"rebuffers"`
	RebufferDurationMs int64   `json:"rebuffer_duration_ms"`
	StartupDelayMs     int64   `json:"startup_delay_ms"`
	Bytes              int64   `json:"bytes"`
	Estimate           int64   `json:"estimate"`
	Transfers          int64   `json:"transfers"`
	Phase              string  `json:"phase,omitempty"`
}

func newScoreResponse(id string, strategy abr.Strategy, s session.Score) scoreResponse {
	return scoreResponse{
		ID:                 id,
		Strategy:           strategy.String(),
		Segments:           s.Segments,
		Switches:           s.Switches,
		SwitchMagnitude:    s.SwitchMagnitude,
		AvgBitrateKbps:     s.AvgBitrateKbps,
		BitrateVariance:    s.BitrateVariance,
		Rebuffers:          s.Rebuffers,
		RebufferDurationMs: s.RebufferDuration.Milliseconds(),
		StartupDelayMs:     s.StartupDelay.Milliseconds(),
		Bytes:              s.Bytes,
	}
}

// traceStepRequest is one trace step.
type traceStepRequest struct {
	Duration string `json:"duration"`
	Bitrate  int64  `json:"bitrate"`
}

// simulateRequest is the body of POST /simulate.
type simulateRequest struct {
	selectorRequest
	Trace         []traceStepRequest `json:"trace"`
	ChunkDuration string             `json:"chunk_duration,omitempty"`
	MaxBuffer     string             `json:"max_buffer,omitempty"`
	// Decisions includes the per-chunk decision log in the response.
	Decisions bool `json:"decisions,omitempty"`
}

// decisionResponse is one simulated chunk request.
type decisionResponse struct {
	Index      int    `json:"index"`
	AtMs       int64  `json:"at_ms"`
	Bitrate    int64  `json:"bitrate"`
	Trigger    string `json:"trigger"`
	BufferedMs int64  `json:"buffered_ms"`
	Estimate   int64  `json:"estimate"`
	Discarded  int    `json:"discarded,omitempty"`
}

// simulateResponse summarizes a simulation.
type simulateResponse struct {
	Score         scoreResponse      `json:"score"`
	ElapsedMs     int64              `json:"elapsed_ms"`
	FinalEstimate int64              `json:"final_estimate"`
	Phase         string             `json:"phase,omitempty"`
	Decisions     []decisionResponse `json:"decisions,omitempty"`
}

func newSimulateResponse(strategy abr.Strategy, res *sim.Result, withDecisions bool) simulateResponse {
	out := simulateResponse{
		Score:         newScoreResponse("", strategy, res.Score),
		ElapsedMs:     res.Elapsed.Milliseconds(),
		FinalEstimate: res.FinalEstimate,
		Phase:         res.Phase,
	}
	out.Score.Estimate = res.FinalEstimate
	out.Score.Transfers = res.Transfers
	out.Score.Phase = res.Phase
	if withDecisions {
		out.Decisions = make([]decisionResponse, len(res.Decisions))
		for i, d := range res.Decisions {
			out.Decisions[i] = decisionResponse{
				Index:      d.Index,
				AtMs:       d.At.Milliseconds(),
				Bitrate:    d.Format.Bitrate,
				Trigger:    d.Trigger,
				BufferedMs: d.Buffered.Milliseconds(),
				Estimate:   d.Estimate,
				Discarded:  d.Discarded,
			}
		}
	}
	return out
}

// errorResponse is the body of every 4xx and 5xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// parseOptionalDuration parses s, returning fallback when s is empty.
func parseOptionalDuration(name, s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := ladder.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// resolve turns the request into selector and meter configurations.
// defaults supplies the formats when none are posted, and rate-based
// tunables left unset.
func (req *selectorRequest) resolve(defaults *ladder.Ladder, base abr.Config) (abr.Config, meter.Config, []abr.Format, error) {
	config := base
	meterConfig := meter.DefaultConfig()

	strategy, err := abr.ParseStrategy(req.Strategy)
	if req.Strategy == "" {
		strategy, err = base.Strategy, nil
	}
	if err != nil {
		return config, meterConfig, nil, err
	}
	config.Strategy = strategy

	formats, err := req.ladder(defaults)
	if err != nil {
		return config, meterConfig, nil, err
	}

	video := time.Duration(req.VideoDurationMs) * time.Millisecond
	if req.VideoDuration != "" {
		if video, err = parseOptionalDuration("video_duration", req.VideoDuration, 0); err != nil {
			return config, meterConfig, nil, err
		}
	}
	if video == 0 && defaults != nil {
		video = defaults.Duration
	}
	config.BufferBased.VideoDuration = video

	if rb := req.RateBased; rb != nil {
		c := &config.RateBased
		if rb.MaxInitialBitrate != 0 {
			c.MaxInitialBitrate = rb.MaxInitialBitrate
		}
		if rb.BandwidthFraction < 0 {
			return config, meterConfig, nil, fmt.Errorf("%w: bandwidth_fraction %v is negative",
				abr.ErrInvalidConfig, rb.BandwidthFraction)
		}
		if rb.BandwidthFraction != 0 {
			c.BandwidthFraction = rb.BandwidthFraction
		}
		if c.MinDurationForQualityIncrease, err = parseOptionalDuration("min_duration_for_quality_increase",
			rb.MinDurationForQualityIncrease, c.MinDurationForQualityIncrease); err != nil {
			return config, meterConfig, nil, err
		}
		if c.MaxDurationForQualityDecrease, err = parseOptionalDuration("max_duration_for_quality_decrease",
			rb.MaxDurationForQualityDecrease, c.MaxDurationForQualityDecrease); err != nil {
			return config, meterConfig, nil, err
		}
		if c.MinDurationToRetainAfterDiscard, err = parseOptionalDuration("min_duration_to_retain_after_discard",
			rb.MinDurationToRetainAfterDiscard, c.MinDurationToRetainAfterDiscard); err != nil {
			return config, meterConfig, nil, err
		}
		if rb.Lock != "" {
			if c.Lock, err = abr.ParseLockMode(rb.Lock); err != nil {
				return config, meterConfig, nil, err
			}
		}
	}

	if bb := req.BufferBased; bb != nil {
		c := &config.BufferBased
		if c.BufferTarget, err = parseOptionalDuration("buffer_target", bb.BufferTarget, c.BufferTarget); err != nil {
			return config, meterConfig, nil, err
		}
		if c.Reservoir, err = parseOptionalDuration("reservoir", bb.Reservoir, c.Reservoir); err != nil {
			return config, meterConfig, nil, err
		}
	}

	if mr := req.Meter; mr != nil {
		if mr.Smoothing != "" {
			if meterConfig.Smoothing, err = meter.ParseSmoothing(mr.Smoothing); err != nil {
				return config, meterConfig, nil, err
			}
		}
		if mr.Percentile != 0 {
			meterConfig.Percentile = mr.Percentile
		}
		if mr.MaxWeight != 0 {
			meterConfig.MaxWeight = mr.MaxWeight
		}
		if meterConfig.Window, err = parseOptionalDuration("window", mr.Window, 0); err != nil {
			return config, meterConfig, nil, err
		}
	}

	return config, meterConfig, formats, nil
}

// ladder returns the posted formats, or the default ladder, narrowed by
// the filter expressions.
func (req *selectorRequest) ladder(defaults *ladder.Ladder) ([]abr.Format, error) {
	var l *ladder.Ladder
	switch {
	case len(req.Formats) > 0:
		var err error
		if l, err = ladder.New("", req.Formats); err != nil {
			return nil, err
		}
	case defaults != nil:
		l = defaults
	default:
		return nil, ladder.ErrNoFormats
	}

	if len(req.Filter) > 0 {
		var err error
		if l, err = l.Filter(req.Filter...); err != nil {
			return nil, err
		}
	}
	return l.Formats, nil
}

// Package session records what happened during one playback session and
// scores it.
//
// All times are offsets from the start of the session. A Session is safe for
// concurrent use.
package session

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thesyncim/abr/pkg/abr"
)

// Segment is one requested media chunk.
type Segment struct {
	Index        int
	Format       abr.Format
	RequestedAt  time.Duration
	LoadDuration time.Duration
	Trigger      abr.Trigger
}

// Transfer is one completed download.
type Transfer struct {
	At      time.Duration
	Bytes   int64
	Elapsed time.Duration
}

// Stall is a period during which playback was blocked on an empty buffer.
type Stall struct {
	Start time.Duration
	End   time.Duration
}

// Duration returns the stall length.
func (s Stall) Duration() time.Duration {
	return s.End - s.Start
}

// Score summarizes a session.
type Score struct {
	// Segments is the number of segments requested.
	Segments int `json:"segments" yaml:"segments"`

	// Switches counts consecutive segments with different bitrates.
	Switches int `json:"switches" yaml:"switches"`

	// SwitchMagnitude sums the ladder index distance of every switch.
	SwitchMagnitude int `json:"switch_magnitude" yaml:"switch_magnitude"`

	// AvgBitrateKbps is the mean segment bitrate.
	AvgBitrateKbps float64 `json:"avg_bitrate_kbps" yaml:"avg_bitrate_kbps"`

	// BitrateVariance is the sample variance of segment bitrates, in kbps².
	BitrateVariance float64 `json:"bitrate_variance" yaml:"bitrate_variance"`

	// Rebuffers counts stalls after playback started.
	Rebuffers int `json:"rebuffers" yaml:"rebuffers"`

	// RebufferDuration is the total length of completed rebuffers.
	RebufferDuration time.Duration `json:"rebuffer_duration" yaml:"rebuffer_duration"`

	// StartupDelay is the length of the initial stall.
	StartupDelay time.Duration `json:"startup_delay" yaml:"startup_delay"`

	// Bytes is the total of all recorded transfers.
	Bytes int64 `json:"bytes" yaml:"bytes"`
}

// Session is the event log of one playback session.
type Session struct {
	id       string
	strategy abr.Strategy
	formats  []abr.Format
	created  time.Time

	mu         sync.Mutex
	segments   []Segment
	transfers  []Transfer
	stalls     []Stall
	stallStart time.Duration
	stalled    bool
	started    bool
	startup    time.Duration
}

// New starts a session over the given ladder, which is used to compute
// switch magnitudes.
func New(strategy abr.Strategy, formats []abr.Format) *Session {
	return &Session{
		id:       uuid.NewString(),
		strategy: strategy,
		formats:  slices.Clone(formats),
		created:  time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Strategy returns the selector strategy the session was created with.
func (s *Session) Strategy() abr.Strategy {
	return s.strategy
}

// Formats returns a copy of the session ladder.
func (s *Session) Formats() []abr.Format {
	return slices.Clone(s.formats)
}

// CreatedAt returns the wall time the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.created
}

// Elapsed returns the wall time since the session was created.
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.created)
}

// RecordSegment logs a segment request.
func (s *Session) RecordSegment(index int, format abr.Format, trigger abr.Trigger, requestedAt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments = append(s.segments, Segment{
		Index:       index,
		Format:      format,
		RequestedAt: requestedAt,
		Trigger:     trigger,
	})
}

// RecordLoadDuration sets the load duration of the most recent request for
// the segment with the given index. It reports whether one was found.
func (s *Session) RecordLoadDuration(index int, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.segments) - 1; i >= 0; i-- {
		if s.segments[i].Index == index {
			s.segments[i].LoadDuration = d
			return true
		}
	}
	return false
}

// RecordTransfer logs a completed download.
func (s *Session) RecordTransfer(at time.Duration, bytes int64, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transfers = append(s.transfers, Transfer{At: at, Bytes: bytes, Elapsed: elapsed})
}

// BeginStall marks playback as blocked. It is ignored while already stalled.
func (s *Session) BeginStall(at time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stalled {
		return
	}
	s.stalled = true
	s.stallStart = at
}

// EndStall marks playback as resumed. The first stall of a session is the
// startup delay; later ones are rebuffers. It is ignored when not stalled.
func (s *Session) EndStall(at time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stalled {
		return
	}
	s.stalled = false
	s.endStallLocked(at)
}

// RecordStall logs a completed stall.
func (s *Session) RecordStall(start, end time.Duration) {
	if end < start {
		end = start
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stallStart = start
	s.stalled = false
	s.endStallLocked(end)
}

func (s *Session) endStallLocked(at time.Duration) {
	if !s.started {
		s.started = true
		s.startup = at - s.stallStart
		return
	}
	s.stalls = append(s.stalls, Stall{Start: s.stallStart, End: at})
}

// Stalled reports whether playback is currently blocked.
func (s *Session) Stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// Segments returns a copy of the segment log.
func (s *Session) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.segments)
}

// Stalls returns a copy of the completed rebuffers.
func (s *Session) Stalls() []Stall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.stalls)
}

// Score computes the session summary from the events recorded so far.
func (s *Session) Score() Score {
	s.mu.Lock()
	defer s.mu.Unlock()

	score := Score{
		Segments:     len(s.segments),
		StartupDelay: s.startup,
		Rebuffers:    len(s.stalls),
	}
	if s.started && s.stalled {
		// An open rebuffer counts even though its length is not known yet.
		score.Rebuffers++
	}
	for _, st := range s.stalls {
		score.RebufferDuration += st.Duration()
	}
	for _, tr := range s.transfers {
		score.Bytes += tr.Bytes
	}

	if len(s.segments) == 0 {
		return score
	}

	var sum float64
	for i, seg := range s.segments {
		sum += kbps(seg.Format.Bitrate)
		if i == 0 {
			continue
		}
		prev := s.segments[i-1].Format
		if prev.Bitrate != seg.Format.Bitrate {
			score.Switches++
			score.SwitchMagnitude += s.switchMagnitude(prev.Bitrate, seg.Format.Bitrate)
		}
	}
	score.AvgBitrateKbps = sum / float64(len(s.segments))

	if len(s.segments) > 1 {
		var sq float64
		for _, seg := range s.segments {
			d := kbps(seg.Format.Bitrate) - score.AvgBitrateKbps
			sq += d * d
		}
		score.BitrateVariance = sq / float64(len(s.segments)-1)
	}

	return score
}

// switchMagnitude is the ladder index distance between two bitrates. A
// bitrate missing from the ladder counts as a one-rung switch.
func (s *Session) switchMagnitude(from, to int64) int {
	i := abr.IndexOfBitrate(s.formats, from)
	j := abr.IndexOfBitrate(s.formats, to)
	if i < 0 || j < 0 {
		return 1
	}
	return int(math.Abs(float64(i - j)))
}

func kbps(bps int64) float64 {
	return float64(bps) / 1000
}

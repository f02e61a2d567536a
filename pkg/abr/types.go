// Package abr implements adaptive bitrate format selection for segmented
// media streaming.
package abr

import "time"

// NoEstimate is returned by a BandwidthEstimator that has no throughput
// sample yet.
const NoEstimate int64 = -1

// NoTruncation is the Evaluation.QueueSize value meaning no discard has been
// requested.
const NoTruncation = -1

// Trigger is the sticky reason code attached to a format selection.
type Trigger int

const (
	// TriggerInitial marks the selection made at the start of a session.
	TriggerInitial Trigger = iota
	// TriggerAdaptive marks a selection changed by the adaptation logic.
	TriggerAdaptive
)

// String returns a string representation of the Trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerInitial:
		return "Initial"
	case TriggerAdaptive:
		return "Adaptive"
	default:
		return "Unknown"
	}
}

// Format is one encoded representation (rung) of the ladder.
type Format struct {
	// ID is a free-form label, e.g. "720p". It does not take part in identity.
	ID string

	// Bitrate is the encoded bitrate in bits per second.
	Bitrate int64

	// Width and Height are the video resolution in pixels.
	Width  int
	Height int
}

// SameAs reports whether f and o describe the same representation.
// Identity is bitrate plus resolution.
func (f Format) SameAs(o Format) bool {
	return f.Bitrate == o.Bitrate && f.Width == o.Width && f.Height == o.Height
}

// Chunk is a read-only view of one buffered media segment covering
// [Start, End) in media time.
type Chunk struct {
	Start  time.Duration
	End    time.Duration
	Format Format
}

// BandwidthEstimator provides the current throughput estimate.
// Implementations may be updated from another goroutine; GetEstimate must be
// safe to call concurrently with those updates.
type BandwidthEstimator interface {
	// GetEstimate returns the estimate in bits per second, or NoEstimate.
	GetEstimate() int64
}

// EstimatorFunc adapts an ordinary function to the BandwidthEstimator interface.
type EstimatorFunc func() int64

// GetEstimate calls f.
func (f EstimatorFunc) GetEstimate() int64 {
	return f()
}

// Evaluation is the decision record shared between the chunk scheduler and a
// selector for the lifetime of one playback session.
//
// Format is nil until the first evaluation. Trigger is sticky: selectors only
// change it when Format changes. QueueSize stays NoTruncation unless a
// selector asks the scheduler to discard buffered chunks from that index on.
type Evaluation struct {
	Format    *Format
	Trigger   Trigger
	QueueSize int
}

// NewEvaluation returns the evaluation for a new session.
func NewEvaluation() *Evaluation {
	return &Evaluation{
		Trigger:   TriggerInitial,
		QueueSize: NoTruncation,
	}
}

// TakeQueueSize returns the requested queue length, if any, and clears the
// request so it is acted on once.
func (e *Evaluation) TakeQueueSize() (int, bool) {
	n := e.QueueSize
	e.QueueSize = NoTruncation
	if n == NoTruncation {
		return 0, false
	}
	return n, true
}

// bufferedDuration is the media time between the playback position and the
// end of the last queued chunk.
func bufferedDuration(queue []Chunk, playbackPosition time.Duration) time.Duration {
	if len(queue) == 0 {
		return 0
	}
	return queue[len(queue)-1].End - playbackPosition
}

// bufferedEndTime is the end time of the last queued chunk.
func bufferedEndTime(queue []Chunk) time.Duration {
	if len(queue) == 0 {
		return 0
	}
	return queue[len(queue)-1].End
}

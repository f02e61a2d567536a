package abr

import "time"

// Test ladder, descending by bitrate.
var (
	f1080 = Format{ID: "1080p", Bitrate: 5_000_000, Width: 1920, Height: 1080}
	f720  = Format{ID: "720p", Bitrate: 2_500_000, Width: 1280, Height: 720}
	f480  = Format{ID: "480p", Bitrate: 1_000_000, Width: 854, Height: 480}
	f360  = Format{ID: "360p", Bitrate: 500_000, Width: 640, Height: 360}
)

func testLadder() []Format {
	return []Format{f1080, f720, f480, f360}
}

// staticEstimator is a BandwidthEstimator whose estimate tests set directly.
type staticEstimator struct {
	estimate int64
}

func (e *staticEstimator) GetEstimate() int64 {
	return e.estimate
}

// queueOf builds count contiguous chunks of the given duration and format,
// starting at start.
func queueOf(start time.Duration, count int, chunkDuration time.Duration, f Format) []Chunk {
	queue := make([]Chunk, count)
	for i := range queue {
		queue[i] = Chunk{
			Start:  start + time.Duration(i)*chunkDuration,
			End:    start + time.Duration(i+1)*chunkDuration,
			Format: f,
		}
	}
	return queue
}

// bufferedQueue returns a single chunk ending buffered after position.
func bufferedQueue(position, buffered time.Duration, f Format) []Chunk {
	return []Chunk{{Start: position, End: position + buffered, Format: f}}
}

// formatPtr returns a pointer to a copy of f.
func formatPtr(f Format) *Format {
	return &f
}

// recordingObserver records selector callbacks.
type recordingObserver struct {
	switches []*Format
	discards []int
	phases   []Phase
}

func (o *recordingObserver) OnSwitch(_ Strategy, _, to *Format) {
	o.switches = append(o.switches, to)
}

func (o *recordingObserver) OnDiscard(_ Strategy, queueSize int) {
	o.discards = append(o.discards, queueSize)
}

func (o *recordingObserver) OnPhaseChange(phase Phase) {
	o.phases = append(o.phases, phase)
}

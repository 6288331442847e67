package stream

import "sync/atomic"

// Stats holds the counters of one engine run. All fields are updated by the
// loop goroutine and may be read concurrently.
type Stats struct {
	framesIn     atomic.Uint64
	framesOut    atomic.Uint64
	decodeErrors atomic.Uint64
	encodeErrors atomic.Uint64
	underruns    atomic.Uint64
	dropped      atomic.Uint64
	timeouts     atomic.Uint64
	retries      atomic.Uint64
	sinkErrors   atomic.Uint64
	sourceErrors atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	FramesIn     uint64 `json:"frames_in"`
	FramesOut    uint64 `json:"frames_out"`
	DecodeErrors uint64 `json:"decode_errors"`
	EncodeErrors uint64 `json:"encode_errors"`
	Underruns    uint64 `json:"underruns"`
	Dropped      uint64 `json:"dropped"`
	Timeouts     uint64 `json:"timeouts"`
	Retries      uint64 `json:"retries"`
	SinkErrors   uint64 `json:"sink_errors"`
	SourceErrors uint64 `json:"source_errors"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesIn:     s.framesIn.Load(),
		FramesOut:    s.framesOut.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		EncodeErrors: s.encodeErrors.Load(),
		Underruns:    s.underruns.Load(),
		Dropped:      s.dropped.Load(),
		Timeouts:     s.timeouts.Load(),
		Retries:      s.retries.Load(),
		SinkErrors:   s.sinkErrors.Load(),
		SourceErrors: s.sourceErrors.Load(),
	}
}

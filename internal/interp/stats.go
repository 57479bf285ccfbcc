package interp

import (
	"fmt"
	"io"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Stats collects an engine's counters for one task. Histograms track
// per-step latency (microseconds) and completed-path depth; the counters
// mirror the classic solver statistics surfaced in the info stream.
type Stats struct {
	Queries         uint64
	QueriesValid    uint64
	QueriesInvalid  uint64
	QueryCEX        uint64
	QueryConstructs uint64
	Instructions    uint64
	Forks           uint64
	CompletedPaths  uint64
	GeneratedTests  uint64

	stepLatency *hdrhistogram.Histogram
	pathDepth   *hdrhistogram.Histogram
}

// NewStats creates an empty statistics record.
func NewStats() *Stats {
	return &Stats{
		// 1us .. 10s, 3 significant figures.
		stepLatency: hdrhistogram.New(1, 10_000_000, 3),
		// depth 1 .. 1M branches.
		pathDepth: hdrhistogram.New(1, 1_000_000, 3),
	}
}

// RecordStep records one exploration step's duration.
func (s *Stats) RecordStep(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	_ = s.stepLatency.RecordValue(us)
}

// RecordPath records a completed path of the given depth.
func (s *Stats) RecordPath(depth int) {
	s.CompletedPaths++
	if depth < 1 {
		depth = 1
	}
	_ = s.pathDepth.RecordValue(int64(depth))
}

// WriteSummary appends the done-lines to the info stream.
func (s *Stats) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "done: explored paths = %d\n", 1+s.Forks)
	if s.Queries > 0 {
		fmt.Fprintf(w, "done: avg. constructs per query = %d\n", s.QueryConstructs/s.Queries)
	}
	fmt.Fprintf(w, "done: total queries = %d\n", s.Queries)
	fmt.Fprintf(w, "done: valid queries = %d\n", s.QueriesValid)
	fmt.Fprintf(w, "done: invalid queries = %d\n", s.QueriesInvalid)
	fmt.Fprintf(w, "done: query cex = %d\n", s.QueryCEX)
	fmt.Fprintf(w, "done: total instructions = %d\n", s.Instructions)
	fmt.Fprintf(w, "done: completed paths = %d\n", s.CompletedPaths)
	fmt.Fprintf(w, "done: generated tests = %d\n", s.GeneratedTests)
	if s.stepLatency.TotalCount() > 0 {
		fmt.Fprintf(w, "done: step latency p50/p99 = %dus/%dus\n",
			s.stepLatency.ValueAtQuantile(50), s.stepLatency.ValueAtQuantile(99))
	}
	if s.pathDepth.TotalCount() > 0 {
		fmt.Fprintf(w, "done: path depth max = %d mean = %.1f\n",
			s.pathDepth.Max(), s.pathDepth.Mean())
	}
}

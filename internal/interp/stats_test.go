package interp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsSummary(t *testing.T) {
	s := NewStats()
	s.Queries = 10
	s.QueriesValid = 8
	s.QueriesInvalid = 2
	s.QueryConstructs = 50
	s.Instructions = 123
	s.Forks = 7
	s.GeneratedTests = 8
	s.RecordStep(3 * time.Millisecond)
	s.RecordStep(5 * time.Millisecond)
	s.RecordPath(6)
	s.RecordPath(9)

	var sb strings.Builder
	s.WriteSummary(&sb)
	out := sb.String()

	assert.Contains(t, out, "explored paths = 8")
	assert.Contains(t, out, "avg. constructs per query = 5")
	assert.Contains(t, out, "total queries = 10")
	assert.Contains(t, out, "completed paths = 2")
	assert.Contains(t, out, "generated tests = 8")
	assert.Contains(t, out, "step latency p50/p99")
	assert.Contains(t, out, "path depth max = 9")
}

func TestStatsSummaryWithoutSamples(t *testing.T) {
	s := NewStats()
	var sb strings.Builder
	s.WriteSummary(&sb)
	// No histogram lines when nothing was recorded, no division by zero.
	assert.NotContains(t, sb.String(), "step latency")
}

func TestRecordStepClampsToMinimum(t *testing.T) {
	s := NewStats()
	s.RecordStep(0)
	var sb strings.Builder
	s.WriteSummary(&sb)
	assert.Contains(t, sb.String(), "step latency")
}

package progress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joey-zhou/xiaozhi-concurrent/internal/metrics"
)

func TestTrackerBuckets(t *testing.T) {
	tracker := NewTracker(3)

	tracker.Record(metrics.Event{SessionID: "s1", Phase: metrics.PhaseConnecting})
	tracker.Record(metrics.Event{SessionID: "s2", Phase: metrics.PhaseConnecting})
	tracker.Record(metrics.Event{SessionID: "s1", Phase: metrics.PhaseHandshaking})

	counts := tracker.Counts()
	assert.Equal(t, 1, counts[metrics.PhaseConnecting])
	assert.Equal(t, 1, counts[metrics.PhaseHandshaking])
	assert.Equal(t, 2, tracker.Active())
	assert.Equal(t, 0, tracker.Done())
}

func TestTrackerDone(t *testing.T) {
	tracker := NewTracker(2)
	tracker.Record(metrics.Event{SessionID: "s1", Phase: metrics.PhaseConnecting})
	tracker.Record(metrics.Event{SessionID: "s1", Phase: metrics.PhaseClosed})

	assert.Equal(t, 1, tracker.Done())
	assert.Equal(t, 0, tracker.Active())
	assert.Equal(t, 0, tracker.Counts()[metrics.PhaseConnecting])
}

func TestTrackerIgnoresFrameEvents(t *testing.T) {
	tracker := NewTracker(1)
	tracker.Record(metrics.Event{SessionID: "s1", Phase: metrics.PhaseStreaming, Seq: 7})
	assert.Equal(t, 0, tracker.Active())
}

func TestTrackerDuplicateTransition(t *testing.T) {
	tracker := NewTracker(1)
	tracker.Record(metrics.Event{SessionID: "s1", Phase: metrics.PhaseConnecting})
	tracker.Record(metrics.Event{SessionID: "s1", Phase: metrics.PhaseConnecting})
	assert.Equal(t, 1, tracker.Counts()[metrics.PhaseConnecting])
}

func TestBarRendering(t *testing.T) {
	tracker := NewTracker(4)
	tracker.Record(metrics.Event{SessionID: "s1", Phase: metrics.PhaseClosed})
	tracker.Record(metrics.Event{SessionID: "s2", Phase: metrics.PhaseClosed})

	bar := tracker.Bar(10)
	assert.Contains(t, bar, "2/4")
	assert.Contains(t, bar, "50.0%")
	assert.Equal(t, 5, strings.Count(bar, "█"))
}

func TestStatusLine(t *testing.T) {
	tracker := NewTracker(2)
	tracker.Record(metrics.Event{SessionID: "s1", Phase: metrics.PhaseConnecting})

	line := tracker.StatusLine()
	assert.Contains(t, line, "connecting:1")
	assert.Contains(t, line, "done:0")
}

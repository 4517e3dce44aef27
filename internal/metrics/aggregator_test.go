package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator() *Aggregator {
	return NewAggregator(DefaultAggregatorConfig())
}

// TestRecordIdempotent 同一事件重复投递只计一次
func TestRecordIdempotent(t *testing.T) {
	agg := newTestAggregator()
	ev := Event{
		SessionID: "xiaozhi-test-000001",
		Phase:     PhaseStreaming,
		Seq:       3,
		Timestamp: time.Now(),
		Bytes:     1920,
	}
	agg.Record(ev)
	agg.Record(ev)
	agg.Record(ev)

	snap := agg.Snapshot()
	assert.Equal(t, 1, snap.Frames.Received)
	assert.Equal(t, int64(1920), snap.Traffic.BytesReceived)
}

// TestOutcomeOncePerSession 每个会话只接受第一次结果
func TestOutcomeOncePerSession(t *testing.T) {
	agg := newTestAggregator()
	agg.RecordOutcome("s1", Outcome{Kind: OutcomeSuccess})
	agg.RecordOutcome("s1", Outcome{Kind: OutcomeFailed, Phase: PhaseConnecting})

	snap := agg.Snapshot()
	assert.Equal(t, 1, snap.Success)
	assert.Equal(t, 0, snap.Failed)
}

// TestUndefinedLatency 零样本时延迟未定义，而不是报告为0
func TestUndefinedLatency(t *testing.T) {
	agg := newTestAggregator()
	snap := agg.Snapshot()

	assert.False(t, snap.E2E.Defined())
	assert.False(t, snap.Latency[PhaseConnecting].Defined())
}

// TestBytesSentAccumulated 切换事件携带的发送字节数计入流量
func TestBytesSentAccumulated(t *testing.T) {
	agg := newTestAggregator()
	agg.Record(Event{SessionID: "s1", Phase: PhaseCollecting, Bytes: 9600})
	agg.Record(Event{SessionID: "s2", Phase: PhaseCollecting, Bytes: 9600})
	// 失败路径进入closed时补报残余发送量
	agg.Record(Event{SessionID: "s3", Phase: PhaseClosed, Bytes: 1920})

	snap := agg.Snapshot()
	assert.Equal(t, int64(2*9600+1920), snap.Traffic.BytesSent)
	assert.Equal(t, int64(0), snap.Traffic.BytesReceived)
}

// TestSnapshotRepeatableWhileRunning 未收口时无新事件的连续快照也一致
func TestSnapshotRepeatableWhileRunning(t *testing.T) {
	agg := newTestAggregator()
	agg.Record(Event{SessionID: "s1", Phase: PhaseConnecting})

	first := agg.Snapshot()
	time.Sleep(10 * time.Millisecond)
	second := agg.Snapshot()
	assert.Equal(t, first, second)
}

// TestSnapshotRepeatable 状态不变时连续快照结果一致
func TestSnapshotRepeatable(t *testing.T) {
	agg := newTestAggregator()
	agg.Record(Event{SessionID: "s1", Phase: PhaseHandshaking, Elapsed: 80 * time.Millisecond})
	agg.Record(Event{SessionID: "s1", Phase: PhaseStreaming, Seq: 1,
		Timestamp: time.Now(), Elapsed: 900 * time.Millisecond, Bytes: 1920})
	agg.RecordOutcome("s1", Outcome{Kind: OutcomeSuccess})
	agg.Stop()

	first := agg.Snapshot()
	second := agg.Snapshot()
	assert.Equal(t, first, second)
}

// TestPhaseLatencyAttribution 切换事件的耗时归属于上一阶段
func TestPhaseLatencyAttribution(t *testing.T) {
	agg := newTestAggregator()
	// 进入handshaking，携带connecting阶段耗时
	agg.Record(Event{SessionID: "s1", Phase: PhaseHandshaking, Elapsed: 50 * time.Millisecond})
	agg.Record(Event{SessionID: "s2", Phase: PhaseHandshaking, Elapsed: 150 * time.Millisecond})

	snap := agg.Snapshot()
	connect := snap.Latency[PhaseConnecting]
	require.True(t, connect.Defined())
	assert.Equal(t, 2, connect.Count)
	assert.Equal(t, 100*time.Millisecond, connect.Mean)
	assert.Equal(t, 50*time.Millisecond, connect.Min)
	assert.Equal(t, 150*time.Millisecond, connect.Max)

	// 失败路径进入closed不产生延迟样本
	agg.Record(Event{SessionID: "s3", Phase: PhaseClosed, Elapsed: 5 * time.Second})
	snap = agg.Snapshot()
	assert.Equal(t, 2, snap.Latency[PhaseConnecting].Count)
}

// TestDelayedFrameFraction 50帧中5帧延迟3倍 -> 10%
func TestDelayedFrameFraction(t *testing.T) {
	agg := newTestAggregator()
	now := time.Now()
	for i := 1; i <= 50; i++ {
		interval := 60 * time.Millisecond
		if i%10 == 0 {
			interval = 180 * time.Millisecond // 3倍标称间隔
		}
		agg.Record(Event{
			SessionID: "s1",
			Phase:     PhaseStreaming,
			Seq:       i,
			Timestamp: now.Add(time.Duration(i) * interval),
			Interval:  interval,
			Bytes:     1920,
		})
	}

	snap := agg.Snapshot()
	assert.Equal(t, 50, snap.Frames.Received)
	assert.Equal(t, 5, snap.Frames.Delayed)
	assert.InDelta(t, 0.10, snap.Frames.DelayedFraction(), 1e-9)
	assert.Equal(t, "fair", snap.Frames.Quality)
}

// TestIntervalSanityFilter 非法间隔不进入统计
func TestIntervalSanityFilter(t *testing.T) {
	agg := newTestAggregator()
	agg.Record(Event{SessionID: "s1", Phase: PhaseStreaming, Seq: 1,
		Interval: 2 * time.Second, Bytes: 1920})
	agg.Record(Event{SessionID: "s1", Phase: PhaseStreaming, Seq: 2,
		Interval: -time.Millisecond, Bytes: 1920})

	snap := agg.Snapshot()
	assert.Equal(t, 2, snap.Frames.Received)
	assert.Equal(t, 0, snap.Frames.Intervals.Count)
	assert.Equal(t, 0, snap.Frames.Delayed)
}

// TestOutcomeSum 结果四类计数之和等于会话总数
func TestOutcomeSum(t *testing.T) {
	agg := newTestAggregator()
	agg.RecordOutcome("a", Outcome{Kind: OutcomeSuccess})
	agg.RecordOutcome("b", Outcome{Kind: OutcomePartial, Phase: PhaseCollecting})
	agg.RecordOutcome("c", Outcome{Kind: OutcomeFailed, Phase: PhaseHandshaking, Reason: "protocol_error"})
	agg.RecordOutcome("d", Outcome{Kind: OutcomeTimedOut, Phase: PhaseHandshaking, Reason: "handshake_timeout"})

	snap := agg.Snapshot()
	assert.Equal(t, 4, snap.Completed())

	// 超时同时计入该阶段的失败
	hs := snap.Phases[PhaseHandshaking]
	assert.Equal(t, 2, hs.Failed)
	assert.Equal(t, 1, hs.TimedOut)
	assert.Equal(t, 1, snap.Errors["protocol_error"])
	assert.Equal(t, 1, snap.Errors["handshake_timeout"])
}

// TestTrafficWindow 速率按首帧到末帧的真实接收窗口计算
func TestTrafficWindow(t *testing.T) {
	agg := newTestAggregator()
	base := time.Now()
	agg.Record(Event{SessionID: "s1", Phase: PhaseStreaming, Seq: 1,
		Timestamp: base, Bytes: 1000})
	agg.Record(Event{SessionID: "s1", Phase: PhaseStreaming, Seq: 2,
		Timestamp: base.Add(2 * time.Second), Bytes: 1000})

	snap := agg.Snapshot()
	assert.Equal(t, int64(2000), snap.Traffic.BytesReceived)
	assert.Equal(t, 2*time.Second, snap.Traffic.Window)
	// 2000字节 / 2秒 = 8 kbps
	assert.InDelta(t, 8.0, snap.Traffic.AvgKbps, 0.01)
	assert.InDelta(t, 8.0, snap.Traffic.PeakKbps, 0.01)
}

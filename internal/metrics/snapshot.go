package metrics

import (
	"sort"
	"time"
)

// LatencyStats 一组延迟样本的统计量。
// Count为0时其余字段无意义，调用方通过Defined判断。
type LatencyStats struct {
	Count int
	Mean  time.Duration
	Min   time.Duration
	Max   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Defined 是否有样本支撑。零样本的延迟是未定义而非零。
func (s LatencyStats) Defined() bool { return s.Count > 0 }

// computeLatencyStats 从样本计算统计量，samples会被排序
func computeLatencyStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return LatencyStats{
		Count: len(samples),
		Mean:  sum / time.Duration(len(samples)),
		Min:   samples[0],
		Max:   samples[len(samples)-1],
		P95:   percentile(samples, 0.95),
		P99:   percentile(samples, 0.99),
	}
}

// percentile 最近秩法取分位数，samples必须已排序
func percentile(samples []time.Duration, p float64) time.Duration {
	idx := int(float64(len(samples))*p+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}

// PhaseStats 单个阶段的进入与失败计数
type PhaseStats struct {
	Entered  int
	Failed   int
	TimedOut int
}

// FrameStats 入站音频帧的时序统计
type FrameStats struct {
	Received  int
	Delayed   int
	Intervals LatencyStats
	Quality   string // excellent / good / fair / poor
}

// DelayedFraction 延迟帧占比
func (f FrameStats) DelayedFraction() float64 {
	if f.Received == 0 {
		return 0
	}
	return float64(f.Delayed) / float64(f.Received)
}

// TrafficStats 流量统计。速率按真实接收窗口计算，
// 即首帧到末帧的时间跨度，而非整个运行时长。
type TrafficStats struct {
	BytesSent     int64
	BytesReceived int64
	Window        time.Duration
	AvgKbps       float64
	PeakKbps      float64
}

// Snapshot 某一时刻指标的一致性快照，创建后不可变
type Snapshot struct {
	Success  int
	Partial  int
	Failed   int
	TimedOut int

	Latency map[Phase]LatencyStats // 各阶段延迟
	E2E     LatencyStats           // 用户感知延迟（发送完成到首帧）
	Phases  map[Phase]PhaseStats
	Frames  FrameStats
	Traffic TrafficStats
	Errors  map[string]int // 连接错误按类别计数

	Duration time.Duration
}

// Completed 已有最终结果的会话总数
func (s *Snapshot) Completed() int {
	return s.Success + s.Partial + s.Failed + s.TimedOut
}

package metrics

import (
	"fmt"
	"sync"
	"time"
)

// 帧间隔合法范围，超出视为计时噪声直接丢弃
const maxSaneFrameInterval = time.Second

// AggregatorConfig 聚合器配置
type AggregatorConfig struct {
	NominalFrameInterval time.Duration // 标称帧间隔（帧时长）
	DelayMultiplier      float64       // 超过标称×倍数算延迟帧
	QualityExcellent     float64       // 延迟帧占比阈值
	QualityGood          float64
	QualityFair          float64
}

// DefaultAggregatorConfig 返回默认配置
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		NominalFrameInterval: 60 * time.Millisecond,
		DelayMultiplier:      1.5,
		QualityExcellent:     0.05,
		QualityGood:          0.10,
		QualityFair:          0.20,
	}
}

// Aggregator 汇总全部会话的事件与结果。
// Record按事件标识幂等，RecordOutcome每个会话只生效一次。
type Aggregator struct {
	config AggregatorConfig

	mu           sync.Mutex
	startedAt    time.Time
	stoppedAt    time.Time
	lastActivity time.Time
	seen         map[string]struct{}
	outcomeSeen  map[string]struct{}

	outcomes map[OutcomeKind]int
	phases   map[Phase]*PhaseStats
	errors   map[string]int

	latency   map[Phase][]time.Duration
	e2e       []time.Duration
	intervals []time.Duration

	framesReceived int
	framesDelayed  int
	bytesReceived  int64
	bytesSent      int64
	firstFrameAt   time.Time
	lastFrameAt    time.Time
	bytesPerSecond map[int64]int64
}

// NewAggregator 创建聚合器，计时从创建时刻开始
func NewAggregator(config AggregatorConfig) *Aggregator {
	if config.NominalFrameInterval <= 0 {
		config = DefaultAggregatorConfig()
	}
	return &Aggregator{
		config:         config,
		startedAt:      time.Now(),
		seen:           make(map[string]struct{}),
		outcomeSeen:    make(map[string]struct{}),
		outcomes:       make(map[OutcomeKind]int),
		phases:         make(map[Phase]*PhaseStats),
		errors:         make(map[string]int),
		latency:        make(map[Phase][]time.Duration),
		bytesPerSecond: make(map[int64]int64),
	}
}

// Record 记录一次事件。重复投递同一事件不产生二次影响。
func (a *Aggregator) Record(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := fmt.Sprintf("%s/%d/%d", ev.SessionID, ev.Phase, ev.Seq)
	if _, dup := a.seen[key]; dup {
		return
	}
	a.seen[key] = struct{}{}
	a.lastActivity = time.Now()

	if ev.Seq == 0 {
		a.recordTransition(ev)
		return
	}
	a.recordFrame(ev)
}

func (a *Aggregator) recordTransition(ev Event) {
	stats := a.phases[ev.Phase]
	if stats == nil {
		stats = &PhaseStats{}
		a.phases[ev.Phase] = stats
	}
	stats.Entered++
	a.bytesSent += int64(ev.Bytes)

	// 正常前进时Elapsed是上一阶段耗时；失败路径进入closed不计入延迟样本
	if ev.Elapsed > 0 && ev.Phase != PhaseClosed && ev.Phase > PhaseConnecting {
		prev := ev.Phase - 1
		a.latency[prev] = append(a.latency[prev], ev.Elapsed)
	}
}

func (a *Aggregator) recordFrame(ev Event) {
	a.framesReceived++
	a.bytesReceived += int64(ev.Bytes)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if a.firstFrameAt.IsZero() || ts.Before(a.firstFrameAt) {
		a.firstFrameAt = ts
	}
	if ts.After(a.lastFrameAt) {
		a.lastFrameAt = ts
	}
	a.bytesPerSecond[ts.Unix()] += int64(ev.Bytes)

	// 首帧携带用户感知延迟
	if ev.Seq == 1 && ev.Elapsed > 0 {
		a.e2e = append(a.e2e, ev.Elapsed)
	}

	// 帧间隔做合法性过滤后再参与统计
	if ev.Interval > 0 && ev.Interval <= maxSaneFrameInterval {
		a.intervals = append(a.intervals, ev.Interval)
		threshold := time.Duration(float64(a.config.NominalFrameInterval) * a.config.DelayMultiplier)
		if ev.Interval > threshold {
			a.framesDelayed++
		}
	}
}

// RecordOutcome 记录会话最终结果，每个会话只接受第一次
func (a *Aggregator) RecordOutcome(sessionID string, o Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.outcomeSeen[sessionID]; dup {
		return
	}
	a.outcomeSeen[sessionID] = struct{}{}
	a.lastActivity = time.Now()

	a.outcomes[o.Kind]++

	switch o.Kind {
	case OutcomeFailed, OutcomeTimedOut:
		stats := a.phases[o.Phase]
		if stats == nil {
			stats = &PhaseStats{}
			a.phases[o.Phase] = stats
		}
		stats.Failed++
		if o.Kind == OutcomeTimedOut {
			stats.TimedOut++
		}
		if o.Reason != "" {
			a.errors[o.Reason]++
		}
	}
}

// Stop 冻结运行时长，之后的快照使用冻结值
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stoppedAt.IsZero() {
		a.stoppedAt = time.Now()
	}
}

// Snapshot 返回当前指标的一致性快照。
// 同一状态下连续调用返回相同结果。
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := &Snapshot{
		Success:  a.outcomes[OutcomeSuccess],
		Partial:  a.outcomes[OutcomePartial],
		Failed:   a.outcomes[OutcomeFailed],
		TimedOut: a.outcomes[OutcomeTimedOut],
		Latency:  make(map[Phase]LatencyStats, len(a.latency)),
		Phases:   make(map[Phase]PhaseStats, len(a.phases)),
		Errors:   make(map[string]int, len(a.errors)),
	}

	for phase, samples := range a.latency {
		snap.Latency[phase] = computeLatencyStats(copyDurations(samples))
	}
	snap.E2E = computeLatencyStats(copyDurations(a.e2e))
	for phase, stats := range a.phases {
		snap.Phases[phase] = *stats
	}
	for class, n := range a.errors {
		snap.Errors[class] = n
	}

	snap.Frames = FrameStats{
		Received:  a.framesReceived,
		Delayed:   a.framesDelayed,
		Intervals: computeLatencyStats(copyDurations(a.intervals)),
	}
	snap.Frames.Quality = a.grade(snap.Frames.DelayedFraction())

	snap.Traffic = a.trafficLocked()

	// 运行中用最后活动时刻计时长，状态不变时快照保持可重复
	switch {
	case !a.stoppedAt.IsZero():
		snap.Duration = a.stoppedAt.Sub(a.startedAt)
	case !a.lastActivity.IsZero():
		snap.Duration = a.lastActivity.Sub(a.startedAt)
	}
	return snap
}

func (a *Aggregator) trafficLocked() TrafficStats {
	traffic := TrafficStats{
		BytesReceived: a.bytesReceived,
		BytesSent:     a.bytesSent,
	}
	if a.firstFrameAt.IsZero() {
		return traffic
	}

	window := a.lastFrameAt.Sub(a.firstFrameAt)
	traffic.Window = window
	if window > 0 {
		traffic.AvgKbps = float64(a.bytesReceived) * 8 / 1000 / window.Seconds()
	}
	for _, bytes := range a.bytesPerSecond {
		kbps := float64(bytes) * 8 / 1000
		if kbps > traffic.PeakKbps {
			traffic.PeakKbps = kbps
		}
	}
	return traffic
}

func (a *Aggregator) grade(delayedFraction float64) string {
	switch {
	case delayedFraction < a.config.QualityExcellent:
		return "excellent"
	case delayedFraction < a.config.QualityGood:
		return "good"
	case delayedFraction < a.config.QualityFair:
		return "fair"
	default:
		return "poor"
	}
}

func copyDurations(src []time.Duration) []time.Duration {
	dst := make([]time.Duration, len(src))
	copy(dst, src)
	return dst
}

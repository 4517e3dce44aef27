// Package progress 维护实时进度视图。
// 跟踪器是事件流的纯投影，与聚合器消费同一份事件，互不依赖。
package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joey-zhou/xiaozhi-concurrent/internal/metrics"
)

// Tracker 按阶段统计在途会话数量
type Tracker struct {
	total     int
	startedAt time.Time

	mu      sync.Mutex
	current map[string]metrics.Phase // 会话当前所处阶段
	buckets map[metrics.Phase]int
	done    int
}

// NewTracker 创建进度跟踪器，total为计划的会话总数
func NewTracker(total int) *Tracker {
	return &Tracker{
		total:     total,
		startedAt: time.Now(),
		current:   make(map[string]metrics.Phase),
		buckets:   make(map[metrics.Phase]int),
	}
}

// Record 消费一次事件，只有阶段切换事件改变视图
func (t *Tracker) Record(ev metrics.Event) {
	if ev.Seq != 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.current[ev.SessionID]; ok {
		if prev == ev.Phase {
			return
		}
		t.buckets[prev]--
	}
	t.current[ev.SessionID] = ev.Phase

	if ev.Phase == metrics.PhaseClosed {
		t.done++
		return
	}
	t.buckets[ev.Phase]++
}

// Counts 返回各阶段在途数量的副本
func (t *Tracker) Counts() map[metrics.Phase]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[metrics.Phase]int, len(t.buckets))
	for phase, n := range t.buckets {
		out[phase] = n
	}
	return out
}

// Done 已结束的会话数
func (t *Tracker) Done() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Active 在途（已启动未结束）的会话数
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.current) - t.done
}

// Bar 渲染定宽进度条
func (t *Tracker) Bar(width int) string {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	if width <= 0 {
		width = 40
	}
	ratio := 0.0
	if t.total > 0 {
		ratio = float64(done) / float64(t.total)
	}
	filled := int(ratio * float64(width))
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %d/%d (%.1f%%)",
		strings.Repeat("█", filled),
		strings.Repeat("░", width-filled),
		done, t.total, ratio*100)
}

// StatusLine 渲染单行阶段分布
func (t *Tracker) StatusLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	order := []metrics.Phase{
		metrics.PhaseConnecting,
		metrics.PhaseHandshaking,
		metrics.PhaseWakeWord,
		metrics.PhaseStreaming,
		metrics.PhaseCollecting,
	}
	parts := make([]string, 0, len(order)+2)
	for _, phase := range order {
		parts = append(parts, fmt.Sprintf("%s:%d", phase, t.buckets[phase]))
	}
	parts = append(parts, fmt.Sprintf("done:%d", t.done))
	parts = append(parts, fmt.Sprintf("elapsed:%s", time.Since(t.startedAt).Round(time.Second)))
	return strings.Join(parts, "  ")
}

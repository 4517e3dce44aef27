// Package report 把最终指标快照渲染为终端可读的报告。
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/joey-zhou/xiaozhi-concurrent/internal/metrics"
)

const divider = "============================================================"

// 各阶段在报告中的展示顺序与名称
var phaseRows = []struct {
	phase metrics.Phase
	label string
}{
	{metrics.PhaseConnecting, "建立连接"},
	{metrics.PhaseHandshaking, "协议握手"},
	{metrics.PhaseWakeWord, "唤醒词识别"},
	{metrics.PhaseStreaming, "音频推流"},
	{metrics.PhaseCollecting, "应答收集"},
}

// Render 渲染完整的测试报告
func Render(snap *metrics.Snapshot, clients int) string {
	var b strings.Builder

	fmt.Fprintln(&b, divider)
	fmt.Fprintln(&b, "并发语音测试报告")
	fmt.Fprintln(&b, divider)

	fmt.Fprintf(&b, "客户端总数:   %d\n", clients)
	fmt.Fprintf(&b, "成功:         %d\n", snap.Success)
	fmt.Fprintf(&b, "部分成功:     %d\n", snap.Partial)
	fmt.Fprintf(&b, "失败:         %d\n", snap.Failed)
	fmt.Fprintf(&b, "超时:         %d\n", snap.TimedOut)
	fmt.Fprintf(&b, "运行时长:     %s\n", snap.Duration.Round(time.Millisecond))
	if clients > 0 {
		fmt.Fprintf(&b, "成功率:       %.1f%%\n", float64(snap.Success)/float64(clients)*100)
	}

	fmt.Fprintln(&b, "\n各阶段延迟 (毫秒)")
	fmt.Fprintf(&b, "%-12s %6s %8s %8s %8s %8s %8s\n",
		"阶段", "样本", "平均", "最小", "最大", "P95", "P99")
	for _, row := range phaseRows {
		writeLatencyRow(&b, row.label, snap.Latency[row.phase])
	}
	writeLatencyRow(&b, "用户感知", snap.E2E)

	fmt.Fprintln(&b, "\n应答帧时序")
	fmt.Fprintf(&b, "收到帧数:     %d\n", snap.Frames.Received)
	fmt.Fprintf(&b, "延迟帧数:     %d (%.1f%%)\n",
		snap.Frames.Delayed, snap.Frames.DelayedFraction()*100)
	fmt.Fprintf(&b, "传输质量:     %s\n", snap.Frames.Quality)
	if snap.Frames.Intervals.Defined() {
		fmt.Fprintf(&b, "帧间隔:       平均 %.1fms / P95 %.1fms\n",
			toMs(snap.Frames.Intervals.Mean), toMs(snap.Frames.Intervals.P95))
	}

	fmt.Fprintln(&b, "\n流量")
	fmt.Fprintf(&b, "发送字节:     %d\n", snap.Traffic.BytesSent)
	fmt.Fprintf(&b, "接收字节:     %d\n", snap.Traffic.BytesReceived)
	fmt.Fprintf(&b, "平均码率:     %.1f kbps\n", snap.Traffic.AvgKbps)
	fmt.Fprintf(&b, "峰值码率:     %.1f kbps\n", snap.Traffic.PeakKbps)

	if len(snap.Errors) > 0 {
		fmt.Fprintln(&b, "\n错误分布")
		for class, n := range snap.Errors {
			fmt.Fprintf(&b, "%-20s %d\n", class, n)
		}
	}

	fmt.Fprintln(&b, divider)
	return b.String()
}

func writeLatencyRow(b *strings.Builder, label string, stats metrics.LatencyStats) {
	if !stats.Defined() {
		fmt.Fprintf(b, "%-12s %6s\n", label, "无数据")
		return
	}
	fmt.Fprintf(b, "%-12s %6d %8.1f %8.1f %8.1f %8.1f %8.1f\n",
		label, stats.Count,
		toMs(stats.Mean), toMs(stats.Min), toMs(stats.Max),
		toMs(stats.P95), toMs(stats.P99))
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

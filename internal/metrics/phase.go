// Package metrics 定义测试事件模型与指标聚合器。
// 会话在每次阶段切换和每个入站音频帧处发出一个Event，
// 聚合器与进度跟踪器消费同一事件流。
package metrics

// Phase 客户端会话的协议阶段，只允许单调前进
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseHandshaking
	PhaseWakeWord
	PhaseStreaming
	PhaseCollecting
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseWakeWord:
		return "wake_word"
	case PhaseStreaming:
		return "streaming"
	case PhaseCollecting:
		return "collecting"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ValidTransition 校验阶段切换：只能前进到下一阶段，
// 或从任意未关闭阶段直接进入closed（失败/超时路径）。
func ValidTransition(from, to Phase) bool {
	if to == PhaseClosed {
		return from != PhaseClosed
	}
	return to == from+1 && to <= PhaseCollecting
}

package metrics

import "time"

// Event 会话产生的一次观测。
// Seq为0表示阶段切换事件，大于0表示第Seq个入站音频帧。
// 同一(SessionID, Phase, Seq)的事件至多计入一次。
type Event struct {
	SessionID string
	Phase     Phase
	Seq       int
	Timestamp time.Time
	// 阶段切换事件：上一阶段的耗时。
	// 首个音频帧事件：用户感知延迟（发送完成到首帧）。
	Elapsed  time.Duration
	Interval time.Duration // 帧事件：与上一帧的间隔
	// 阶段切换事件：上一阶段内发送的音频字节数。
	// 帧事件：该入站帧的字节数。
	Bytes int
}

// Sink 事件消费方
type Sink interface {
	Record(ev Event)
}

// MultiSink 把同一事件广播给多个消费方
type MultiSink []Sink

func (s MultiSink) Record(ev Event) {
	for _, sink := range s {
		sink.Record(ev)
	}
}

// OutcomeKind 会话的最终结果类型
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomePartial
	OutcomeFailed
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome 会话结束时的归档信息。
// Phase记录失败或超时发生时所处的阶段。
type Outcome struct {
	Kind   OutcomeKind
	Phase  Phase
	Reason string
}

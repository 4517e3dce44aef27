// Package session 实现单个模拟客户端的协议状态机：
// 建连、握手、唤醒词探测、音频推流、应答收集，直到产生最终结果。
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joey-zhou/xiaozhi-concurrent/internal/metrics"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/protocol"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/transport"
)

var (
	errResponseTimeout = errors.New("response collection timeout")
	errServerError     = errors.New("server reported error")
)

// Config 单个会话的运行参数
type Config struct {
	ServerURL string
	DeviceID  string
	WakeText  string

	SampleRate    int
	Channels      int
	FrameDuration time.Duration // 单帧时长
	Frames        [][]byte      // 待发送的音频帧，均为完整帧

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WakeTimeout      time.Duration
	ResponseTimeout  time.Duration // 推流开始后等待应答结束的总窗口
}

// Session 一个模拟客户端。单写者：状态只由Run所在协程修改。
type Session struct {
	config Config
	dialer transport.Dialer
	sink   metrics.Sink

	conn       transport.Conn
	phase      metrics.Phase
	phaseStart time.Time
	serverSID  string

	sentBytes     int // 已发送的音频字节数
	reportedBytes int // 已随事件上报的部分
}

// New 创建会话
func New(config Config, dialer transport.Dialer, sink metrics.Sink) *Session {
	return &Session{
		config: config,
		dialer: dialer,
		sink:   sink,
		phase:  metrics.PhaseIdle,
	}
}

// Run 执行完整的客户端流程并返回最终结果。
// 每次阶段切换与每个入站音频帧各产生一个事件。
func (s *Session) Run(ctx context.Context) metrics.Outcome {
	outcome := s.run(ctx)

	if s.phase != metrics.PhaseClosed {
		s.transition(metrics.PhaseClosed)
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	return outcome
}

func (s *Session) run(ctx context.Context) metrics.Outcome {
	// 建连
	s.transition(metrics.PhaseConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	conn, err := s.dialer.Dial(dialCtx, deviceURL(s.config.ServerURL, s.config.DeviceID))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return s.timedOut("canceled")
		}
		// 超出建连时限的按超时归档，连接被拒等其他失败才算connect_error
		if isTimeout(err) {
			return s.timedOut("connect_timeout")
		}
		return s.failed(err)
	}
	s.conn = conn

	// 握手
	s.transition(metrics.PhaseHandshaking)
	hello := protocol.NewHello(s.config.DeviceID, protocol.AudioParams{
		Format:        "pcm",
		SampleRate:    s.config.SampleRate,
		Channels:      s.config.Channels,
		FrameDuration: int(s.config.FrameDuration / time.Millisecond),
	})
	if err := s.sendMessage(hello); err != nil {
		return s.failed(err)
	}
	ack, err := s.awaitMessage(ctx, protocol.TypeHelloAck, s.config.HandshakeTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return s.timedOut("canceled")
		}
		if errors.Is(err, transport.ErrReceiveTimeout) {
			return s.timedOut("handshake_timeout")
		}
		return s.failed(err)
	}
	s.serverSID = ack.SessionID
	if s.serverSID == "" {
		s.serverSID = s.config.DeviceID
	}

	// 唤醒词探测
	s.transition(metrics.PhaseWakeWord)
	if err := s.sendMessage(protocol.NewWakeProbe(s.serverSID, s.config.WakeText)); err != nil {
		return s.failed(err)
	}
	if _, err := s.awaitMessage(ctx, protocol.TypeListenResult, s.config.WakeTimeout); err != nil {
		if ctx.Err() != nil {
			return s.timedOut("canceled")
		}
		if errors.Is(err, transport.ErrReceiveTimeout) {
			return s.timedOut("wake_timeout")
		}
		return s.failed(err)
	}

	// 音频推流，同时启动应答收集协程
	s.transition(metrics.PhaseStreaming)
	if err := s.sendMessage(protocol.NewListenStart()); err != nil {
		return s.failed(err)
	}

	var sendEnd atomic.Int64
	stopCh := make(chan struct{})
	resultCh := make(chan receiveResult, 1)
	deadline := time.Now().Add(s.config.ResponseTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	go s.collectResponses(ctx, deadline, &sendEnd, stopCh, resultCh)

	if err := s.streamFrames(ctx); err != nil {
		close(stopCh)
		// 关闭连接解除接收协程的阻塞读
		_ = s.conn.Close()
		if ctx.Err() != nil {
			return s.timedOut("canceled")
		}
		return s.failed(err)
	}
	sendEnd.Store(time.Now().UnixNano())

	// 应答收集
	s.transition(metrics.PhaseCollecting)
	select {
	case res := <-resultCh:
		return s.settle(res)
	case <-ctx.Done():
		close(stopCh)
		_ = s.conn.Close()
		return s.timedOut("canceled")
	}
}

// streamFrames 按目标时刻发送音频帧：第i帧的发送时刻固定为
// 起点+i×帧时长，睡眠残余时间，不累积漂移。
func (s *Session) streamFrames(ctx context.Context) error {
	start := time.Now()
	for i, frame := range s.config.Frames {
		target := start.Add(time.Duration(i) * s.config.FrameDuration)
		if wait := time.Until(target); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.conn.SendBinary(frame); err != nil {
			return err
		}
		s.sentBytes += len(frame)
	}
	return nil
}

type receiveResult struct {
	frames int
	err    error
}

// collectResponses 唯一的读取协程。统计入站音频帧，
// 收到tts stop收尾消息即成功返回。
// 每次读取等满到deadline的剩余窗口：读超时在底层连接上是终态，
// 超时后不能重试读取，所以超时即收口。提前放弃由对端关闭连接触发。
func (s *Session) collectResponses(ctx context.Context, deadline time.Time,
	sendEnd *atomic.Int64, stopCh <-chan struct{}, resultCh chan<- receiveResult) {

	var frames int
	var lastFrameAt time.Time

	finish := func(err error) {
		select {
		case resultCh <- receiveResult{frames: frames, err: err}:
		case <-stopCh:
		}
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			finish(errResponseTimeout)
			return
		}

		in, err := s.conn.Receive(remaining)
		if err != nil {
			if errors.Is(err, transport.ErrReceiveTimeout) {
				// 窗口被全局截止时间截短时按取消归档
				if ctx.Err() != nil {
					finish(ctx.Err())
				} else {
					finish(errResponseTimeout)
				}
				return
			}
			finish(err)
			return
		}

		switch in.Kind {
		case transport.KindBinary:
			frames++
			now := time.Now()
			ev := metrics.Event{
				SessionID: s.config.DeviceID,
				Phase:     metrics.PhaseStreaming,
				Seq:       frames,
				Timestamp: now,
				Bytes:     len(in.Data),
			}
			if frames == 1 {
				if end := sendEnd.Load(); end > 0 {
					ev.Elapsed = now.Sub(time.Unix(0, end))
				}
			} else {
				ev.Interval = now.Sub(lastFrameAt)
			}
			lastFrameAt = now
			s.sink.Record(ev)

		case transport.KindText:
			msg, err := protocol.Decode(in.Data)
			if err != nil {
				finish(err)
				return
			}
			if msg.Type == protocol.TypeError {
				finish(fmt.Errorf("%w: %s", errServerError, msg.Text))
				return
			}
			if msg.Type == protocol.TypeTTS && msg.State == protocol.TTSStop {
				finish(nil)
				return
			}
			// 其余过程性消息照原样跳过
		}
	}
}

// settle 把收集结果映射为会话结果。
// 应答超时但已收到部分音频算部分成功。
func (s *Session) settle(res receiveResult) metrics.Outcome {
	switch {
	case res.err == nil:
		return metrics.Outcome{Kind: metrics.OutcomeSuccess}
	case errors.Is(res.err, errResponseTimeout):
		if res.frames > 0 {
			return metrics.Outcome{
				Kind:   metrics.OutcomePartial,
				Phase:  metrics.PhaseCollecting,
				Reason: "response_timeout",
			}
		}
		return s.timedOut("response_timeout")
	case errors.Is(res.err, context.Canceled), errors.Is(res.err, context.DeadlineExceeded):
		return s.timedOut("canceled")
	default:
		return s.failed(res.err)
	}
}

// transition 切换阶段并发出事件。Elapsed为上一阶段耗时，
// Bytes为上一阶段内新发送的音频字节数。
func (s *Session) transition(to metrics.Phase) {
	if !metrics.ValidTransition(s.phase, to) {
		// 状态机自身的缺陷，直接暴露
		panic(fmt.Sprintf("invalid phase transition %s -> %s", s.phase, to))
	}
	now := time.Now()
	var elapsed time.Duration
	if s.phase != metrics.PhaseIdle {
		elapsed = now.Sub(s.phaseStart)
	}
	s.sink.Record(metrics.Event{
		SessionID: s.config.DeviceID,
		Phase:     to,
		Timestamp: now,
		Elapsed:   elapsed,
		Bytes:     s.sentBytes - s.reportedBytes,
	})
	s.reportedBytes = s.sentBytes
	s.phase = to
	s.phaseStart = now
}

func (s *Session) failed(err error) metrics.Outcome {
	return metrics.Outcome{
		Kind:   metrics.OutcomeFailed,
		Phase:  s.phase,
		Reason: reasonFor(err),
	}
}

func (s *Session) timedOut(reason string) metrics.Outcome {
	return metrics.Outcome{
		Kind:   metrics.OutcomeTimedOut,
		Phase:  s.phase,
		Reason: reason,
	}
}

// sendMessage 序列化并发送一条文本消息
func (s *Session) sendMessage(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.conn.SendText(data)
}

// awaitMessage 等待指定类型的应答。过程性消息与提早到达的
// 音频帧跳过；其他非预期消息按协议错误处理。
// 等待窗口同时受全局截止时间约束，全局超时不会卡在阶段超时上。
func (s *Session) awaitMessage(ctx context.Context, wantType string, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrReceiveTimeout
		}
		in, err := s.conn.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if in.Kind == transport.KindBinary {
			continue
		}
		msg, err := protocol.Decode(in.Data)
		if err != nil {
			return nil, err
		}
		if msg.Type == protocol.TypeError {
			return nil, fmt.Errorf("%w: %s", errServerError, msg.Text)
		}
		if msg.Informational() {
			continue
		}
		if msg.Type == wantType {
			return msg, nil
		}
		return nil, fmt.Errorf("%w: got %s while waiting for %s",
			protocol.ErrMalformedMessage, msg.Type, wantType)
	}
}

// reasonFor 把错误归入快照中的错误类别
func reasonFor(err error) string {
	var connectErr *transport.ConnectError
	var sendErr *transport.SendError
	var receiveErr *transport.ReceiveError
	switch {
	case errors.As(err, &connectErr):
		return "connect_error"
	case errors.As(err, &sendErr):
		return "send_error"
	case errors.As(err, &receiveErr):
		return "receive_error"
	case errors.Is(err, protocol.ErrMalformedMessage), errors.Is(err, protocol.ErrUnknownType):
		return "protocol_error"
	case errors.Is(err, errServerError):
		return "server_error"
	default:
		return "internal_error"
	}
}

// isTimeout 判断错误链上是否为超时
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// deviceURL 在连接地址上追加device-id参数
func deviceURL(base, deviceID string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "device-id=" + url.QueryEscape(deviceID)
}

package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joey-zhou/xiaozhi-concurrent/internal/audio"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/metrics"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/testserver"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/transport"
)

// captureSink 线程安全地收集事件供断言
type captureSink struct {
	mu     sync.Mutex
	events []metrics.Event
}

func (c *captureSink) Record(ev metrics.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) transitions() []metrics.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	var phases []metrics.Phase
	for _, ev := range c.events {
		if ev.Seq == 0 {
			phases = append(phases, ev.Phase)
		}
	}
	return phases
}

func (c *captureSink) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Seq > 0 {
			n++
		}
	}
	return n
}

func (c *captureSink) sentBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := 0
	for _, ev := range c.events {
		if ev.Seq == 0 {
			sum += ev.Bytes
		}
	}
	return sum
}

func startServer(t *testing.T, config *testserver.ServerConfig) *testserver.Server {
	t.Helper()
	server := testserver.New(config)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return server
}

func testConfig(serverURL string) Config {
	source := audio.NewSineSource(16000, 1, 300, 440)
	return Config{
		ServerURL:        serverURL,
		DeviceID:         "xiaozhi-test-000001",
		WakeText:         "你好小明",
		SampleRate:       16000,
		Channels:         1,
		FrameDuration:    60 * time.Millisecond,
		Frames:           source.Frames(1920),
		ConnectTimeout:   3 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		WakeTimeout:      3 * time.Second,
		ResponseTimeout:  5 * time.Second,
	}
}

// TestRunSuccess 完整成功链路：建连到收到tts stop
func TestRunSuccess(t *testing.T) {
	config := testserver.DefaultServerConfig("127.0.0.1:0")
	config.ResponseFrames = 5
	config.FrameInterval = 10 * time.Millisecond
	server := startServer(t, config)

	sink := &captureSink{}
	sess := New(testConfig(server.URL()), transport.NewWSDialer(nil), sink)
	outcome := sess.Run(context.Background())

	assert.Equal(t, metrics.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, []metrics.Phase{
		metrics.PhaseConnecting,
		metrics.PhaseHandshaking,
		metrics.PhaseWakeWord,
		metrics.PhaseStreaming,
		metrics.PhaseCollecting,
		metrics.PhaseClosed,
	}, sink.transitions())
	assert.Equal(t, 5, sink.frameCount())

	// 5帧×1920字节的发送量随切换事件上报
	assert.Equal(t, 5*1920, sink.sentBytes())
}

// TestRunDelayedResponse 服务端迟迟不给首个应答时仍能成功收齐
func TestRunDelayedResponse(t *testing.T) {
	config := testserver.DefaultServerConfig("127.0.0.1:0")
	config.ResponseFrames = 3
	config.FrameInterval = 10 * time.Millisecond
	config.ResponseDelay = 600 * time.Millisecond
	server := startServer(t, config)

	sink := &captureSink{}
	outcome := New(testConfig(server.URL()), transport.NewWSDialer(nil), sink).Run(context.Background())

	assert.Equal(t, metrics.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 3, sink.frameCount())
}

// TestRunMuteHello 服务端不回握手应答时在握手阶段判超时
func TestRunMuteHello(t *testing.T) {
	config := testserver.DefaultServerConfig("127.0.0.1:0")
	config.MuteHello = true
	server := startServer(t, config)

	sessConfig := testConfig(server.URL())
	sessConfig.HandshakeTimeout = 300 * time.Millisecond

	sink := &captureSink{}
	outcome := New(sessConfig, transport.NewWSDialer(nil), sink).Run(context.Background())

	assert.Equal(t, metrics.OutcomeTimedOut, outcome.Kind)
	assert.Equal(t, metrics.PhaseHandshaking, outcome.Phase)
	assert.Equal(t, "handshake_timeout", outcome.Reason)

	transitions := sink.transitions()
	assert.Equal(t, metrics.PhaseClosed, transitions[len(transitions)-1])
}

// TestRunPartial 应答超时但已收到部分音频帧算部分成功
func TestRunPartial(t *testing.T) {
	config := testserver.DefaultServerConfig("127.0.0.1:0")
	config.ResponseFrames = 3
	config.FrameInterval = 10 * time.Millisecond
	config.OmitStop = true
	server := startServer(t, config)

	sessConfig := testConfig(server.URL())
	sessConfig.ResponseTimeout = 1500 * time.Millisecond

	sink := &captureSink{}
	outcome := New(sessConfig, transport.NewWSDialer(nil), sink).Run(context.Background())

	assert.Equal(t, metrics.OutcomePartial, outcome.Kind)
	assert.Equal(t, metrics.PhaseCollecting, outcome.Phase)
	assert.Equal(t, 3, sink.frameCount())
}

// TestRunNoResponse 没有任何应答帧的超时按超时归档
func TestRunNoResponse(t *testing.T) {
	config := testserver.DefaultServerConfig("127.0.0.1:0")
	config.ResponseFrames = 0
	config.OmitStop = true
	server := startServer(t, config)

	sessConfig := testConfig(server.URL())
	sessConfig.ResponseTimeout = 800 * time.Millisecond

	outcome := New(sessConfig, transport.NewWSDialer(nil), &captureSink{}).Run(context.Background())

	assert.Equal(t, metrics.OutcomeTimedOut, outcome.Kind)
	assert.Equal(t, "response_timeout", outcome.Reason)
}

// TestRunConnectFailure 无法建连时按连接错误归档
func TestRunConnectFailure(t *testing.T) {
	sessConfig := testConfig("ws://127.0.0.1:1/ws/xiaozhi/v1/")
	sessConfig.ConnectTimeout = 500 * time.Millisecond

	outcome := New(sessConfig, transport.NewWSDialer(nil), &captureSink{}).Run(context.Background())

	assert.Equal(t, metrics.OutcomeFailed, outcome.Kind)
	assert.Equal(t, metrics.PhaseConnecting, outcome.Phase)
	assert.Equal(t, "connect_error", outcome.Reason)
}

// TestRunConnectTimeout 建连超出时限按超时而非失败归档
func TestRunConnectTimeout(t *testing.T) {
	// 裸TCP监听器：接受连接但不完成握手
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	sessConfig := testConfig("ws://" + listener.Addr().String() + "/ws/xiaozhi/v1/")
	sessConfig.ConnectTimeout = 300 * time.Millisecond

	outcome := New(sessConfig, transport.NewWSDialer(nil), &captureSink{}).Run(context.Background())

	assert.Equal(t, metrics.OutcomeTimedOut, outcome.Kind)
	assert.Equal(t, metrics.PhaseConnecting, outcome.Phase)
	assert.Equal(t, "connect_timeout", outcome.Reason)
}

// TestRunCanceled 运行上下文截止后按超时归档，
// 且不等满阶段自身的超时就返回
func TestRunCanceled(t *testing.T) {
	config := testserver.DefaultServerConfig("127.0.0.1:0")
	config.MuteHello = true
	server := startServer(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	sessConfig := testConfig(server.URL())
	sessConfig.HandshakeTimeout = 10 * time.Second

	start := time.Now()
	outcome := New(sessConfig, transport.NewWSDialer(nil), &captureSink{}).Run(ctx)

	assert.Equal(t, metrics.OutcomeTimedOut, outcome.Kind)
	assert.Equal(t, "canceled", outcome.Reason)
	assert.Less(t, time.Since(start), 2*time.Second)
}

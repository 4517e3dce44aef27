// Package testserver 提供协议兼容的模拟语音服务端，
// 用于单元测试与本地压测演练。行为可通过配置注入故障。
package testserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joey-zhou/xiaozhi-concurrent/internal/protocol"
)

// ServerConfig 模拟服务端配置
type ServerConfig struct {
	Addr string

	HelloDelay     time.Duration // 握手应答前的延迟
	MuteHello      bool          // 收到hello后不应答
	WakeDelay      time.Duration // 唤醒词应答前的延迟
	ResponseDelay  time.Duration // 收到音频后推送应答前的延迟
	ResponseFrames int           // 应答音频帧数
	FrameInterval  time.Duration // 应答帧发送间隔
	FrameSize      int           // 应答帧字节数
	// 指定帧序号的额外延迟，用于制造延迟帧
	DelayedFrames map[int]time.Duration
	OmitStop      bool // 不发送tts stop收尾消息
	StreamForever bool // 持续推流直到连接断开

	EnableRandomDisconnect bool
	DisconnectProbability  float64
	MaxConnections         int
	ReadBufferSize         int
	WriteBufferSize        int
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:            addr,
		ResponseFrames:  10,
		FrameInterval:   60 * time.Millisecond,
		FrameSize:       1920,
		MaxConnections:  1000,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// ConnectionStats 单连接统计
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	FramesReceived   atomic.Uint64
	BytesReceived    atomic.Uint64
	FramesSent       atomic.Uint64
}

// Connection 一个客户端连接
type Connection struct {
	ID       string
	DeviceID string
	Conn     *websocket.Conn
	Stats    *ConnectionStats

	stopChan   chan struct{}
	closeOnce  sync.Once
	streamOnce sync.Once
	mu         sync.Mutex // 串行化写入
}

func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Server 模拟语音服务端
type Server struct {
	config   *ServerConfig
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	sessionSeq       atomic.Uint64
	totalConnections atomic.Uint64
	isRunning        atomic.Bool
	startTime        time.Time
}

// New 创建模拟服务端
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig("127.0.0.1:0")
	}

	server := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/xiaozhi/v1/", server.handleWebSocket)
	mux.HandleFunc("/stats", server.handleStats)

	server.server = &http.Server{Handler: mux}
	return server
}

// Start 启动服务端。Addr端口为0时由系统分配，
// 启动后通过URL()取得实际连接地址。
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen %s failed: %w", s.config.Addr, err)
	}
	s.listener = listener

	log.Printf("Starting mock speech server on %s", listener.Addr())
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// URL 返回WebSocket连接地址
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s/ws/xiaozhi/v1/", s.listener.Addr())
}

// Shutdown 关闭服务端并等待所有连接处理协程退出
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), "server shutdown")
		return true
	})
	s.connWg.Wait()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("conn_%d", s.totalConnections.Add(1))
	conn := &Connection{
		ID:       connID,
		DeviceID: r.URL.Query().Get("device-id"),
		Conn:     wsConn,
		Stats:    &ConnectionStats{ConnectedAt: time.Now()},
		stopChan: make(chan struct{}),
	}

	s.connections.Store(connID, conn)
	s.connCount.Add(1)

	s.connWg.Add(1)
	go func() {
		defer func() {
			s.closeConnection(conn, "connection ended")
			s.connWg.Done()
		}()
		s.readLoop(conn)
	}()
}

// readLoop 单连接的读取循环，按协议应答
func (s *Server) readLoop(conn *Connection) {
	conn.Conn.SetReadLimit(512 * 1024)

	for {
		select {
		case <-conn.stopChan:
			return
		default:
		}

		conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		messageType, rawData, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Connection %s read error: %v", conn.ID, err)
			}
			return
		}

		conn.Stats.MessagesReceived.Add(1)
		conn.Stats.BytesReceived.Add(uint64(len(rawData)))

		switch messageType {
		case websocket.TextMessage:
			if !s.handleTextMessage(conn, rawData) {
				return
			}
		case websocket.BinaryMessage:
			conn.Stats.FramesReceived.Add(1)
			// 首个入站音频帧触发应答推流
			conn.streamOnce.Do(func() {
				s.connWg.Add(1)
				go func() {
					defer s.connWg.Done()
					s.streamResponse(conn)
				}()
			})
		}
	}
}

func (s *Server) handleTextMessage(conn *Connection, rawData []byte) bool {
	msg, err := protocol.Decode(rawData)
	if err != nil {
		log.Printf("Connection %s bad message: %v", conn.ID, err)
		s.sendJSON(conn, &protocol.Message{Type: protocol.TypeError, Text: "bad message"})
		return false
	}

	switch msg.Type {
	case protocol.TypeHello:
		if s.config.MuteHello {
			return true
		}
		if s.config.HelloDelay > 0 {
			time.Sleep(s.config.HelloDelay)
		}
		ack := &protocol.Message{
			Type:      protocol.TypeHelloAck,
			Version:   protocol.Version,
			SessionID: fmt.Sprintf("srv-%06d", s.sessionSeq.Add(1)),
		}
		return s.sendJSON(conn, ack) == nil

	case protocol.TypeListen:
		switch msg.State {
		case protocol.StateDetect:
			if s.config.WakeDelay > 0 {
				time.Sleep(s.config.WakeDelay)
			}
			result := &protocol.Message{
				Type: protocol.TypeListenResult,
				Text: msg.Text,
			}
			return s.sendJSON(conn, result) == nil
		case protocol.StateStart, protocol.StateStop:
			// 推流状态切换无需应答
		}
		return true

	default:
		return true
	}
}

// streamResponse 向客户端推送合成语音应答
func (s *Server) streamResponse(conn *Connection) {
	if s.config.ResponseDelay > 0 {
		select {
		case <-conn.stopChan:
			return
		case <-time.After(s.config.ResponseDelay):
		}
	}
	s.sendJSON(conn, &protocol.Message{Type: protocol.TypeSTT, Text: "你好小明"})
	s.sendJSON(conn, &protocol.Message{Type: protocol.TypeTTS, State: protocol.TTSStart})

	frame := make([]byte, s.config.FrameSize)
	for i := 0; s.config.StreamForever || i < s.config.ResponseFrames; i++ {
		if extra, ok := s.config.DelayedFrames[i]; ok {
			time.Sleep(extra)
		}
		select {
		case <-conn.stopChan:
			return
		case <-time.After(s.config.FrameInterval):
		}
		if err := s.sendBinary(conn, frame); err != nil {
			return
		}
		conn.Stats.FramesSent.Add(1)

		if s.config.EnableRandomDisconnect && s.shouldDisconnect() {
			log.Printf("Random disconnect: %s", conn.ID)
			s.closeConnection(conn, "random disconnect")
			return
		}
	}

	if !s.config.OmitStop {
		s.sendJSON(conn, &protocol.Message{Type: protocol.TypeTTS, State: protocol.TTSStop})
	}
}

func (s *Server) sendJSON(conn *Connection, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.Conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) sendBinary(conn *Connection, data []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.Conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); loaded {
		s.connCount.Add(-1)
	}

	conn.mu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	conn.Conn.Close()
	conn.mu.Unlock()

	conn.safeClose()
}

func (s *Server) shouldDisconnect() bool {
	return time.Now().UnixNano()%1000 < int64(s.config.DisconnectProbability*1000)
}

// handleStats 输出服务端统计信息
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"running": %t, "uptime_seconds": %.1f, "current_connections": %d, "total_connections": %d}`,
		s.isRunning.Load(),
		time.Since(s.startTime).Seconds(),
		s.connCount.Load(),
		s.totalConnections.Load())
}

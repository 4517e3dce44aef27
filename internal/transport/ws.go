package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialerConfig WebSocket拨号配置
type WSDialerConfig struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	EnableCompression bool
}

// DefaultWSDialerConfig 返回默认拨号配置
func DefaultWSDialerConfig() *WSDialerConfig {
	return &WSDialerConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// WSDialer gorilla/websocket实现的Dialer
type WSDialer struct {
	config *WSDialerConfig
}

// NewWSDialer 创建WebSocket拨号器
func NewWSDialer(config *WSDialerConfig) *WSDialer {
	if config == nil {
		config = DefaultWSDialerConfig()
	}
	return &WSDialer{config: config}
}

// Dial 建立WebSocket连接
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout:  d.config.HandshakeTimeout,
		EnableCompression: d.config.EnableCompression,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectError{URL: url, Err: err}
	}
	return &wsConn{
		conn:         conn,
		writeTimeout: d.config.WriteTimeout,
	}, nil
}

// wsConn 对gorilla连接的封装。
// gorilla要求同一时刻最多一个写入者和一个读取者，
// 写入用writeMu串行化，读取由调用方保证单读者。
type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) SendText(data []byte) error {
	return c.send(websocket.TextMessage, data)
}

func (c *wsConn) SendBinary(data []byte) error {
	return c.send(websocket.BinaryMessage, data)
}

func (c *wsConn) send(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// Receive 等待下一条消息。gorilla在读出错后连接永久不可读，
// 因此超时必须当作该连接上的最后一次读取。
func (c *wsConn) Receive(timeout time.Duration) (*Inbound, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrReceiveTimeout
		}
		return nil, &ReceiveError{Err: err}
	}

	switch messageType {
	case websocket.TextMessage:
		return &Inbound{Kind: KindText, Data: data}, nil
	case websocket.BinaryMessage:
		return &Inbound{Kind: KindBinary, Data: data}, nil
	default:
		// ping/pong/close由gorilla内部处理，不应到达这里
		return &Inbound{Kind: KindBinary, Data: data}, nil
	}
}

// Close 幂等关闭：先发close帧再关底层连接
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

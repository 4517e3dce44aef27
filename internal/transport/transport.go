// Package transport 定义会话与底层连接之间的能力接口，
// 并提供基于gorilla/websocket的实现。
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// 接收超时哨兵错误，调用方据此区分超时与连接故障
var ErrReceiveTimeout = errors.New("receive timeout")

// MessageKind 入站消息的载荷类型
type MessageKind int

const (
	KindText MessageKind = iota
	KindBinary
)

// Inbound 一条入站消息
type Inbound struct {
	Kind MessageKind
	Data []byte
}

// Conn 单个客户端会话持有的连接能力。
// 实现必须保证Close幂等；Send*与Receive可以并发调用。
type Conn interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
	// Receive 阻塞等待下一条消息，超过timeout返回ErrReceiveTimeout。
	// 读超时是终态：超时后连接不能再读，调用方只能关闭收口。
	Receive(timeout time.Duration) (*Inbound, error)
	Close() error
}

// Dialer 建立到目标服务端的连接
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ConnectError 建连失败
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s failed: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError 发送失败
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("send failed: %v", e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError 接收失败（非超时）
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string { return fmt.Sprintf("receive failed: %v", e.Err) }

func (e *ReceiveError) Unwrap() error { return e.Err }

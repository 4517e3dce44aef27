package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 协议版本号
const Version = 1

// 消息类型（与服务端线上协议逐字对齐，不可随意更改）
const (
	TypeHello        = "hello"
	TypeHelloAck     = "hello_ack"
	TypeListen       = "listen"
	TypeListenResult = "listen_result"
	TypeTTS          = "tts"
	TypeSTT          = "stt"
	TypeError        = "error"
)

// listen消息的state/mode取值
const (
	StateDetect = "detect"
	StateStart  = "start"
	StateStop   = "stop"

	ModeWakeWord = "wake_word"
	ModeManual   = "manual"
)

// tts消息的state取值
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSStop          = "stop"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type")
)

// AudioParams hello消息携带的音频参数
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"` // 毫秒
}

// Message 文本消息的统一表示，按type字段区分变体。
// 未用到的字段序列化时省略，保持与服务端的线上格式一致。
type Message struct {
	Type        string       `json:"type"`
	Version     int          `json:"version,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	State       string       `json:"state,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	Text        string       `json:"text,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// Encode 序列化为JSON
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message failed: %w", err)
	}
	return data, nil
}

// Decode 解析入站文本消息。无法解析或type未知时返回协议错误。
func Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedMessage)
	}
	if !knownType(msg.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return &msg, nil
}

func knownType(t string) bool {
	switch t {
	case TypeHello, TypeHelloAck, TypeListen, TypeListenResult,
		TypeTTS, TypeSTT, TypeError:
		return true
	}
	return false
}

// Informational 判断消息是否为可跳过的过程性消息。
// 等待特定应答期间，服务端可能穿插stt/tts中间消息，客户端照原样忽略。
func (m *Message) Informational() bool {
	switch m.Type {
	case TypeSTT:
		return true
	case TypeTTS:
		return m.State != TTSStop
	}
	return false
}

// NewHello 构造握手消息
func NewHello(sessionID string, params AudioParams) *Message {
	return &Message{
		Type:        TypeHello,
		Version:     Version,
		SessionID:   sessionID,
		AudioParams: &params,
	}
}

// NewWakeProbe 构造唤醒词探测消息
func NewWakeProbe(sessionID, text string) *Message {
	return &Message{
		Type:      TypeListen,
		State:     StateDetect,
		Mode:      ModeWakeWord,
		SessionID: sessionID,
		Text:      text,
	}
}

// NewListenStart 构造音频流开始消息
func NewListenStart() *Message {
	return &Message{
		Type:  TypeListen,
		State: StateStart,
		Mode:  ModeManual,
	}
}

// FrameSize 计算单个PCM音频帧的字节数（16位采样）
func FrameSize(sampleRate, channels, frameDurationMs int) int {
	return sampleRate * channels * 2 * frameDurationMs / 1000
}

// Package audio 提供负载测试用的PCM音频数据源。
// 没有外部音频文件时生成合成正弦波，保证每个客户端都有可发送的数据。
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Source 一段待发送的PCM音频（16位小端采样）
type Source struct {
	SampleRate int
	Channels   int
	Data       []byte
}

// NewSineSource 生成指定时长的正弦波PCM数据。
// frequency为音调频率（Hz），durationMs为总时长（毫秒）。
func NewSineSource(sampleRate, channels, durationMs int, frequency float64) *Source {
	samples := sampleRate * durationMs / 1000
	data := make([]byte, samples*channels*2)
	for i := 0; i < samples; i++ {
		// 0.3倍幅度，避免满幅削波
		v := math.Sin(2*math.Pi*frequency*float64(i)/float64(sampleRate)) * 0.3
		sample := int16(v * math.MaxInt16)
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			binary.LittleEndian.PutUint16(data[off:], uint16(sample))
		}
	}
	return &Source{SampleRate: sampleRate, Channels: channels, Data: data}
}

// LoadFile 从文件读取原始PCM数据
func LoadFile(path string, sampleRate, channels int) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio file failed: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("audio file %s is empty", path)
	}
	return &Source{SampleRate: sampleRate, Channels: channels, Data: data}, nil
}

// Frames 按帧大小切分音频数据。最后一帧不足时补零，
// 保证发出的每一帧都是完整帧。
func (s *Source) Frames(frameSize int) [][]byte {
	if frameSize <= 0 || len(s.Data) == 0 {
		return nil
	}
	n := (len(s.Data) + frameSize - 1) / frameSize
	frames := make([][]byte, 0, n)
	for off := 0; off < len(s.Data); off += frameSize {
		end := off + frameSize
		if end <= len(s.Data) {
			frames = append(frames, s.Data[off:end])
			continue
		}
		padded := make([]byte, frameSize)
		copy(padded, s.Data[off:])
		frames = append(frames, padded)
	}
	return frames
}

// SilenceFrame 返回一帧静音数据
func SilenceFrame(frameSize int) []byte {
	return make([]byte, frameSize)
}

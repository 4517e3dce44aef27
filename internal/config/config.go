// Package config 加载压测配置：默认值、YAML文件、环境变量三层叠加。
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 压测全量配置
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Load   LoadConfig   `mapstructure:"load"`
	Audio  AudioConfig  `mapstructure:"audio"`
	Timing TimingConfig `mapstructure:"timing"`
	Frames FramesConfig `mapstructure:"frames"`
	Wake   WakeConfig   `mapstructure:"wake"`
}

// ServerConfig 目标服务端
type ServerConfig struct {
	URL         string `mapstructure:"url"`
	MonitorAddr string `mapstructure:"monitor_addr"` // 为空时不启动监控接口
}

// LoadConfig 负载规模
type LoadConfig struct {
	Clients     int           `mapstructure:"clients"`
	Concurrency int           `mapstructure:"concurrency"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
	Preflight   bool          `mapstructure:"preflight"`
}

// AudioConfig 音频参数
type AudioConfig struct {
	File          string        `mapstructure:"file"` // 为空时生成合成音频
	SampleRate    int           `mapstructure:"sample_rate"`
	Channels      int           `mapstructure:"channels"`
	FrameDuration time.Duration `mapstructure:"frame_duration"`
	Duration      time.Duration `mapstructure:"duration"` // 合成音频总时长
	SineFrequency float64       `mapstructure:"sine_frequency"`
}

// TimingConfig 各阶段超时
type TimingConfig struct {
	Connect   time.Duration `mapstructure:"connect"`
	Handshake time.Duration `mapstructure:"handshake"`
	Wake      time.Duration `mapstructure:"wake"`
	Response  time.Duration `mapstructure:"response"`
}

// FramesConfig 帧时序判定
type FramesConfig struct {
	DelayMultiplier  float64 `mapstructure:"delay_multiplier"`
	QualityExcellent float64 `mapstructure:"quality_excellent"`
	QualityGood      float64 `mapstructure:"quality_good"`
	QualityFair      float64 `mapstructure:"quality_fair"`
}

// WakeConfig 唤醒词
type WakeConfig struct {
	Text string `mapstructure:"text"`
}

// Load 按默认搜索路径加载配置
func Load() (*Config, error) {
	config, _, err := loadFromFile()
	return config, err
}

func loadFromFile() (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("loadtest")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("XIAOZHI")
	v.AutomaticEnv()

	setDefaults(v)

	// 配置文件可缺省，全部走默认值
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}
	return &config, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://localhost:8091/ws/xiaozhi/v1/")
	v.SetDefault("server.monitor_addr", "")

	v.SetDefault("load.clients", 20)
	v.SetDefault("load.concurrency", 20)
	v.SetDefault("load.run_timeout", "120s")
	v.SetDefault("load.preflight", true)

	v.SetDefault("audio.file", "")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frame_duration", "60ms")
	v.SetDefault("audio.duration", "3s")
	v.SetDefault("audio.sine_frequency", 440.0)

	v.SetDefault("timing.connect", "10s")
	v.SetDefault("timing.handshake", "10s")
	v.SetDefault("timing.wake", "15s")
	v.SetDefault("timing.response", "30s")

	v.SetDefault("frames.delay_multiplier", 1.5)
	v.SetDefault("frames.quality_excellent", 0.05)
	v.SetDefault("frames.quality_good", 0.10)
	v.SetDefault("frames.quality_fair", 0.20)

	v.SetDefault("wake.text", "你好小明")
}

// Validate 校验配置的内在约束
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url不能为空")
	}
	if c.Load.Clients <= 0 {
		return fmt.Errorf("load.clients必须为正数，当前为%d", c.Load.Clients)
	}
	if c.Load.Concurrency <= 0 || c.Load.Concurrency > c.Load.Clients {
		return fmt.Errorf("load.concurrency必须在[1, %d]内，当前为%d",
			c.Load.Clients, c.Load.Concurrency)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 {
		return fmt.Errorf("音频参数必须为正数")
	}
	if c.Audio.FrameDuration <= 0 {
		return fmt.Errorf("audio.frame_duration必须为正数")
	}
	if c.Frames.DelayMultiplier <= 1.0 {
		return fmt.Errorf("frames.delay_multiplier必须大于1.0")
	}
	if !(c.Frames.QualityExcellent < c.Frames.QualityGood &&
		c.Frames.QualityGood < c.Frames.QualityFair) {
		return fmt.Errorf("质量阈值必须递增")
	}
	return nil
}

// Manager 带热更新的配置管理器
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	v        *viper.Viper
	watching bool
}

// NewManager 创建配置管理器
func NewManager() *Manager {
	return &Manager{}
}

// Get 获取配置，首次调用时加载
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config != nil {
		return m.config, nil
	}

	config, v, err := loadFromFile()
	if err != nil {
		return nil, err
	}
	m.config = config
	m.v = v
	return config, nil
}

// Watch 监控配置文件变化并自动重载
func (m *Manager) Watch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watching || m.v == nil {
		return
	}
	m.watching = true

	m.v.WatchConfig()
	m.v.OnConfigChange(func(e fsnotify.Event) {
		var config Config
		if err := m.v.Unmarshal(&config); err != nil {
			return
		}
		if err := config.Validate(); err != nil {
			return
		}
		m.mu.Lock()
		m.config = &config
		m.mu.Unlock()
	})
}

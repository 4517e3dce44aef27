package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joey-zhou/xiaozhi-concurrent/internal/audio"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/config"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/logger"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/metrics"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/monitor"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/protocol"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/report"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/runner"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/session"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/testserver"
)

func main() {
	logger.InitLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	var (
		mode        = flag.String("mode", "run", "运行模式: run, server")
		serverURL   = flag.String("server", cfg.Server.URL, "目标服务端地址")
		clients     = flag.Int("clients", cfg.Load.Clients, "客户端数量")
		concurrency = flag.Int("concurrency", cfg.Load.Concurrency, "并发上限")
		duration    = flag.Duration("duration", cfg.Load.RunTimeout, "全局运行超时")
		monitorAddr = flag.String("monitor-addr", cfg.Server.MonitorAddr, "监控接口地址，为空不启动")
		audioFile   = flag.String("audio", cfg.Audio.File, "原始PCM音频文件，为空时生成合成音频")
		listenAddr  = flag.String("addr", "127.0.0.1:8091", "server模式监听地址")
	)
	flag.Parse()

	cfg.Server.URL = *serverURL
	cfg.Load.Clients = *clients
	cfg.Load.Concurrency = *concurrency
	cfg.Load.RunTimeout = *duration
	cfg.Server.MonitorAddr = *monitorAddr
	cfg.Audio.File = *audioFile

	switch *mode {
	case "run":
		if err := runLoadTest(cfg); err != nil {
			log.Fatalf("压测失败: %v", err)
		}
	case "server":
		runMockServer(*listenAddr)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runLoadTest 执行一场完整压测并输出报告
func runLoadTest(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	frames, err := buildAudioFrames(cfg)
	if err != nil {
		return err
	}

	r, err := runner.New(runner.Config{
		Clients:     cfg.Load.Clients,
		Concurrency: cfg.Load.Concurrency,
		RunTimeout:  cfg.Load.RunTimeout,
		Preflight:   cfg.Load.Preflight,
		Session: session.Config{
			ServerURL:        cfg.Server.URL,
			WakeText:         cfg.Wake.Text,
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         cfg.Audio.Channels,
			FrameDuration:    cfg.Audio.FrameDuration,
			Frames:           frames,
			ConnectTimeout:   cfg.Timing.Connect,
			HandshakeTimeout: cfg.Timing.Handshake,
			WakeTimeout:      cfg.Timing.Wake,
			ResponseTimeout:  cfg.Timing.Response,
		},
		Metrics: metrics.AggregatorConfig{
			NominalFrameInterval: cfg.Audio.FrameDuration,
			DelayMultiplier:      cfg.Frames.DelayMultiplier,
			QualityExcellent:     cfg.Frames.QualityExcellent,
			QualityGood:          cfg.Frames.QualityGood,
			QualityFair:          cfg.Frames.QualityFair,
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.MonitorAddr != "" {
		mon := monitor.NewServer(cfg.Server.MonitorAddr, r.Aggregator(), r.Tracker())
		mon.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = mon.Shutdown(shutdownCtx)
		}()
	}

	// 实时进度显示
	displayDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-displayDone:
				return
			case <-ticker.C:
				fmt.Printf("\r%s  %s", r.Tracker().Bar(40), r.Tracker().StatusLine())
			}
		}
	}()

	snap, err := r.Run(ctx)
	close(displayDone)
	fmt.Println()
	if err != nil {
		return err
	}

	fmt.Print(report.Render(snap, cfg.Load.Clients))
	return nil
}

// buildAudioFrames 准备发送的音频帧：指定文件或合成正弦波
func buildAudioFrames(cfg *config.Config) ([][]byte, error) {
	var source *audio.Source
	if cfg.Audio.File != "" {
		var err error
		source, err = audio.LoadFile(cfg.Audio.File, cfg.Audio.SampleRate, cfg.Audio.Channels)
		if err != nil {
			return nil, err
		}
	} else {
		source = audio.NewSineSource(cfg.Audio.SampleRate, cfg.Audio.Channels,
			int(cfg.Audio.Duration/time.Millisecond), cfg.Audio.SineFrequency)
	}

	frameSize := protocol.FrameSize(cfg.Audio.SampleRate, cfg.Audio.Channels,
		int(cfg.Audio.FrameDuration/time.Millisecond))
	frames := source.Frames(frameSize)
	if len(frames) == 0 {
		return nil, fmt.Errorf("音频数据为空")
	}
	return frames, nil
}

// runMockServer 运行内置模拟语音服务端
func runMockServer(addr string) {
	serverConfig := testserver.DefaultServerConfig(addr)
	server := testserver.New(serverConfig)
	if err := server.Start(); err != nil {
		log.Fatalf("启动模拟服务端失败: %v", err)
	}
	log.Printf("模拟语音服务端已启动: %s", server.URL())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭模拟服务端失败: %v", err)
	}
}

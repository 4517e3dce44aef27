// Package runner 编排整场压测：按并发上限放行会话，
// 汇聚事件流，在全局超时后强制收口并产出快照。
package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joey-zhou/xiaozhi-concurrent/internal/metrics"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/progress"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/session"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/transport"
)

// 设备号格式，按启动序号递增
const deviceIDFormat = "xiaozhi-test-%06d"

// Config 压测编排配置
type Config struct {
	Clients     int
	Concurrency int
	RunTimeout  time.Duration

	// 启动前用指数退避探测服务端可达性
	Preflight        bool
	PreflightTimeout time.Duration

	Session session.Config // 会话模板，DeviceID按序号填充
	Metrics metrics.AggregatorConfig
}

// Runner 压测编排器
type Runner struct {
	config  Config
	dialer  transport.Dialer
	agg     *metrics.Aggregator
	tracker *progress.Tracker
	sink    metrics.Sink
}

// New 创建编排器。extraSinks会额外收到同一份事件流。
func New(config Config, extraSinks ...metrics.Sink) (*Runner, error) {
	if config.Clients <= 0 {
		return nil, fmt.Errorf("clients must be positive, got %d", config.Clients)
	}
	if config.Concurrency <= 0 || config.Concurrency > config.Clients {
		return nil, fmt.Errorf("concurrency must be in [1, %d], got %d",
			config.Clients, config.Concurrency)
	}

	agg := metrics.NewAggregator(config.Metrics)
	tracker := progress.NewTracker(config.Clients)
	sinks := metrics.MultiSink{agg, tracker}
	sinks = append(sinks, extraSinks...)

	return &Runner{
		config:  config,
		dialer:  transport.NewWSDialer(nil),
		agg:     agg,
		tracker: tracker,
		sink:    sinks,
	}, nil
}

// Tracker 返回进度视图，监控循环使用
func (r *Runner) Tracker() *progress.Tracker { return r.tracker }

// Aggregator 返回聚合器，监控接口取中途快照使用
func (r *Runner) Aggregator() *metrics.Aggregator { return r.agg }

// Run 执行整场压测并返回最终快照。
// 全局超时后在途会话以超时收口，未启动的会话直接记超时，
// 四类结果之和恒等于客户端总数。
func (r *Runner) Run(ctx context.Context) (*metrics.Snapshot, error) {
	if r.config.Preflight {
		if err := r.waitForServer(ctx); err != nil {
			return nil, fmt.Errorf("server preflight failed: %w", err)
		}
	}

	runCtx := ctx
	cancel := func() {}
	if r.config.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.config.RunTimeout)
	}
	defer cancel()

	log.Printf("Starting load test: %d clients, concurrency %d",
		r.config.Clients, r.config.Concurrency)

	sem := make(chan struct{}, r.config.Concurrency)
	var wg sync.WaitGroup

	launched := 0
	for i := 1; i <= r.config.Clients; i++ {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
		}
		if runCtx.Err() != nil {
			break
		}

		launched++
		deviceID := fmt.Sprintf(deviceIDFormat, i)
		sessConfig := r.config.Session
		sessConfig.DeviceID = deviceID

		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			outcome := session.New(sessConfig, r.dialer, r.sink).Run(runCtx)
			r.agg.RecordOutcome(deviceID, outcome)
		}()
	}

	// 超时前没来得及启动的会话也要进入总账
	for i := launched + 1; i <= r.config.Clients; i++ {
		r.agg.RecordOutcome(fmt.Sprintf(deviceIDFormat, i), metrics.Outcome{
			Kind:   metrics.OutcomeTimedOut,
			Phase:  metrics.PhaseIdle,
			Reason: "run_timeout",
		})
	}

	wg.Wait()
	r.agg.Stop()

	snap := r.agg.Snapshot()
	log.Printf("Load test finished: success=%d partial=%d failed=%d timed_out=%d",
		snap.Success, snap.Partial, snap.Failed, snap.TimedOut)
	return snap, nil
}

// waitForServer 以指数退避反复试连，直到服务端可达或超时
func (r *Runner) waitForServer(ctx context.Context) error {
	timeout := r.config.PreflightTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = timeout

	probe := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		conn, err := r.dialer.Dial(dialCtx, r.config.Session.ServerURL)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	return backoff.Retry(probe, backoff.WithContext(policy, ctx))
}

// Package monitor 在压测运行期间暴露HTTP状态接口，
// 外部工具可以轮询进度与中途指标快照。
package monitor

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/joey-zhou/xiaozhi-concurrent/internal/metrics"
	"github.com/joey-zhou/xiaozhi-concurrent/internal/progress"
)

// SnapshotSource 按需产出指标快照
type SnapshotSource interface {
	Snapshot() *metrics.Snapshot
}

// Server 状态接口服务
type Server struct {
	router  *mux.Router
	server  *http.Server
	source  SnapshotSource
	tracker *progress.Tracker
}

// NewServer 创建状态接口服务
func NewServer(addr string, source SnapshotSource, tracker *progress.Tracker) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		source:  source,
		tracker: tracker,
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/progress", s.progressHandler).Methods("GET")
	api.HandleFunc("/snapshot", s.snapshotHandler).Methods("GET")

	s.router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
}

// Start 启动服务，监听失败只记录日志
func (s *Server) Start() {
	go func() {
		log.Printf("Monitor API listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Monitor API error: %v", err)
		}
	}()
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler 返回HTTP处理器，测试使用
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	counts := s.tracker.Counts()
	buckets := make(map[string]int, len(counts))
	for phase, n := range counts {
		buckets[phase.String()] = n
	}
	s.writeJSON(w, map[string]interface{}{
		"buckets": buckets,
		"active":  s.tracker.Active(),
		"done":    s.tracker.Done(),
	})
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, renderSnapshot(s.source.Snapshot()))
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Write monitor response failed: %v", err)
	}
}

// latencyView 延迟统计的接口表示，时间单位毫秒
type latencyView struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean_ms"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

func toLatencyView(stats metrics.LatencyStats) *latencyView {
	if !stats.Defined() {
		return nil
	}
	ms := func(d time.Duration) float64 {
		return float64(d) / float64(time.Millisecond)
	}
	return &latencyView{
		Count: stats.Count,
		Mean:  ms(stats.Mean),
		Min:   ms(stats.Min),
		Max:   ms(stats.Max),
		P95:   ms(stats.P95),
		P99:   ms(stats.P99),
	}
}

func renderSnapshot(snap *metrics.Snapshot) map[string]interface{} {
	latency := make(map[string]*latencyView, len(snap.Latency))
	for phase, stats := range snap.Latency {
		latency[phase.String()] = toLatencyView(stats)
	}
	return map[string]interface{}{
		"outcomes": map[string]int{
			"success":   snap.Success,
			"partial":   snap.Partial,
			"failed":    snap.Failed,
			"timed_out": snap.TimedOut,
		},
		"latency_ms":   latency,
		"e2e":          toLatencyView(snap.E2E),
		"errors":       snap.Errors,
		"duration_sec": snap.Duration.Seconds(),
		"frames": map[string]interface{}{
			"received":         snap.Frames.Received,
			"delayed":          snap.Frames.Delayed,
			"delayed_fraction": snap.Frames.DelayedFraction(),
			"quality":          snap.Frames.Quality,
		},
		"traffic": map[string]interface{}{
			"bytes_sent":     snap.Traffic.BytesSent,
			"bytes_received": snap.Traffic.BytesReceived,
			"avg_kbps":       snap.Traffic.AvgKbps,
			"peak_kbps":      snap.Traffic.PeakKbps,
		},
	}
}

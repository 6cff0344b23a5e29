package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器
// 以 HTTP 端點曝露引擎統計，供外部監控拉取
type MetricsCollector struct {
	mu sync.RWMutex

	engine *Engine
	clock  *Slave // 時鐘 Slave，快照時間暫存器用;可為 nil
	logger *zap.Logger

	// 歷史記錄 (用於計算速率)
	requestHistory []requestSample
	maxHistory     int
}

type requestSample struct {
	timestamp time.Time
	requests  uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	EngineState string    `json:"engine_state"`
	Slaves      int       `json:"slaves"`
	Connections int64     `json:"connections"`

	TotalRequests   uint64  `json:"total_requests"`
	TotalExceptions uint64  `json:"total_exceptions"`
	DroppedFrames   uint64  `json:"dropped_frames"`
	RequestsPerSec  float64 `json:"requests_per_sec"`
	BytesReceived   uint64  `json:"bytes_received"`
	BytesSent       uint64  `json:"bytes_sent"`

	// 時鐘暫存器樣本
	ClockTime      string `json:"clock_time,omitempty"`
	ClockGMTOffset int32  `json:"clock_gmt_offset,omitempty"`
	ClockDaylight  bool   `json:"clock_daylight,omitempty"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(engine *Engine, clock *Slave, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		engine:     engine,
		clock:      clock,
		logger:     logger,
		maxHistory: 60, // 保留 60 個樣本計算每秒速率
	}
}

// Start 啟動背景取樣與 HTTP 伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	go m.sampleLoop()

	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// sampleLoop 每秒記錄一次請求數，供速率計算
func (m *MetricsCollector) sampleLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		sample := requestSample{
			timestamp: time.Now(),
			requests:  m.engine.Stats().RequestsTotal.Load(),
		}

		m.mu.Lock()
		m.requestHistory = append(m.requestHistory, sample)
		if len(m.requestHistory) > m.maxHistory {
			m.requestHistory = m.requestHistory[1:]
		}
		m.mu.Unlock()
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	stats := m.engine.Stats()

	snapshot := MetricsSnapshot{
		Timestamp:       time.Now(),
		Uptime:          time.Since(stats.StartTime).String(),
		EngineState:     m.engine.State().String(),
		Slaves:          m.engine.Registry().Count(),
		Connections:     stats.Connections.Load(),
		TotalRequests:   stats.RequestsTotal.Load(),
		TotalExceptions: stats.ExceptionsTotal.Load(),
		DroppedFrames:   stats.DroppedFrames.Load(),
		BytesReceived:   stats.BytesReceived.Load(),
		BytesSent:       stats.BytesSent.Load(),
	}

	// 每秒請求數 (使用最近的歷史記錄)
	m.mu.RLock()
	if len(m.requestHistory) >= 2 {
		first := m.requestHistory[0]
		last := m.requestHistory[len(m.requestHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / duration
		}
	}
	m.mu.RUnlock()

	// 時鐘暫存器樣本
	if m.clock != nil {
		bank := m.clock.Bank()
		if regs, err := bank.ReadInputRegisters(1, 8); err == nil {
			snapshot.ClockTime = fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
				regs[5], regs[4], regs[3], regs[2], regs[1], regs[0])
		}
		if off, err := bank.ReadInt32(1); err == nil {
			snapshot.ClockGMTOffset = off
		}
		if dst, err := bank.ReadCoil(1); err == nil {
			snapshot.ClockDaylight = dst
		}
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP mbtimed_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE mbtimed_uptime_seconds gauge\n")
	fmt.Fprintf(w, "mbtimed_uptime_seconds %f\n\n", time.Since(m.engine.Stats().StartTime).Seconds())

	fmt.Fprintf(w, "# HELP mbtimed_slaves Registered slaves\n")
	fmt.Fprintf(w, "# TYPE mbtimed_slaves gauge\n")
	fmt.Fprintf(w, "mbtimed_slaves %d\n\n", snapshot.Slaves)

	fmt.Fprintf(w, "# HELP mbtimed_connections Open TCP connections\n")
	fmt.Fprintf(w, "# TYPE mbtimed_connections gauge\n")
	fmt.Fprintf(w, "mbtimed_connections %d\n\n", snapshot.Connections)

	fmt.Fprintf(w, "# HELP mbtimed_requests_total Total number of requests\n")
	fmt.Fprintf(w, "# TYPE mbtimed_requests_total counter\n")
	fmt.Fprintf(w, "mbtimed_requests_total %d\n\n", snapshot.TotalRequests)

	fmt.Fprintf(w, "# HELP mbtimed_exceptions_total Requests answered with a Modbus exception\n")
	fmt.Fprintf(w, "# TYPE mbtimed_exceptions_total counter\n")
	fmt.Fprintf(w, "mbtimed_exceptions_total %d\n\n", snapshot.TotalExceptions)

	fmt.Fprintf(w, "# HELP mbtimed_dropped_frames_total Malformed or corrupt frames discarded\n")
	fmt.Fprintf(w, "# TYPE mbtimed_dropped_frames_total counter\n")
	fmt.Fprintf(w, "mbtimed_dropped_frames_total %d\n\n", snapshot.DroppedFrames)

	fmt.Fprintf(w, "# HELP mbtimed_requests_per_second Requests per second\n")
	fmt.Fprintf(w, "# TYPE mbtimed_requests_per_second gauge\n")
	fmt.Fprintf(w, "mbtimed_requests_per_second %f\n\n", snapshot.RequestsPerSec)

	fmt.Fprintf(w, "# HELP mbtimed_bytes_received_total Total bytes received\n")
	fmt.Fprintf(w, "# TYPE mbtimed_bytes_received_total counter\n")
	fmt.Fprintf(w, "mbtimed_bytes_received_total %d\n\n", snapshot.BytesReceived)

	fmt.Fprintf(w, "# HELP mbtimed_bytes_sent_total Total bytes sent\n")
	fmt.Fprintf(w, "# TYPE mbtimed_bytes_sent_total counter\n")
	fmt.Fprintf(w, "mbtimed_bytes_sent_total %d\n\n", snapshot.BytesSent)

	fmt.Fprintf(w, "# HELP mbtimed_clock_gmt_offset_seconds GMT offset held in the clock slave\n")
	fmt.Fprintf(w, "# TYPE mbtimed_clock_gmt_offset_seconds gauge\n")
	fmt.Fprintf(w, "mbtimed_clock_gmt_offset_seconds %d\n", snapshot.ClockGMTOffset)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	if !m.engine.IsOpen() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

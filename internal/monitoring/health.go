// Package monitoring serves health, status and Prometheus endpoints for a
// running forge process.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-forge/internal/logger"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"

	maxAlerts  = 100
	maxHistory = 1000
)

type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Devices     []string        `json:"devices"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type PerformanceInfo struct {
	Inferences      int       `json:"inferences"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	NonFinite       int       `json:"non_finite"`
	LastInference   time.Time `json:"last_inference"`
}

// Alert levels are info, warning, error and critical. Unresolved error
// alerts degrade the status; critical ones make it critical.
type Alert struct {
	Level      string     `json:"level"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type perfPoint struct {
	tokens   int
	duration time.Duration
}

// HealthMonitor tracks inference throughput and alerts and serves them
// over HTTP next to /metrics.
type HealthMonitor struct {
	startTime time.Time
	devices   []string
	server    *http.Server
	listener  net.Listener

	// LatencyAlert raises an error alert for slower inferences; zero
	// disables it.
	LatencyAlert time.Duration

	mu            sync.RWMutex
	alerts        []Alert
	history       []perfPoint
	nonFinite     int
	lastInference time.Time
}

func NewHealthMonitor(devices []string) *HealthMonitor {
	return &HealthMonitor{
		startTime:    time.Now(),
		devices:      slices.Clone(devices),
		LatencyAlert: 5 * time.Second,
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves in the background.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health monitor listen on %s: %w", addr, err)
	}
	hm.listener = ln
	hm.server = &http.Server{
		Handler:           hm.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Health monitor stopped", "error", err)
		}
	}()
	logger.Log.Info("Health monitor listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once Start has returned.
func (hm *HealthMonitor) Addr() net.Addr {
	if hm.listener == nil {
		return nil
	}
	return hm.listener.Addr()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server == nil {
		return nil
	}
	return hm.server.Shutdown(ctx)
}

// RecordInference adds one generation call to the throughput history.
func (hm *HealthMonitor) RecordInference(tokens int, duration time.Duration) {
	hm.mu.Lock()
	hm.lastInference = time.Now()
	hm.history = append(hm.history, perfPoint{tokens: tokens, duration: duration})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if hm.LatencyAlert > 0 && duration > hm.LatencyAlert {
		hm.AddAlert("error", "performance", fmt.Sprintf("high latency: %s for %d tokens", duration, tokens))
	}
}

// RecordNonFinite counts NaN or Inf activations seen by a trace.
func (hm *HealthMonitor) RecordNonFinite(n int) {
	if n <= 0 {
		return
	}
	hm.mu.Lock()
	hm.nonFinite += n
	hm.mu.Unlock()
	hm.AddAlert("critical", "engine", fmt.Sprintf("%d non-finite activations", n))
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := StatusHealthy
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = StatusCritical
			break
		}
		if a.Level == "error" {
			status = StatusDegraded
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Devices:     hm.devices,
		Performance: hm.performance(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()
	if alerts == nil {
		alerts = []Alert{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// performance must be called with mu held.
func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{
		Inferences:    len(hm.history),
		NonFinite:     hm.nonFinite,
		LastInference: hm.lastInference,
	}
	if len(hm.history) == 0 {
		return info
	}

	var tokens int
	var total time.Duration
	latencies := make([]float64, len(hm.history))
	for i, p := range hm.history {
		tokens += p.tokens
		total += p.duration
		latencies[i] = float64(p.duration.Nanoseconds()) / 1e6
	}
	slices.Sort(latencies)
	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)

	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = latencies[p95]
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}

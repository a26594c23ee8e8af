package workers

import (
	"sync"
	"time"

	"github.com/aescanero/opsquery/pkg/ports"
	"go.uber.org/zap"
)

// HealthMonitor periodically reports executor slot usage
type HealthMonitor struct {
	executor *ParallelExecutor
	interval time.Duration
	metrics  ports.MetricsCollector
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// HealthStatus represents the health status of the executor
type HealthStatus struct {
	Capacity  int       `json:"capacity"`
	InFlight  int       `json:"in_flight"`
	Available int       `json:"available"`
	Saturated bool      `json:"saturated"`
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(executor *ParallelExecutor, interval time.Duration, metrics ports.MetricsCollector, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		executor: executor,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.interval <= 0 {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})

	go h.run(h.stopCh)
}

// Stop stops the health monitor
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
}

// run is the main health monitoring loop
func (h *HealthMonitor) run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

// checkHealth logs executor status and records metrics
func (h *HealthMonitor) checkHealth() {
	status := h.GetStatus()

	h.logger.Debug("executor health check",
		zap.Int("capacity", status.Capacity),
		zap.Int("in_flight", status.InFlight),
		zap.Int("available", status.Available))

	if h.metrics != nil {
		h.metrics.RecordExecutorStatus(status.Capacity, status.InFlight)
	}

	if status.Saturated {
		h.logger.Warn("all executor slots are busy - consider raising max_concurrent",
			zap.Int("capacity", status.Capacity))
	}
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	capacity := h.executor.Capacity()
	inFlight := h.executor.InFlight()
	available := capacity - inFlight
	if available < 0 {
		available = 0
	}

	return &HealthStatus{
		Capacity:  capacity,
		InFlight:  inFlight,
		Available: available,
		Saturated: available == 0,
		Healthy:   capacity > 0,
		Timestamp: time.Now(),
	}
}

// IsHealthy returns true if the executor can accept work
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}

package obs

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// HealthChecker tracks component readiness and serves it as a health
// check. The bot is healthy once the market feed and the exchange
// gateway are both up; Kafka readiness only matters when publishing is
// configured.
type HealthChecker struct {
	logger       *zap.Logger
	mu           sync.RWMutex
	ready        bool
	feedReady    bool
	gatewayReady bool
	kafkaReady   bool
	usesKafka    bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		logger: logger,
		ready:  true,
	}
}

// SetFeedReady sets the market feed readiness status
func (h *HealthChecker) SetFeedReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feedReady = ready
}

// SetGatewayReady sets the exchange gateway readiness status
func (h *HealthChecker) SetGatewayReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gatewayReady = ready
}

// SetKafkaReady sets the Kafka client readiness status
func (h *HealthChecker) SetKafkaReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kafkaReady = ready
	h.usesKafka = true
}

// Shutdown marks the checker not ready so load balancers drain before
// the process exits.
func (h *HealthChecker) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = false
}

// Handler returns the /healthz handler.
func (h *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready := h.ready && h.feedReady && h.gatewayReady
		if h.usesKafka {
			ready = ready && h.kafkaReady
		}
		h.mu.RUnlock()

		if ready {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT_READY"))
		}
	}
}

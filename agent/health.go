package agent

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthState tracks the instance-local health flags served at /health.
// Instances flip Busy around long-running work so operators can see it
// in the registry's status views.
type HealthState struct {
	busy    atomic.Bool
	healthy atomic.Bool
}

// NewHealthState starts healthy and not busy.
func NewHealthState() *HealthState {
	s := &HealthState{}
	s.healthy.Store(true)
	return s
}

// SetBusy flips the busy flag.
func (s *HealthState) SetBusy(busy bool) { s.busy.Store(busy) }

// Busy reports the current busy flag.
func (s *HealthState) Busy() bool { return s.busy.Load() }

// SetHealthy flips the healthy flag.
func (s *HealthState) SetHealthy(healthy bool) { s.healthy.Store(healthy) }

// Handler returns the standard health endpoint every instance exposes.
// Responds 200 while healthy and 503 otherwise; the body always carries
// status, busy, and a unix timestamp.
func (s *HealthState) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if !s.healthy.Load() {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    status,
			"busy":      s.busy.Load(),
			"timestamp": float64(time.Now().UnixNano()) / 1e9,
		})
	})
}

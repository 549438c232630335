package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PowerAllocator periodically redistributes the simulated power budget
// across all registered instances. Allocation is proportional-fair with a
// fixed bonus for critical service types; the result is advisory and only
// biases selection scoring, it is not admission control.
type PowerAllocator struct {
	registry  *Registry
	status    *SystemStatus
	config    *Config
	logger    Logger
	telemetry Telemetry

	mu           sync.RWMutex
	distribution map[string]float64
}

// NewPowerAllocator wires an allocator to the registry and system status.
func NewPowerAllocator(registry *Registry, status *SystemStatus, config *Config, logger Logger, telemetry Telemetry) *PowerAllocator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &NoOpTelemetry{}
	}
	return &PowerAllocator{
		registry:     registry,
		status:       status,
		config:       config,
		logger:       logger,
		telemetry:    telemetry,
		distribution: map[string]float64{},
	}
}

// Run executes the allocation loop until the context is cancelled.
func (a *PowerAllocator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.config.Power.Interval)
	defer ticker.Stop()

	a.logger.Info("Power allocator started", map[string]interface{}{
		"interval":     a.config.Power.Interval.String(),
		"total_budget": a.config.Power.TotalBudget,
	})

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Power allocator stopped", nil)
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Tick performs one allocation pass. Exported so tests can drive the
// allocator without timers.
func (a *PowerAllocator) Tick() {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("Power allocator tick panicked", map[string]interface{}{
				"panic": fmt.Sprintf("%v", rec),
			})
		}
	}()

	critical := make(map[string]bool, len(a.config.Power.CriticalTypes))
	for _, serviceType := range a.config.Power.CriticalTypes {
		critical[serviceType] = true
	}

	distribution := a.registry.AllocatePower(a.config.Power.TotalBudget, critical, a.config.Power.CriticalBonus)

	total := 0.0
	for _, allocated := range distribution {
		total += allocated
	}

	var powerStatus string
	switch {
	case total < 30:
		powerStatus = PowerStatusCritical
	case total < 50:
		powerStatus = PowerStatusLow
	default:
		powerStatus = PowerStatusOptimal
	}
	a.status.setPower(powerStatus)

	a.mu.Lock()
	a.distribution = distribution
	a.mu.Unlock()

	a.telemetry.RecordMetric("power.total_allocated", total, nil)
	a.logger.Debug("Power allocation completed", map[string]interface{}{
		"total_allocated": total,
		"power_status":    powerStatus,
		"service_types":   len(distribution),
	})
}

// Distribution returns a copy of the latest per-type power allocation.
func (a *PowerAllocator) Distribution() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]float64, len(a.distribution))
	for serviceType, allocated := range a.distribution {
		out[serviceType] = allocated
	}
	return out
}

package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Operational and security level values exposed by GET /status.
const (
	OperationalFull     = "fully_operational"
	OperationalDegraded = "degraded"

	SecurityLevelStandard = "standard"
	SecurityLevelEnhanced = "enhanced"

	PowerStatusOptimal  = "optimal"
	PowerStatusLow      = "low"
	PowerStatusCritical = "critical"
)

// SystemStatus is the derived, read-only summary recomputed by the
// background loops and served by GET /status.
type SystemStatus struct {
	mu                sync.RWMutex
	operationalStatus string
	securityLevel     string
	powerStatus       string
	activeThreats     int
}

// SystemStatusView is a point-in-time copy of the system status.
type SystemStatusView struct {
	OperationalStatus string `json:"operational_status"`
	SecurityLevel     string `json:"security_level"`
	PowerStatus       string `json:"power_status"`
	ActiveThreats     int    `json:"active_threats"`
}

// NewSystemStatus returns the initial, all-clear system status.
func NewSystemStatus() *SystemStatus {
	return &SystemStatus{
		operationalStatus: OperationalFull,
		securityLevel:     SecurityLevelStandard,
		powerStatus:       PowerStatusOptimal,
	}
}

func (s *SystemStatus) setSecurity(threatsDetected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threatsDetected > 0 {
		s.operationalStatus = OperationalDegraded
		s.securityLevel = SecurityLevelEnhanced
	} else {
		s.operationalStatus = OperationalFull
		s.securityLevel = SecurityLevelStandard
	}
	s.activeThreats = threatsDetected
}

func (s *SystemStatus) setPower(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerStatus = status
}

// View returns a consistent copy of the status.
func (s *SystemStatus) View() SystemStatusView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SystemStatusView{
		OperationalStatus: s.operationalStatus,
		SecurityLevel:     s.securityLevel,
		PowerStatus:       s.powerStatus,
		ActiveThreats:     s.activeThreats,
	}
}

// HTTPProber probes instance /health endpoints over HTTP.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

// Probe implements Prober. Any 2xx response counts as alive.
func (p *HTTPProber) Probe(ctx context.Context, host string, port int) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/health", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// HealthMonitor runs the periodic health reconciliation loop: it demotes
// stale instances, probes unhealthy ones for recovery, sweeps the threat
// assessor over the fleet, purges long-abandoned entries, and refreshes the
// derived system status.
type HealthMonitor struct {
	registry  *Registry
	defense   *DefenseSystem
	status    *SystemStatus
	assessor  ThreatAssessor
	prober    Prober
	config    *Config
	logger    Logger
	telemetry Telemetry
}

// NewHealthMonitor wires a monitor to its collaborators. A nil assessor
// disables the threat sweep; a nil prober gets the default HTTP prober.
func NewHealthMonitor(registry *Registry, defense *DefenseSystem, status *SystemStatus, assessor ThreatAssessor, config *Config, logger Logger, telemetry Telemetry) *HealthMonitor {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &NoOpTelemetry{}
	}
	return &HealthMonitor{
		registry: registry,
		defense:  defense,
		status:   status,
		assessor: assessor,
		prober: &HTTPProber{
			Client:  &http.Client{},
			Timeout: config.Monitor.ProbeTimeout,
		},
		config:    config,
		logger:    logger,
		telemetry: telemetry,
	}
}

// SetProber replaces the recovery prober. Intended for tests.
func (m *HealthMonitor) SetProber(p Prober) {
	m.prober = p
}

// Run executes the monitor loop until the context is cancelled. A failing
// tick is logged and never terminates the loop.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Monitor.Interval)
	defer ticker.Stop()

	m.logger.Info("Health monitor started", map[string]interface{}{
		"interval":    m.config.Monitor.Interval.String(),
		"stale_after": m.config.Monitor.StaleAfter.String(),
	})

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped", nil)
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one reconciliation pass. Exported so tests can drive the
// monitor without timers.
func (m *HealthMonitor) Tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("Health monitor tick panicked", map[string]interface{}{
				"panic": fmt.Sprintf("%v", rec),
			})
		}
	}()

	start := time.Now()
	_, span := m.telemetry.StartSpan(ctx, "monitor.tick")
	defer span.End()

	demoted := m.registry.DemoteStale(m.config.Monitor.StaleAfter, m.config.Monitor.PowerDecay)
	if demoted > 0 {
		m.logger.Warn("Demoted stale instances", map[string]interface{}{
			"demoted": demoted,
		})
	}

	recovered := m.attemptRecovery(ctx)
	threats := m.sweepThreats()
	cleaned := m.registry.CleanupStale(m.config.Monitor.CleanupAfter)

	m.status.setSecurity(threats)

	m.telemetry.RecordMetric("monitor.demoted", float64(demoted), nil)
	m.telemetry.RecordMetric("monitor.recovered", float64(recovered), nil)
	m.telemetry.RecordMetric("monitor.threats", float64(threats), nil)
	m.telemetry.RecordMetric("monitor.tick_ms", float64(time.Since(start).Milliseconds()), nil)

	m.logger.Debug("Health monitor tick completed", map[string]interface{}{
		"demoted":   demoted,
		"recovered": recovered,
		"threats":   threats,
		"cleaned":   cleaned,
	})
}

// attemptRecovery probes every unhealthy instance and promotes the ones
// that answer. Probes run outside the registry lock with per-probe
// timeouts, so one hung service cannot stall the loop.
func (m *HealthMonitor) attemptRecovery(ctx context.Context) int {
	recovered := 0
	for _, target := range m.registry.UnhealthyTargets() {
		if ctx.Err() != nil {
			return recovered
		}
		if !m.prober.Probe(ctx, target.Host, target.Port) {
			continue
		}
		if m.registry.MarkRecovered(target.ServiceType, target.InstanceID, m.config.Monitor.RecoveryBoost, m.config.Power.TotalBudget) {
			recovered++
			m.logger.Info("Instance recovered", map[string]interface{}{
				"service_type": target.ServiceType,
				"instance_id":  target.InstanceID,
			})
		}
	}
	return recovered
}

// sweepThreats runs the assessor once per instance and records detections.
func (m *HealthMonitor) sweepThreats() int {
	if m.assessor == nil {
		return 0
	}

	detected := 0
	for _, instances := range m.registry.Snapshot() {
		for _, instance := range instances {
			threat := m.assessor.Assess(instance)
			if threat == nil {
				continue
			}
			detected++
			m.defense.RecordThreat(*threat)
			if threat.Escalates() {
				m.registry.MarkCompromised(instance.ServiceType, instance.InstanceID)
				m.logger.Warn("Instance marked compromised", map[string]interface{}{
					"service_type": instance.ServiceType,
					"instance_id":  instance.InstanceID,
					"threat_level": string(threat.Level),
				})
			}
		}
	}
	return detected
}

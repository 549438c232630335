package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobeacon/gobeacon/core"
)

// Agent keeps one service instance visible to the registry. It performs
// a single registration attempt, then runs a heartbeat loop and a
// self-health loop until Close is called. Registry outages never crash
// the instance: every call is best effort and logged.
type Agent struct {
	client *Client
	config *core.Config
	logger core.Logger

	serviceType string
	instanceID  int
	host        string
	port        int
	metadata    map[string]string

	// healthCheck reports whether the instance itself is healthy.
	// Defaults to probing the instance's own /health endpoint.
	healthCheck func(ctx context.Context) bool

	// metricsFunc, when set, supplies metrics for each heartbeat.
	metricsFunc func() map[string]float64

	// busyFunc, when set, supplies the busy flag for each heartbeat.
	busyFunc func() bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// probedBusy mirrors the busy flag seen on the last successful
	// self-probe. Used for heartbeats when no busyFunc is provided.
	probedBusy atomic.Bool

	reportDead sync.Once
}

// AgentOption customizes agent behavior.
type AgentOption func(*Agent)

// WithHealthCheck replaces the default self-probe with a custom check.
func WithHealthCheck(check func(ctx context.Context) bool) AgentOption {
	return func(a *Agent) { a.healthCheck = check }
}

// WithMetrics attaches a metrics supplier called on every heartbeat.
func WithMetrics(metrics func() map[string]float64) AgentOption {
	return func(a *Agent) { a.metricsFunc = metrics }
}

// WithBusy attaches a busy-flag supplier called on every heartbeat.
func WithBusy(busy func() bool) AgentOption {
	return func(a *Agent) { a.busyFunc = busy }
}

// New creates an agent for the given instance identity. Config and
// logger may be nil; defaults are applied.
func New(serviceType string, instanceID int, host string, port int, metadata map[string]string, config *core.Config, logger core.Logger, opts ...AgentOption) *Agent {
	if config == nil {
		config = core.DefaultConfig()
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	a := &Agent{
		client:      NewClient(config.Agent.RegistryURL, logger),
		config:      config,
		logger:      logger,
		serviceType: serviceType,
		instanceID:  instanceID,
		host:        host,
		port:        port,
		metadata:    metadata,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.healthCheck == nil {
		a.healthCheck = a.probeSelf
	}
	return a
}

// Start registers the instance and launches the background loops.
// Registration failure is logged but not fatal: the first heartbeat
// cannot resurrect an unknown instance, but a registry restart followed
// by re-registration from the operator side recovers the situation.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	a.started = true

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.client.Register(ctx, core.Registration{
		ServiceType: a.serviceType,
		InstanceID:  a.instanceID,
		Host:        a.host,
		Port:        a.port,
		Metadata:    a.metadata,
	}); err != nil {
		a.logger.Warn("Registration failed, continuing without registry", map[string]interface{}{
			"service_type": a.serviceType,
			"instance_id":  a.instanceID,
			"error":        err.Error(),
		})
	} else {
		a.logger.Info("Registered with registry", map[string]interface{}{
			"service_type": a.serviceType,
			"instance_id":  a.instanceID,
			"registry_url": a.config.Agent.RegistryURL,
		})
	}

	a.wg.Add(2)
	go a.heartbeatLoop(loopCtx)
	go a.selfCheckLoop(loopCtx)
	return nil
}

// Close stops the loops and reports the instance dead so the registry
// does not wait out the staleness window.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()

	a.markDead(ctx, "shutting down")
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Agent.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var metrics map[string]float64
			if a.metricsFunc != nil {
				metrics = a.metricsFunc()
			}
			busy := a.probedBusy.Load()
			if a.busyFunc != nil {
				busy = a.busyFunc()
			}

			if err := a.client.Heartbeat(ctx, a.serviceType, a.instanceID, busy, metrics); err != nil {
				a.logger.Warn("Heartbeat failed", map[string]interface{}{
					"service_type": a.serviceType,
					"instance_id":  a.instanceID,
					"error":        err.Error(),
				})
			}
		}
	}
}

// selfCheckLoop probes the instance's own health. After
// MaxSelfCheckFailures consecutive failures it reports the instance
// dead exactly once and exits; heartbeats stop mattering at that point
// because only an explicit status update leaves the dead state.
func (a *Agent) selfCheckLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Agent.SelfCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, a.config.Agent.SelfCheckTimeout)
			healthy := a.healthCheck(checkCtx)
			cancel()

			if healthy {
				failures = 0
				continue
			}

			failures++
			a.logger.Warn("Self health check failed", map[string]interface{}{
				"service_type": a.serviceType,
				"instance_id":  a.instanceID,
				"failures":     failures,
				"max_failures": a.config.Agent.MaxSelfCheckFailures,
			})

			if failures >= a.config.Agent.MaxSelfCheckFailures {
				a.markDead(ctx, fmt.Sprintf("%d consecutive self check failures", failures))
				return
			}
		}
	}
}

// markDead reports the dead status at most once per agent lifetime.
func (a *Agent) markDead(ctx context.Context, reason string) {
	a.reportDead.Do(func() {
		err := a.client.UpdateStatus(ctx, core.StatusUpdate{
			ServiceType: a.serviceType,
			InstanceID:  a.instanceID,
			Status:      core.StatusDead,
			Error:       reason,
		})
		if err != nil {
			a.logger.Error("Failed to report dead status", map[string]interface{}{
				"service_type": a.serviceType,
				"instance_id":  a.instanceID,
				"error":        err.Error(),
			})
			return
		}
		a.logger.Info("Reported dead status", map[string]interface{}{
			"service_type": a.serviceType,
			"instance_id":  a.instanceID,
			"reason":       reason,
		})
	})
}

// probeSelf is the default health check: GET the instance's own /health.
// On success the busy flag from the response carries over to the next
// heartbeats.
func (a *Agent) probeSelf(ctx context.Context) bool {
	target := fmt.Sprintf("http://%s:%d/health", a.host, a.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	var body struct {
		Busy bool `json:"busy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		a.probedBusy.Store(body.Busy)
	}
	return true
}

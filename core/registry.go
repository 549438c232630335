package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Registry is the authoritative in-memory store of service instances.
//
// State is deliberately memory-resident: a restarted registry rebuilds its
// view from re-registration and heartbeats. All mutation is serialized behind
// a single mutex; reads hand out copies so callers never observe concurrent
// updates. There is no cross-process replication - the design assumes exactly
// one live registry.
type Registry struct {
	mu       sync.RWMutex
	services map[string][]*ServiceInstance
	history  map[string]map[int]*statusHistory

	config *Config
	logger Logger

	// now is injectable so tests can age heartbeats without sleeping.
	now func() time.Time
}

// ProbeTarget identifies an instance the health monitor should probe.
type ProbeTarget struct {
	ServiceType string
	InstanceID  int
	Host        string
	Port        int
}

// NewRegistry creates an empty registry.
func NewRegistry(config *Config, logger Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Registry{
		services: make(map[string][]*ServiceInstance),
		history:  make(map[string]map[int]*statusHistory),
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Register upserts a service instance. Registering an existing
// (serviceType, instanceId) pair updates the record in place; it never
// creates a second entry. New instances start healthy at full power.
func (r *Registry) Register(ctx context.Context, reg Registration) (*ServiceInstance, error) {
	if err := reg.validate(); err != nil {
		return nil, err
	}

	host := reg.Host
	if host == "" {
		host = "localhost"
	}
	metadata := reg.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	instance := &ServiceInstance{
		ServiceType:    reg.ServiceType,
		InstanceID:     reg.InstanceID,
		Host:           host,
		Port:           reg.Port,
		LastHeartbeat:  now,
		Status:         StatusHealthy,
		Metadata:       metadata,
		Metrics:        map[string]float64{},
		PowerLevel:     r.config.Power.TotalBudget,
		SecurityStatus: SecuritySecure,
		RegisteredAt:   now,
	}

	bucket := r.services[reg.ServiceType]
	for i, existing := range bucket {
		if existing.InstanceID == reg.InstanceID {
			instance.RegisteredAt = existing.RegisteredAt
			bucket[i] = instance
			r.logger.Info("Service instance re-registered", map[string]interface{}{
				"service_type": reg.ServiceType,
				"instance_id":  reg.InstanceID,
				"host":         host,
				"port":         reg.Port,
			})
			out := instance.clone()
			return &out, nil
		}
	}

	r.services[reg.ServiceType] = append(bucket, instance)
	if r.history[reg.ServiceType] == nil {
		r.history[reg.ServiceType] = make(map[int]*statusHistory)
	}
	r.history[reg.ServiceType][reg.InstanceID] = &statusHistory{}

	r.logger.Info("Service instance registered", map[string]interface{}{
		"service_type": reg.ServiceType,
		"instance_id":  reg.InstanceID,
		"host":         host,
		"port":         reg.Port,
		"instances":    len(r.services[reg.ServiceType]),
	})

	out := instance.clone()
	return &out, nil
}

func (reg Registration) validate() error {
	if reg.ServiceType == "" {
		return &RegistryError{
			Op:   "registry.Register",
			Kind: "registry",
			Err:  fmt.Errorf("%w: service type is required", ErrInvalidRegistration),
		}
	}
	if reg.InstanceID < 0 {
		return &RegistryError{
			Op:   "registry.Register",
			Kind: "registry",
			Err:  fmt.Errorf("%w: instance id must not be negative", ErrInvalidRegistration),
		}
	}
	if reg.Port < 1 || reg.Port > 65535 {
		return &RegistryError{
			Op:   "registry.Register",
			Kind: "registry",
			Err:  fmt.Errorf("%w: port %d out of range", ErrInvalidRegistration, reg.Port),
		}
	}
	return nil
}

// Heartbeat records a liveness signal from an instance. A heartbeat always
// restores the instance to healthy and merges the reported metrics into the
// stored snapshot.
func (r *Registry) Heartbeat(ctx context.Context, serviceType string, instanceID int, busy bool, metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance := r.findLocked(serviceType, instanceID)
	if instance == nil {
		return &RegistryError{
			Op:   "registry.Heartbeat",
			Kind: "registry",
			ID:   fmt.Sprintf("%s/%d", serviceType, instanceID),
			Err:  ErrInstanceNotFound,
		}
	}

	r.setStatusLocked(instance, StatusHealthy)
	instance.LastHeartbeat = r.now()
	instance.Busy = busy
	for k, v := range metrics {
		instance.Metrics[k] = v
	}
	return nil
}

// UpdateStatus applies an explicit status report from an instance's agent.
// This is the only path that marks an instance dead.
func (r *Registry) UpdateStatus(ctx context.Context, update StatusUpdate) error {
	switch update.Status {
	case StatusHealthy, StatusUnhealthy, StatusDead:
	default:
		return &RegistryError{
			Op:   "registry.UpdateStatus",
			Kind: "registry",
			Err:  fmt.Errorf("%w: %q", ErrInvalidStatus, update.Status),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	instance := r.findLocked(update.ServiceType, update.InstanceID)
	if instance == nil {
		return &RegistryError{
			Op:   "registry.UpdateStatus",
			Kind: "registry",
			ID:   fmt.Sprintf("%s/%d", update.ServiceType, update.InstanceID),
			Err:  ErrInstanceNotFound,
		}
	}

	r.setStatusLocked(instance, update.Status)
	instance.Busy = update.Busy
	instance.LastHeartbeat = r.now()
	if update.Error != "" {
		instance.ErrorCount++
		instance.LastError = update.Error
	}

	if update.Status == StatusDead {
		r.logger.Warn("Instance reported dead by its agent", map[string]interface{}{
			"service_type": update.ServiceType,
			"instance_id":  update.InstanceID,
		})
	}
	return nil
}

// Instances returns a raw, unfiltered copy of the instances of a type.
// Unknown types yield an empty slice.
func (r *Registry) Instances(serviceType string) []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.services[serviceType]
	out := make([]ServiceInstance, 0, len(bucket))
	for _, instance := range bucket {
		out = append(out, instance.clone())
	}
	return out
}

// Snapshot returns a consistent copy of the whole registry.
func (r *Registry) Snapshot() map[string][]ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]ServiceInstance, len(r.services))
	for serviceType, bucket := range r.services {
		instances := make([]ServiceInstance, 0, len(bucket))
		for _, instance := range bucket {
			instances = append(instances, instance.clone())
		}
		out[serviceType] = instances
	}
	return out
}

// TotalInstances returns the number of registered instances across all types.
func (r *Registry) TotalInstances() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, bucket := range r.services {
		total += len(bucket)
	}
	return total
}

// Remove deletes an instance and its history. Removing the last instance of
// a type removes the type bucket entirely.
func (r *Registry) Remove(serviceType string, instanceID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.services[serviceType]
	for i, instance := range bucket {
		if instance.InstanceID == instanceID {
			r.services[serviceType] = append(bucket[:i], bucket[i+1:]...)
			r.dropLocked(serviceType, instanceID)
			return nil
		}
	}
	return &RegistryError{
		Op:   "registry.Remove",
		Kind: "registry",
		ID:   fmt.Sprintf("%s/%d", serviceType, instanceID),
		Err:  ErrInstanceNotFound,
	}
}

// History returns the recorded status transitions for an instance.
func (r *Registry) History(serviceType string, instanceID int) ([]StatusChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h := r.history[serviceType]; h != nil {
		if ring := h[instanceID]; ring != nil {
			return ring.list(), nil
		}
	}
	return nil, &RegistryError{
		Op:   "registry.History",
		Kind: "registry",
		ID:   fmt.Sprintf("%s/%d", serviceType, instanceID),
		Err:  ErrInstanceNotFound,
	}
}

// CleanupStale purges instances whose heartbeat age exceeds the threshold,
// returning how many were removed. Abandoned entries are otherwise kept as
// unhealthy-but-present so operators can still see them.
func (r *Registry) CleanupStale(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cleaned := 0
	for serviceType, bucket := range r.services {
		kept := bucket[:0]
		for _, instance := range bucket {
			if now.Sub(instance.LastHeartbeat) > olderThan {
				r.dropLocked(serviceType, instance.InstanceID)
				cleaned++
				continue
			}
			kept = append(kept, instance)
		}
		if len(kept) == 0 {
			delete(r.services, serviceType)
			delete(r.history, serviceType)
		} else {
			r.services[serviceType] = kept
		}
	}

	if cleaned > 0 {
		r.logger.Info("Purged long-idle instances", map[string]interface{}{
			"cleaned":   cleaned,
			"threshold": olderThan.String(),
		})
	}
	return cleaned
}

// DemoteStale marks every stale, non-dead instance unhealthy and decays its
// power level. The decay re-applies on every monitor tick an instance stays
// stale, matching the registry's advisory power semantics.
func (r *Registry) DemoteStale(olderThan time.Duration, decay float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	demoted := 0
	for _, bucket := range r.services {
		for _, instance := range bucket {
			if instance.Status == StatusDead {
				continue
			}
			if now.Sub(instance.LastHeartbeat) <= olderThan {
				continue
			}
			if instance.Status == StatusHealthy {
				r.setStatusLocked(instance, StatusUnhealthy)
				demoted++
			}
			instance.PowerLevel *= decay
		}
	}
	return demoted
}

// UnhealthyTargets lists the instances eligible for a recovery probe.
func (r *Registry) UnhealthyTargets() []ProbeTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []ProbeTarget
	for serviceType, bucket := range r.services {
		for _, instance := range bucket {
			if instance.Status != StatusUnhealthy {
				continue
			}
			targets = append(targets, ProbeTarget{
				ServiceType: serviceType,
				InstanceID:  instance.InstanceID,
				Host:        instance.Host,
				Port:        instance.Port,
			})
		}
	}
	return targets
}

// MarkRecovered promotes an unhealthy instance back to healthy after a
// successful probe, refreshing its heartbeat and boosting its power level
// up to the given cap. Returns false if the instance is gone or no longer
// unhealthy.
func (r *Registry) MarkRecovered(serviceType string, instanceID int, boost, maxPower float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance := r.findLocked(serviceType, instanceID)
	if instance == nil || instance.Status != StatusUnhealthy {
		return false
	}
	r.setStatusLocked(instance, StatusHealthy)
	instance.LastHeartbeat = r.now()
	instance.PowerLevel = min(maxPower, instance.PowerLevel*boost)
	return true
}

// MarkCompromised flags an instance after a high or critical threat.
func (r *Registry) MarkCompromised(serviceType string, instanceID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance := r.findLocked(serviceType, instanceID)
	if instance == nil {
		return false
	}
	instance.SecurityStatus = SecurityCompromised
	return true
}

// AllocatePower distributes the power budget evenly across all instances,
// with the configured bonus for critical service types, and returns the
// aggregate allocation per type.
func (r *Registry) AllocatePower(budget float64, critical map[string]bool, bonus float64) map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, bucket := range r.services {
		total += len(bucket)
	}

	distribution := make(map[string]float64, len(r.services))
	if total == 0 {
		return distribution
	}

	perInstance := budget / float64(total)
	for serviceType, bucket := range r.services {
		multiplier := 1.0
		if critical[serviceType] {
			multiplier = bonus
		}
		distribution[serviceType] = float64(len(bucket)) * perInstance * multiplier
		for _, instance := range bucket {
			instance.PowerLevel = perInstance * multiplier
		}
	}
	return distribution
}

// findLocked returns the live record, or nil. Callers must hold the lock.
func (r *Registry) findLocked(serviceType string, instanceID int) *ServiceInstance {
	for _, instance := range r.services[serviceType] {
		if instance.InstanceID == instanceID {
			return instance
		}
	}
	return nil
}

// setStatusLocked changes an instance's status, recording the transition in
// the bounded history ring. No-op when the status is unchanged.
func (r *Registry) setStatusLocked(instance *ServiceInstance, status Status) {
	if instance.Status == status {
		return
	}
	old := instance.Status
	instance.Status = status

	h := r.history[instance.ServiceType]
	if h == nil {
		h = make(map[int]*statusHistory)
		r.history[instance.ServiceType] = h
	}
	ring := h[instance.InstanceID]
	if ring == nil {
		ring = &statusHistory{}
		h[instance.InstanceID] = ring
	}
	ring.record(StatusChange{
		Timestamp: r.now(),
		OldStatus: old,
		NewStatus: status,
	})
}

// dropLocked removes an instance's history. Callers must hold the lock.
func (r *Registry) dropLocked(serviceType string, instanceID int) {
	if h := r.history[serviceType]; h != nil {
		delete(h, instanceID)
		if len(h) == 0 {
			delete(r.history, serviceType)
		}
	}
}

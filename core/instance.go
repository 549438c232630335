// Package core provides the core functionality of the GoBeacon registry:
// an in-memory service registry with health monitoring, power allocation,
// and health/power-scored instance selection.
package core

import (
	"fmt"
	"time"
)

// Status is the health state of a registered instance.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDead      Status = "dead"
)

// SecurityStatus reflects the last threat assessment of an instance.
type SecurityStatus string

const (
	SecuritySecure      SecurityStatus = "secure"
	SecurityCompromised SecurityStatus = "compromised"
)

// ServiceInstance is one registered process of a service type.
// Identity is the (ServiceType, InstanceID) pair; re-registration
// replaces the record in place.
type ServiceInstance struct {
	ServiceType    string             `json:"server"`
	InstanceID     int                `json:"instance_id"`
	Host           string             `json:"host"`
	Port           int                `json:"port"`
	LastHeartbeat  time.Time          `json:"last_heartbeat"`
	Status         Status             `json:"status"`
	Busy           bool               `json:"busy"`
	Metadata       map[string]string  `json:"metadata"`
	Metrics        map[string]float64 `json:"metrics"`
	PowerLevel     float64            `json:"power_level"`
	SecurityStatus SecurityStatus     `json:"security_status"`
	ErrorCount     int                `json:"error_count"`
	LastError      string             `json:"last_error,omitempty"`
	RegisteredAt   time.Time          `json:"registered_at"`
}

// URL returns the base URL callers use to reach the instance directly.
func (s *ServiceInstance) URL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// HeartbeatAge returns how long ago the instance last reported in.
func (s *ServiceInstance) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(s.LastHeartbeat)
}

// clone returns a deep copy so readers never observe concurrent mutation.
func (s *ServiceInstance) clone() ServiceInstance {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Metrics != nil {
		out.Metrics = make(map[string]float64, len(s.Metrics))
		for k, v := range s.Metrics {
			out.Metrics[k] = v
		}
	}
	return out
}

// StatusChange is one recorded health transition of an instance.
type StatusChange struct {
	Timestamp time.Time `json:"timestamp"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
}

// historyCapacity bounds the per-instance transition ring.
const historyCapacity = 100

// statusHistory is a bounded ring of status transitions, oldest dropped first.
type statusHistory struct {
	changes []StatusChange
}

func (h *statusHistory) record(c StatusChange) {
	h.changes = append(h.changes, c)
	if len(h.changes) > historyCapacity {
		h.changes = h.changes[len(h.changes)-historyCapacity:]
	}
}

func (h *statusHistory) list() []StatusChange {
	out := make([]StatusChange, len(h.changes))
	copy(out, h.changes)
	return out
}

// Registration is the payload accepted by Register.
type Registration struct {
	ServiceType string            `json:"server"`
	InstanceID  int               `json:"instance_id"`
	Host        string            `json:"host,omitempty"`
	Port        int               `json:"port"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// StatusUpdate is an explicit status report from an instance's own agent.
// Unlike heartbeats, it can demote an instance (including to dead) and
// attach an error for auditing.
type StatusUpdate struct {
	ServiceType string `json:"server"`
	InstanceID  int    `json:"instance_id"`
	Status      Status `json:"status"`
	Busy        bool   `json:"busy"`
	Error       string `json:"error,omitempty"`
}

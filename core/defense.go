package core

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ThreatLevel classifies a detected threat.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatModerate ThreatLevel = "moderate"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Threat is one detection recorded by the threat assessor.
type Threat struct {
	ID               string      `json:"id"`
	Level            ThreatLevel `json:"level"`
	Description      string      `json:"description"`
	AffectedServices []string    `json:"affected_services"`
	DetectedAt       time.Time   `json:"detected_at"`
}

// Escalates reports whether the threat compromises the affected instance.
func (t Threat) Escalates() bool {
	return t.Level == ThreatHigh || t.Level == ThreatCritical
}

// Defense protocol names. Wire names use underscores for compatibility with
// existing clients.
const (
	ProtocolLockdown           = "lockdown"
	ProtocolEnhancedMonitoring = "enhanced_monitoring"
	ProtocolAutoRecovery       = "auto_recovery"
)

// DefenseSystem holds process-wide defense state: the bounded list of
// detected threats and the named protocol flags.
type DefenseSystem struct {
	mu         sync.Mutex
	maxThreats int
	threats    []Threat
	protocols  map[string]bool
}

// NewDefenseSystem creates defense state with the default protocol flags.
func NewDefenseSystem(maxThreats int) *DefenseSystem {
	if maxThreats <= 0 {
		maxThreats = 100
	}
	return &DefenseSystem{
		maxThreats: maxThreats,
		protocols: map[string]bool{
			ProtocolLockdown:           false,
			ProtocolEnhancedMonitoring: false,
			ProtocolAutoRecovery:       true,
		},
	}
}

// RecordThreat appends a detection, dropping the oldest entry once the
// bound is reached.
func (d *DefenseSystem) RecordThreat(t Threat) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.threats = append(d.threats, t)
	if len(d.threats) > d.maxThreats {
		d.threats = d.threats[len(d.threats)-d.maxThreats:]
	}
}

// ActiveThreats returns a copy of the recorded threats.
func (d *DefenseSystem) ActiveThreats() []Threat {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Threat, len(d.threats))
	copy(out, d.threats)
	return out
}

// Protocols returns a copy of the protocol flag map.
func (d *DefenseSystem) Protocols() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]bool, len(d.protocols))
	for name, active := range d.protocols {
		out[name] = active
	}
	return out
}

// ActivateProtocol sets the named protocol flag. Unknown names fail; flags
// are never cleared automatically.
func (d *DefenseSystem) ActivateProtocol(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.protocols[name]; !ok {
		return &RegistryError{
			Op:   "defense.ActivateProtocol",
			Kind: "defense",
			ID:   name,
			Err:  ErrProtocolNotFound,
		}
	}
	d.protocols[name] = true
	return nil
}

// RandomAssessor is the reference ThreatAssessor: it flags a fixed fraction
// of evaluations with a random level and a canned description.
//
// This is a stochastic placeholder, not a security control. It exists so the
// defense plumbing has a default signal source; replace it with real anomaly
// detection before relying on securityStatus for anything.
type RandomAssessor struct {
	// SampleRate is the probability of flagging one evaluation. Zero
	// disables detection entirely.
	SampleRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomAssessor creates a placeholder assessor with the given sample rate.
func NewRandomAssessor(sampleRate float64) *RandomAssessor {
	return &RandomAssessor{
		SampleRate: sampleRate,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

var threatLevels = []ThreatLevel{ThreatLow, ThreatModerate, ThreatHigh, ThreatCritical}

// Assess implements ThreatAssessor.
func (a *RandomAssessor) Assess(instance ServiceInstance) *Threat {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.Float64() >= a.SampleRate {
		return nil
	}
	return &Threat{
		ID:               uuid.New().String(),
		Level:            threatLevels[a.rng.Intn(len(threatLevels))],
		Description:      fmt.Sprintf("anomalous behavior detected on %s/%d", instance.ServiceType, instance.InstanceID),
		AffectedServices: []string{instance.ServiceType},
		DetectedAt:       time.Now(),
	}
}

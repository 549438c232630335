package core

import (
	"context"
	"testing"
	"time"
)

// fakeProber answers probes from a fixed table keyed by host:port.
type fakeProber struct {
	alive  map[int]bool
	probed []int
}

func (p *fakeProber) Probe(ctx context.Context, host string, port int) bool {
	p.probed = append(p.probed, port)
	return p.alive[port]
}

// fakeAssessor flags a fixed set of instances at a fixed level.
type fakeAssessor struct {
	level ThreatLevel
	flag  map[string]bool
}

func (a *fakeAssessor) Assess(instance ServiceInstance) *Threat {
	key := instance.ServiceType
	if !a.flag[key] {
		return nil
	}
	return &Threat{
		ID:               "test-threat",
		Level:            a.level,
		Description:      "flagged by test assessor",
		AffectedServices: []string{key},
		DetectedAt:       time.Now(),
	}
}

func newTestMonitor(t *testing.T, assessor ThreatAssessor) (*HealthMonitor, *Registry, *DefenseSystem, *SystemStatus, *time.Time) {
	t.Helper()
	r, now := newTestRegistry(t)
	defense := NewDefenseSystem(100)
	status := NewSystemStatus()
	m := NewHealthMonitor(r, defense, status, assessor, DefaultConfig(), nil, nil)
	return m, r, defense, status, now
}

func TestTickDemotesStaleInstances(t *testing.T) {
	m, r, _, _, now := newTestMonitor(t, nil)
	mustRegister(t, r, "llm", 0, 8100)

	m.SetProber(&fakeProber{alive: map[int]bool{}})

	*now = now.Add(40 * time.Second)
	m.Tick(context.Background())

	instance := r.Instances("llm")[0]
	if instance.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy after stale tick, got %q", instance.Status)
	}
	if instance.PowerLevel != 80 {
		t.Errorf("expected decayed power 80, got %v", instance.PowerLevel)
	}
}

func TestTickRecoversRespondingInstances(t *testing.T) {
	m, r, _, _, now := newTestMonitor(t, nil)
	mustRegister(t, r, "llm", 0, 8100)
	mustRegister(t, r, "llm", 1, 8101)

	prober := &fakeProber{alive: map[int]bool{8100: true}}
	m.SetProber(prober)

	// Demotion and the recovery probe happen in the same pass; only
	// 8100 answers.
	*now = now.Add(40 * time.Second)
	m.Tick(context.Background())

	instances := r.Instances("llm")
	for _, instance := range instances {
		switch instance.InstanceID {
		case 0:
			if instance.Status != StatusHealthy {
				t.Errorf("instance 0 must recover, got %q", instance.Status)
			}
			// Decayed to 80, then boosted by 1.2 on recovery.
			if instance.PowerLevel != 96 {
				t.Errorf("expected recovery power 96, got %v", instance.PowerLevel)
			}
		case 1:
			if instance.Status != StatusUnhealthy {
				t.Errorf("instance 1 must stay unhealthy, got %q", instance.Status)
			}
		}
	}
	if len(prober.probed) == 0 {
		t.Errorf("expected probes to run")
	}
}

func TestTickSkipsDeadInstances(t *testing.T) {
	m, r, _, _, now := newTestMonitor(t, nil)
	mustRegister(t, r, "llm", 0, 8100)

	prober := &fakeProber{alive: map[int]bool{8100: true}}
	m.SetProber(prober)

	if err := r.UpdateStatus(context.Background(), StatusUpdate{
		ServiceType: "llm", InstanceID: 0, Status: StatusDead,
	}); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(time.Minute)
	m.Tick(context.Background())

	if got := r.Instances("llm")[0].Status; got != StatusDead {
		t.Errorf("dead instances must not be demoted or probed back, got %q", got)
	}
	if len(prober.probed) != 0 {
		t.Errorf("dead instances must not be probed, got %v", prober.probed)
	}
}

func TestTickMarksCompromisedOnHighThreat(t *testing.T) {
	assessor := &fakeAssessor{level: ThreatHigh, flag: map[string]bool{"llm": true}}
	m, r, defense, status, _ := newTestMonitor(t, assessor)
	mustRegister(t, r, "llm", 0, 8100)
	mustRegister(t, r, "vision", 0, 8300)

	m.SetProber(&fakeProber{alive: map[int]bool{}})
	m.Tick(context.Background())

	if got := r.Instances("llm")[0].SecurityStatus; got != SecurityCompromised {
		t.Errorf("high threat must compromise the instance, got %q", got)
	}
	if got := r.Instances("vision")[0].SecurityStatus; got != SecuritySecure {
		t.Errorf("unflagged instance must stay secure, got %q", got)
	}
	if got := len(defense.ActiveThreats()); got != 1 {
		t.Errorf("expected 1 recorded threat, got %d", got)
	}

	view := status.View()
	if view.SecurityLevel != SecurityLevelEnhanced {
		t.Errorf("threats must raise security level, got %q", view.SecurityLevel)
	}
	if view.OperationalStatus != OperationalDegraded {
		t.Errorf("threats must degrade operational status, got %q", view.OperationalStatus)
	}
	if view.ActiveThreats != 1 {
		t.Errorf("expected 1 active threat in view, got %d", view.ActiveThreats)
	}
}

func TestTickLowThreatDoesNotCompromise(t *testing.T) {
	assessor := &fakeAssessor{level: ThreatLow, flag: map[string]bool{"llm": true}}
	m, r, defense, _, _ := newTestMonitor(t, assessor)
	mustRegister(t, r, "llm", 0, 8100)

	m.SetProber(&fakeProber{alive: map[int]bool{}})
	m.Tick(context.Background())

	if got := r.Instances("llm")[0].SecurityStatus; got != SecuritySecure {
		t.Errorf("low threat must not compromise, got %q", got)
	}
	if got := len(defense.ActiveThreats()); got != 1 {
		t.Errorf("low threat must still be recorded, got %d", got)
	}
}

func TestTickClearsSecurityWhenQuiet(t *testing.T) {
	assessor := &fakeAssessor{level: ThreatHigh, flag: map[string]bool{"llm": true}}
	m, r, _, status, _ := newTestMonitor(t, assessor)
	mustRegister(t, r, "llm", 0, 8100)
	m.SetProber(&fakeProber{alive: map[int]bool{}})

	m.Tick(context.Background())
	if status.View().SecurityLevel != SecurityLevelEnhanced {
		t.Fatalf("expected enhanced security after detection")
	}

	assessor.flag = map[string]bool{}
	m.Tick(context.Background())

	view := status.View()
	if view.SecurityLevel != SecurityLevelStandard {
		t.Errorf("quiet sweep must restore standard security, got %q", view.SecurityLevel)
	}
	if view.OperationalStatus != OperationalFull {
		t.Errorf("quiet sweep must restore full operation, got %q", view.OperationalStatus)
	}
}

func TestTickPurgesAbandonedInstances(t *testing.T) {
	m, r, _, _, now := newTestMonitor(t, nil)
	mustRegister(t, r, "llm", 0, 8100)
	m.SetProber(&fakeProber{alive: map[int]bool{}})

	*now = now.Add(31 * time.Minute)
	m.Tick(context.Background())

	if r.TotalInstances() != 0 {
		t.Errorf("expected abandoned instance purged after cleanup threshold")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t, nil)
	m.config.Monitor.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after context cancellation")
	}
}

package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Walks one instance through its whole lifecycle against the monitor:
// register, get selected, go stale, become unavailable, answer a recovery
// probe, and get selected again.
func TestInstanceLifecycle(t *testing.T) {
	m, r, _, _, now := newTestMonitor(t, nil)
	prober := &fakeProber{alive: map[int]bool{}}
	m.SetProber(prober)
	ctx := context.Background()

	mustRegister(t, r, "llm", 0, 8100)

	instance, err := r.Select("llm", nil)
	if err != nil {
		t.Fatalf("fresh instance must be selectable: %v", err)
	}
	if instance.InstanceID != 0 {
		t.Fatalf("unexpected selection: %d", instance.InstanceID)
	}

	// Heartbeats stop; the next monitor pass demotes it.
	*now = now.Add(40 * time.Second)
	m.Tick(ctx)

	if _, err := r.Select("llm", nil); !errors.Is(err, ErrNoHealthyInstance) {
		t.Fatalf("stale instance must be unavailable, got %v", err)
	}

	// The service comes back and answers the recovery probe.
	prober.alive[8100] = true
	m.Tick(ctx)

	instance, err = r.Select("llm", nil)
	if err != nil {
		t.Fatalf("recovered instance must be selectable again: %v", err)
	}
	if instance.Status != StatusHealthy {
		t.Errorf("expected healthy after recovery, got %q", instance.Status)
	}

	// Two decay passes (0.8 each) then one 1.2 recovery boost.
	if got := instance.PowerLevel; got != 76.8 {
		t.Errorf("expected power 76.8 after decay and boost, got %v", got)
	}

	changes, err := r.History("llm", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected demotion and recovery transitions, got %d", len(changes))
	}
	if changes[0].NewStatus != StatusUnhealthy || changes[1].NewStatus != StatusHealthy {
		t.Errorf("unexpected transition sequence: %+v", changes)
	}
}

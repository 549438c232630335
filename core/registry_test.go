package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(DefaultConfig(), nil)
	r.now = func() time.Time { return now }
	return r, &now
}

func mustRegister(t *testing.T, r *Registry, serviceType string, id, port int) {
	t.Helper()
	_, err := r.Register(context.Background(), Registration{
		ServiceType: serviceType,
		InstanceID:  id,
		Port:        port,
	})
	if err != nil {
		t.Fatalf("Register(%s/%d) failed: %v", serviceType, id, err)
	}
}

func TestRegisterDefaultsAndInitialState(t *testing.T) {
	r, _ := newTestRegistry(t)

	instance, err := r.Register(context.Background(), Registration{
		ServiceType: "llm",
		InstanceID:  0,
		Port:        8100,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if instance.Host != "localhost" {
		t.Errorf("expected default host localhost, got %q", instance.Host)
	}
	if instance.Status != StatusHealthy {
		t.Errorf("expected healthy, got %q", instance.Status)
	}
	if instance.SecurityStatus != SecuritySecure {
		t.Errorf("expected secure, got %q", instance.SecurityStatus)
	}
	if instance.PowerLevel != 100 {
		t.Errorf("expected full power, got %v", instance.PowerLevel)
	}
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	r, now := newTestRegistry(t)

	first, err := r.Register(context.Background(), Registration{
		ServiceType: "functional",
		InstanceID:  2,
		Port:        8200,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	*now = now.Add(5 * time.Minute)
	second, err := r.Register(context.Background(), Registration{
		ServiceType: "functional",
		InstanceID:  2,
		Host:        "10.0.0.5",
		Port:        8201,
	})
	if err != nil {
		t.Fatalf("re-Register failed: %v", err)
	}

	if got := len(r.Instances("functional")); got != 1 {
		t.Fatalf("expected 1 instance after re-registration, got %d", got)
	}
	if second.Host != "10.0.0.5" || second.Port != 8201 {
		t.Errorf("re-registration did not update record: %+v", second)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Errorf("re-registration must preserve RegisteredAt")
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name string
		reg  Registration
	}{
		{"missing type", Registration{InstanceID: 0, Port: 8000}},
		{"negative id", Registration{ServiceType: "main", InstanceID: -1, Port: 8000}},
		{"zero port", Registration{ServiceType: "main", InstanceID: 0, Port: 0}},
		{"port too large", Registration{ServiceType: "main", InstanceID: 0, Port: 70000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Register(ctx, tc.reg); !errors.Is(err, ErrInvalidRegistration) {
				t.Errorf("expected ErrInvalidRegistration, got %v", err)
			}
		})
	}
}

func TestHeartbeatRestoresHealthy(t *testing.T) {
	r, now := newTestRegistry(t)
	mustRegister(t, r, "llm", 0, 8100)

	*now = now.Add(40 * time.Second)
	r.DemoteStale(30*time.Second, 0.8)

	if got := r.Instances("llm")[0].Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy after demotion, got %q", got)
	}

	err := r.Heartbeat(context.Background(), "llm", 0, true, map[string]float64{"cpu": 0.4})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	instance := r.Instances("llm")[0]
	if instance.Status != StatusHealthy {
		t.Errorf("heartbeat must restore healthy, got %q", instance.Status)
	}
	if !instance.Busy {
		t.Errorf("heartbeat must record busy flag")
	}
	if instance.Metrics["cpu"] != 0.4 {
		t.Errorf("heartbeat must merge metrics, got %v", instance.Metrics)
	}
}

func TestHeartbeatUnknownInstance(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Heartbeat(context.Background(), "llm", 9, false, nil)
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
	if !IsNotFound(err) {
		t.Errorf("heartbeat miss must classify as not-found")
	}
}

func TestUpdateStatusDeadAndErrorCount(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "main", 0, 8000)

	err := r.UpdateStatus(context.Background(), StatusUpdate{
		ServiceType: "main",
		InstanceID:  0,
		Status:      StatusDead,
		Error:       "self check failed",
	})
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	instance := r.Instances("main")[0]
	if instance.Status != StatusDead {
		t.Errorf("expected dead, got %q", instance.Status)
	}
	if instance.ErrorCount != 1 || instance.LastError != "self check failed" {
		t.Errorf("expected error recorded, got count=%d last=%q", instance.ErrorCount, instance.LastError)
	}

	// Staleness demotion must not resurrect or demote a dead instance.
	r.DemoteStale(0, 0.8)
	if got := r.Instances("main")[0].Status; got != StatusDead {
		t.Errorf("dead must be sticky under demotion, got %q", got)
	}
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "main", 0, 8000)

	err := r.UpdateStatus(context.Background(), StatusUpdate{
		ServiceType: "main",
		InstanceID:  0,
		Status:      Status("resting"),
	})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	if !IsValidation(err) {
		t.Errorf("invalid status must classify as validation error")
	}
}

func TestHistoryRecordsTransitions(t *testing.T) {
	r, now := newTestRegistry(t)
	mustRegister(t, r, "llm", 1, 8101)

	*now = now.Add(time.Minute)
	r.DemoteStale(30*time.Second, 0.8)
	if err := r.Heartbeat(context.Background(), "llm", 1, false, nil); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	changes, err := r.History("llm", 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(changes))
	}
	if changes[0].OldStatus != StatusHealthy || changes[0].NewStatus != StatusUnhealthy {
		t.Errorf("unexpected first transition: %+v", changes[0])
	}
	if changes[1].OldStatus != StatusUnhealthy || changes[1].NewStatus != StatusHealthy {
		t.Errorf("unexpected second transition: %+v", changes[1])
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "llm", 0, 8100)
	ctx := context.Background()

	for i := 0; i < historyCapacity+20; i++ {
		r.DemoteStale(-time.Second, 1.0)
		if err := r.Heartbeat(ctx, "llm", 0, false, nil); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
	}

	changes, err := r.History("llm", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(changes) != historyCapacity {
		t.Errorf("expected history capped at %d, got %d", historyCapacity, len(changes))
	}
}

func TestHistoryUnknownInstance(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.History("ghost", 0); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestDemoteStaleDecaysPowerEachPass(t *testing.T) {
	r, now := newTestRegistry(t)
	mustRegister(t, r, "llm", 0, 8100)

	*now = now.Add(time.Minute)

	demoted := r.DemoteStale(30*time.Second, 0.8)
	if demoted != 1 {
		t.Fatalf("expected 1 demotion, got %d", demoted)
	}
	if got := r.Instances("llm")[0].PowerLevel; got != 80 {
		t.Errorf("expected power 80 after one pass, got %v", got)
	}

	// Still stale on the next pass: no new demotion, but decay continues.
	demoted = r.DemoteStale(30*time.Second, 0.8)
	if demoted != 0 {
		t.Errorf("expected 0 demotions on second pass, got %d", demoted)
	}
	if got := r.Instances("llm")[0].PowerLevel; got != 64 {
		t.Errorf("expected power 64 after two passes, got %v", got)
	}
}

func TestMarkRecoveredBoostsAndCaps(t *testing.T) {
	r, now := newTestRegistry(t)
	mustRegister(t, r, "llm", 0, 8100)

	*now = now.Add(time.Minute)
	r.DemoteStale(30*time.Second, 0.8)

	if !r.MarkRecovered("llm", 0, 1.2, 100) {
		t.Fatalf("expected recovery to apply")
	}
	instance := r.Instances("llm")[0]
	if instance.Status != StatusHealthy {
		t.Errorf("expected healthy after recovery, got %q", instance.Status)
	}
	if got := instance.PowerLevel; got != 96 {
		t.Errorf("expected power 80*1.2=96, got %v", got)
	}

	// A healthy instance is not a recovery target.
	if r.MarkRecovered("llm", 0, 1.2, 100) {
		t.Errorf("recovery must only apply to unhealthy instances")
	}
}

func TestMarkRecoveredRespectsCap(t *testing.T) {
	r, now := newTestRegistry(t)
	mustRegister(t, r, "llm", 0, 8100)

	*now = now.Add(31 * time.Second)
	r.DemoteStale(30*time.Second, 0.95)

	r.MarkRecovered("llm", 0, 1.2, 100)
	if got := r.Instances("llm")[0].PowerLevel; got != 100 {
		t.Errorf("expected boost capped at 100, got %v", got)
	}
}

func TestCleanupStalePurgesAbandoned(t *testing.T) {
	r, now := newTestRegistry(t)
	mustRegister(t, r, "llm", 0, 8100)
	mustRegister(t, r, "llm", 1, 8101)
	mustRegister(t, r, "main", 0, 8000)

	*now = now.Add(29 * time.Minute)
	if err := r.Heartbeat(context.Background(), "llm", 1, false, nil); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	*now = now.Add(2 * time.Minute)
	cleaned := r.CleanupStale(30 * time.Minute)
	if cleaned != 2 {
		t.Fatalf("expected 2 purged, got %d", cleaned)
	}

	if got := len(r.Instances("llm")); got != 1 {
		t.Errorf("expected 1 llm instance left, got %d", got)
	}
	if got := len(r.Instances("main")); got != 0 {
		t.Errorf("expected main bucket gone, got %d instances", got)
	}
	if _, err := r.History("main", 0); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("purge must drop history, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "llm", 0, 8100)

	if err := r.Remove("llm", 0); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if r.TotalInstances() != 0 {
		t.Errorf("expected empty registry after remove")
	}
	if err := r.Remove("llm", 0); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestAllocatePowerConservesBudgetAndFavorsCritical(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "llm", 0, 8100)
	mustRegister(t, r, "llm", 1, 8101)
	mustRegister(t, r, "vision", 0, 8300)
	mustRegister(t, r, "vision", 1, 8301)

	distribution := r.AllocatePower(100, map[string]bool{"llm": true}, 1.5)

	// 4 instances, 25 each; llm instances get the 1.5x bonus.
	if got := distribution["llm"]; got != 75 {
		t.Errorf("expected llm allocation 75, got %v", got)
	}
	if got := distribution["vision"]; got != 50 {
		t.Errorf("expected vision allocation 50, got %v", got)
	}

	for _, instance := range r.Instances("llm") {
		if instance.PowerLevel != 37.5 {
			t.Errorf("expected llm per-instance power 37.5, got %v", instance.PowerLevel)
		}
	}
	for _, instance := range r.Instances("vision") {
		if instance.PowerLevel != 25 {
			t.Errorf("expected vision per-instance power 25, got %v", instance.PowerLevel)
		}
	}
}

func TestAllocatePowerEmptyRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)
	if got := r.AllocatePower(100, nil, 1.5); len(got) != 0 {
		t.Errorf("expected empty distribution, got %v", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "llm", 0, 8100)

	snapshot := r.Snapshot()
	snapshot["llm"][0].PowerLevel = -1
	snapshot["llm"][0].Metadata["injected"] = "true"

	instance := r.Instances("llm")[0]
	if instance.PowerLevel == -1 {
		t.Errorf("snapshot mutation leaked into registry power level")
	}
	if _, ok := instance.Metadata["injected"]; ok {
		t.Errorf("snapshot mutation leaked into registry metadata")
	}
}

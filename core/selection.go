package core

import (
	"fmt"
	"time"
)

// scoreEpsilon keeps the recency term finite when a heartbeat just arrived.
const scoreEpsilon = 1e-4

// Select returns the best instance of a service type.
//
// Candidates must be healthy, recently heartbeated, and above the minimum
// power level. If metadata requirements are given they narrow the candidate
// set by superset match; when nothing matches, the requirements are ignored
// and selection falls back to the full healthy set. This lenient fallback is
// deliberate: a mismatch on optional tags should degrade routing quality,
// not availability.
//
// Scoring weighs power level (0.7) against heartbeat recency (0.3). Ties
// keep registration order, so the result is deterministic.
func (r *Registry) Select(serviceType string, requirements map[string]string) (*ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.services[serviceType]
	if len(bucket) == 0 {
		return nil, &RegistryError{
			Op:   "registry.Select",
			Kind: "selection",
			ID:   serviceType,
			Err:  ErrServiceNotFound,
		}
	}

	now := r.now()
	staleAfter := r.config.Monitor.StaleAfter
	minPower := r.config.Power.MinSelectable

	var candidates []*ServiceInstance
	for _, instance := range bucket {
		if instance.Status != StatusHealthy {
			continue
		}
		if now.Sub(instance.LastHeartbeat) >= staleAfter {
			continue
		}
		if instance.PowerLevel <= minPower {
			continue
		}
		candidates = append(candidates, instance)
	}

	if len(candidates) == 0 {
		return nil, &RegistryError{
			Op:      "registry.Select",
			Kind:    "selection",
			ID:      serviceType,
			Message: fmt.Sprintf("no healthy %s instance available", serviceType),
			Err:     ErrNoHealthyInstance,
		}
	}

	if len(requirements) > 0 {
		matching := candidates[:0:0]
		for _, instance := range candidates {
			if matchesRequirements(instance.Metadata, requirements) {
				matching = append(matching, instance)
			}
		}
		if len(matching) > 0 {
			candidates = matching
		}
	}

	best := candidates[0]
	bestScore := selectionScore(best, now)
	for _, candidate := range candidates[1:] {
		if s := selectionScore(candidate, now); s > bestScore {
			best = candidate
			bestScore = s
		}
	}

	out := best.clone()
	return &out, nil
}

// selectionScore combines advisory power with heartbeat recency.
func selectionScore(instance *ServiceInstance, now time.Time) float64 {
	age := now.Sub(instance.LastHeartbeat).Seconds()
	return instance.PowerLevel*0.7 + (1.0/(age+scoreEpsilon))*0.3
}

func matchesRequirements(metadata, requirements map[string]string) bool {
	for key, want := range requirements {
		if metadata[key] != want {
			return false
		}
	}
	return true
}

package core

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// writeJSON encodes v to the response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeError translates the error taxonomy into HTTP status codes:
// not-found -> 404, unavailable -> 503, validation -> 400, else 500.
// The detail field carries the human-readable message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case IsNotFound(err):
		status = http.StatusNotFound
	case IsUnavailable(err):
		status = http.StatusServiceUnavailable
	case IsValidation(err):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"detail": err.Error()})
}

// handleRegister implements POST /register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed registration payload"})
		return
	}

	instance, err := s.registry.Register(r.Context(), reg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "registered",
		"instance":        instance,
		"power_level":     instance.PowerLevel,
		"security_status": instance.SecurityStatus,
	})
}

type heartbeatRequest struct {
	Busy    bool               `json:"busy"`
	Metrics map[string]float64 `json:"metrics"`
}

// handleHeartbeat implements POST /heartbeat/{service_type}/{instance_id}.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	serviceType := r.PathValue("service_type")
	instanceID, err := strconv.Atoi(r.PathValue("instance_id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "instance id must be an integer"})
		return
	}

	var req heartbeatRequest
	if r.Body != nil {
		// An empty body is a bare liveness signal.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.registry.Heartbeat(r.Context(), serviceType, instanceID, req.Busy, req.Metrics); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleStatusUpdate implements POST /status: an explicit status report
// from an instance's agent, including the dead transition.
func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var update StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed status payload"})
		return
	}

	if err := s.registry.UpdateStatus(r.Context(), update); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleGetService implements GET /service/{service_type}. Query
// parameters are treated as metadata requirements.
func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	serviceType := r.PathValue("service_type")

	var requirements map[string]string
	if query := r.URL.Query(); len(query) > 0 {
		requirements = make(map[string]string, len(query))
		for key, values := range query {
			if len(values) > 0 {
				requirements[key] = values[0]
			}
		}
	}

	instance, err := s.registry.Select(serviceType, requirements)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":             instance.URL(),
		"instance_id":     instance.InstanceID,
		"metadata":        instance.Metadata,
		"power_level":     instance.PowerLevel,
		"security_status": instance.SecurityStatus,
	})
}

// handleSystemStatus implements GET /status: the comprehensive system view.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	services := map[string][]map[string]interface{}{}
	for serviceType, instances := range s.registry.Snapshot() {
		detail := make([]map[string]interface{}, 0, len(instances))
		for _, instance := range instances {
			detail = append(detail, map[string]interface{}{
				"id":              instance.InstanceID,
				"status":          instance.Status,
				"power_level":     instance.PowerLevel,
				"security_status": instance.SecurityStatus,
				"metrics":         instance.Metrics,
			})
		}
		services[serviceType] = detail
	}

	threats := s.defense.ActiveThreats()
	threatDetail := make([]map[string]interface{}, 0, len(threats))
	for _, threat := range threats {
		threatDetail = append(threatDetail, map[string]interface{}{
			"level":             threat.Level,
			"description":       threat.Description,
			"affected_services": threat.AffectedServices,
			"detected_at":       threat.DetectedAt.Format(time.RFC3339),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":          time.Now().Format(time.RFC3339),
		"system_status":      s.status.View(),
		"services":           services,
		"power_distribution": s.allocator.Distribution(),
		"active_threats":     threatDetail,
		"defense_protocols":  s.defense.Protocols(),
	})
}

// handleServersStatus implements GET /servers/status: per-type aggregates
// with full instance detail.
func (s *Server) handleServersStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	snapshot := s.registry.Snapshot()

	result := make(map[string]interface{}, len(snapshot))
	for serviceType, instances := range snapshot {
		healthy := 0
		detail := make([]map[string]interface{}, 0, len(instances))
		for _, instance := range instances {
			if instance.Status == StatusHealthy {
				healthy++
			}
			detail = append(detail, map[string]interface{}{
				"instance_id":        instance.InstanceID,
				"host":               instance.Host,
				"port":               instance.Port,
				"status":             instance.Status,
				"busy":               instance.Busy,
				"last_heartbeat_age": round2(instance.HeartbeatAge(now).Seconds()),
				"power_level":        round2(instance.PowerLevel),
				"security_status":    instance.SecurityStatus,
				"metrics":            instance.Metrics,
				"metadata":           instance.Metadata,
				"error_count":        instance.ErrorCount,
			})
		}
		result[serviceType] = map[string]interface{}{
			"total_instances":   len(instances),
			"healthy_instances": healthy,
			"instances":         detail,
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":      now.Format(time.RFC3339),
		"total_services": len(snapshot),
		"services":       result,
	})
}

// handleHistory implements GET /history/{service_type}/{instance_id}.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	serviceType := r.PathValue("service_type")
	instanceID, err := strconv.Atoi(r.PathValue("instance_id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "instance id must be an integer"})
		return
	}

	changes, err := s.registry.History(serviceType, instanceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changes)
}

// handleCleanup implements POST /cleanup: purge long-idle instances.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	cleaned := s.registry.CleanupStale(s.config.Monitor.CleanupAfter)
	s.writeJSON(w, http.StatusOK, map[string]int{"cleaned_instances": cleaned})
}

// handleActivateProtocol implements POST /defense/activate/{protocol}.
func (s *Server) handleActivateProtocol(w http.ResponseWriter, r *http.Request) {
	protocol := r.PathValue("protocol")
	if err := s.defense.ActivateProtocol(protocol); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Warn("Defense protocol activated", map[string]interface{}{
		"protocol": protocol,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "activated",
		"protocol":  protocol,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleHealth implements GET /health for the registry process itself,
// using the same response contract instances expose.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"busy":      false,
		"timestamp": float64(time.Now().UnixNano()) / 1e9,
	})
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

package api

import (
	"net/http"
	"sync"
)

// readinessState tracks the dependencies /ready reports on. Optional
// dependencies do not fail readiness when unavailable.
type readinessState struct {
	mu                sync.RWMutex
	orchestratorReady bool
	mqttConnected     bool
	mqttOptional      bool
	postgresConnected bool
	postgresOptional  bool
}

var readiness = &readinessState{
	mqttOptional:     true,
	postgresOptional: true,
}

// CheckResult is the state of one dependency.
type CheckResult struct {
	Status   string `json:"status"`
	Optional bool   `json:"optional,omitempty"`
}

type ReadinessResponse struct {
	Ready  bool                   `json:"ready"`
	Checks map[string]CheckResult `json:"checks"`
}

// SetOrchestratorReady marks whether the hub is accepting constellations.
func SetOrchestratorReady(ready bool) {
	readiness.mu.Lock()
	readiness.orchestratorReady = ready
	readiness.mu.Unlock()
}

// SetMQTTState records the broker connection and whether it is required.
func SetMQTTState(connected, optional bool) {
	readiness.mu.Lock()
	readiness.mqttConnected = connected
	readiness.mqttOptional = optional
	readiness.mu.Unlock()
}

// SetPostgresState records the audit log connection and whether it is
// required.
func SetPostgresState(connected, optional bool) {
	readiness.mu.Lock()
	readiness.postgresConnected = connected
	readiness.postgresOptional = optional
	readiness.mu.Unlock()
}

func dependencyCheck(connected, optional bool) (CheckResult, bool) {
	switch {
	case connected:
		return CheckResult{Status: "ok", Optional: optional}, true
	case optional:
		return CheckResult{Status: "unavailable", Optional: true}, true
	default:
		return CheckResult{Status: "not_connected"}, false
	}
}

func currentReadiness() ReadinessResponse {
	readiness.mu.RLock()
	defer readiness.mu.RUnlock()

	resp := ReadinessResponse{Ready: true, Checks: make(map[string]CheckResult, 3)}

	if readiness.orchestratorReady {
		resp.Checks["orchestrator"] = CheckResult{Status: "ok"}
	} else {
		resp.Checks["orchestrator"] = CheckResult{Status: "not_ready"}
		resp.Ready = false
	}

	var ok bool
	resp.Checks["mqtt"], ok = dependencyCheck(readiness.mqttConnected, readiness.mqttOptional)
	resp.Ready = resp.Ready && ok
	resp.Checks["postgres"], ok = dependencyCheck(readiness.postgresConnected, readiness.postgresOptional)
	resp.Ready = resp.Ready && ok

	return resp
}

func readyHandler(w http.ResponseWriter, _ *http.Request) {
	resp := currentReadiness()
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

package health

import (
	"encoding/json"
	"net/http"
)

func writeResponse(w http.ResponseWriter, response Response, okWhenDegraded bool) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case response.Status == StatusHealthy:
		w.WriteHeader(http.StatusOK)
	case response.Status == StatusDegraded && okWhenDegraded:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

// HTTPHandler returns an HTTP handler for the health check endpoint.
// A degraded node still answers 200.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.Check(r.Context()), true)
	}
}

// ReadinessHandler returns an HTTP handler for readiness checks
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.CheckReadiness(r.Context()), false)
	}
}

// LivenessHandler returns an HTTP handler for liveness checks
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.CheckLiveness(r.Context()), false)
	}
}

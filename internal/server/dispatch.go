package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"capsmith/internal/health"
	"capsmith/internal/registry"
)

// severityFrom accepts only known severity values; anything else lets
// the detector derive severity from the message.
func severityFrom(s string) registry.Severity {
	switch sev := registry.Severity(s); sev {
	case registry.SeverityLow, registry.SeverityMedium, registry.SeverityHigh, registry.SeverityCritical:
		return sev
	default:
		return ""
	}
}

// maxDispatchBody bounds what a capability handler may be fed.
const maxDispatchBody = 1 << 20

// dispatch serves requests the management API does not claim. The route
// table resolves the owning capability, the circuit breaker gates the
// call, and the loaded module's handler produces the response. Every
// outcome feeds the breaker window; handler errors additionally feed the
// incident detector.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	owned, ok := s.table.Lookup(r.Method, r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route for " + r.Method + " " + r.URL.Path})
		return
	}
	routeKey := r.Method + " " + r.URL.Path

	if !s.breakers.Allow(routeKey) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "circuit open for " + routeKey,
		})
		return
	}

	c, err := s.store.Capability(r.Context(), owned.CapabilityID)
	if err != nil {
		s.breakers.Record(routeKey, 0, true)
		s.writeError(w, err)
		return
	}
	handler, ok := s.loader.Handler(c.Name, c.Version)
	if !ok {
		s.breakers.Record(routeKey, 0, true)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "capability " + c.ID + " is routed but not loaded",
		})
		return
	}

	input, err := io.ReadAll(io.LimitReader(r.Body, maxDispatchBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	defer r.Body.Close()

	start := time.Now()
	output, err := handler(string(input))
	elapsed := time.Since(start)

	s.breakers.Record(routeKey, elapsed, err != nil)
	s.metrics.DispatchLatency.WithLabelValues(routeKey).Observe(elapsed.Seconds())

	if err != nil {
		// Ingestion is fire-and-forget: a detector failure must not
		// change the response.
		if _, _, ingestErr := s.detector.Ingest(r.Context(), health.Report{
			Source:       "dispatcher",
			Message:      fmt.Sprintf("%s: %v", routeKey, err),
			CapabilityID: c.ID,
		}); ingestErr != nil {
			s.logger.Warn("failed to ingest dispatch error", zap.Error(ingestErr))
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, output)
}

// incidentWebhook accepts error-tracker payloads and folds them into
// incidents. The response always acknowledges receipt; the incident id
// is present when ingestion succeeded.
func (s *Server) incidentWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message      string `json:"message"`
		CapabilityID string `json:"capability_id"`
		Severity     string `json:"severity"`
		Source       string `json:"source"`
	}
	if err := decodeBody(r, &body); err != nil || body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"received": false, "error": "message is required"})
		return
	}

	if body.Source == "" {
		body.Source = "webhook"
	}
	inc, created, err := s.detector.Ingest(r.Context(), health.Report{
		Source:       body.Source,
		Message:      body.Message,
		CapabilityID: body.CapabilityID,
		Severity:     severityFrom(body.Severity),
	})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": "ingest_failed"})
		return
	}

	status := "deduplicated"
	if created {
		status = "opened"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"received":    true,
		"incident_id": inc.ID,
		"status":      status,
	})
}

package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"capsmith/internal/health"
	"capsmith/internal/registry"
	"capsmith/internal/rollback"
)

func (s *Server) createCapability(w http.ResponseWriter, r *http.Request) {
	var c registry.Capability
	if err := decodeBody(r, &c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid capability payload: " + err.Error()})
		return
	}
	if c.Name == "" || c.Version == "" || c.Source == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name, version, and source are required"})
		return
	}
	if err := s.store.CreateCapability(r.Context(), &c); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	status := registry.Status(r.URL.Query().Get("status"))
	var (
		caps []*registry.Capability
		err  error
	)
	if status == "" {
		caps, err = s.store.ListActive(r.Context())
	} else {
		caps, err = s.store.ListCapabilities(r.Context(), status)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": caps})
}

func (s *Server) getCapability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	c, err := s.store.Capability(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	validations, err := s.store.ValidationResultsFor(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	reviews, err := s.store.ReviewRecordsFor(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snapshots, err := s.store.SnapshotsFor(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	history, err := s.store.RollbackHistoryFor(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capability":  c,
		"validations": validations,
		"reviews":     reviews,
		"snapshots":   snapshots,
		"rollbacks":   history,
	})
}

// validateCapability runs the full validation pipeline and settles the
// capability in validated or rejected.
func (s *Server) validateCapability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	c, err := s.store.Capability(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.Transition(ctx, c.ID, registry.StatusValidating, "validation started"); err != nil {
		s.writeError(w, err)
		return
	}

	result, failure := s.pipeline.Run(ctx, c)
	if err := s.store.SaveValidationResult(ctx, result); err != nil {
		s.writeError(w, err)
		return
	}

	target := registry.StatusValidated
	reason := "validation passed"
	if failure != "" {
		target = registry.StatusRejected
		reason = fmt.Sprintf("validation failed at %s", failure)
	}
	if err := s.store.Transition(ctx, c.ID, target, reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result, "status": target})
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var body struct {
		ValidationResultID string `json:"validation_result_id"`
	}
	_ = decodeBody(r, &body)

	if body.ValidationResultID == "" {
		latest, err := s.store.LatestValidationResult(ctx, id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		body.ValidationResultID = latest.ID
	}

	record, err := s.gate.Open(ctx, id, body.ValidationResultID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) decideReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision  registry.Decision `json:"decision"`
		DecidedBy string            `json:"decided_by"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	record, err := s.gate.Decide(r.Context(), chi.URLParam(r, "reviewID"), body.Decision, body.DecidedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) assignReviewers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reviewers []string `json:"reviewers"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	record, err := s.gate.AssignReviewers(r.Context(), chi.URLParam(r, "reviewID"), body.Reviewers)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	var c registry.Comment
	if err := decodeBody(r, &c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	record, err := s.gate.AddComment(r.Context(), chi.URLParam(r, "reviewID"), c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) toggleChecklistItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Checker string `json:"checker"`
		Notes   string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	record, err := s.gate.ToggleItem(r.Context(), chi.URLParam(r, "reviewID"), chi.URLParam(r, "itemID"), body.Checker, body.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) escalateReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Who    string `json:"who"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	record, err := s.gate.Escalate(r.Context(), chi.URLParam(r, "reviewID"), body.Who, body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) deployCapability(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	result, err := s.engine.Deploy(r.Context(), chi.URLParam(r, "id"), dryRun)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) rollbackCapability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason      registry.RollbackReason `json:"reason"`
		TriggeredBy string                  `json:"triggered_by"`
		SnapshotID  string                  `json:"snapshot_id"`
		NotifyUsers bool                    `json:"notify_users"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.Reason == "" {
		body.Reason = registry.ReasonManual
	}

	entry, err := s.rollback.Rollback(r.Context(), rollback.Request{
		CapabilityID: chi.URLParam(r, "id"),
		SnapshotID:   body.SnapshotID,
		Reason:       body.Reason,
		TriggeredBy:  body.TriggeredBy,
		NotifyUsers:  body.NotifyUsers,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) undeployCapability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &body)
	if body.Reason == "" {
		body.Reason = "undeploy requested"
	}
	if err := s.engine.Undeploy(r.Context(), chi.URLParam(r, "id"), body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(registry.StatusDeprecated)})
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.store.SnapshotsFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func (s *Server) rollbackHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.RollbackHistoryFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollbacks": history})
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"routes":        s.table.Snapshot(),
		"open_circuits": s.breakers.Open(),
	})
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	status := registry.IncidentStatus(r.URL.Query().Get("status"))
	incidents, err := s.store.ListIncidents(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) openIncident(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message      string            `json:"message"`
		CapabilityID string            `json:"capability_id"`
		Severity     registry.Severity `json:"severity"`
	}
	if err := decodeBody(r, &body); err != nil || body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	inc, _, err := s.detector.Ingest(r.Context(), health.Report{
		Source:       "manual",
		Message:      body.Message,
		CapabilityID: body.CapabilityID,
		Severity:     body.Severity,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status registry.IncidentStatus `json:"status"`
	}
	_ = decodeBody(r, &body)
	if body.Status == "" {
		body.Status = registry.IncidentResolved
	}
	if err := s.detector.Resolve(r.Context(), chi.URLParam(r, "id"), body.Status); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(body.Status)})
}

func (s *Server) analyzeIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inc, err := s.store.Incident(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var source string
	if inc.CapabilityID != "" {
		c, err := s.store.Capability(ctx, inc.CapabilityID)
		if err == nil {
			source = c.Source
		}
	}

	hyps, err := s.analyzer.Analyze(ctx, inc, source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hypotheses": hyps, "primary": primaryHypothesis(hyps)})
}

func (s *Server) proposePatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inc, err := s.store.Incident(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if inc.CapabilityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "incident has no capability to patch"})
		return
	}
	c, err := s.store.Capability(ctx, inc.CapabilityID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	hyps, err := s.analyzer.Analyze(ctx, inc, c.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	candidates, err := s.patches.Propose(ctx, inc, c, hyps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// acceptPatch takes a client-submitted candidate. Accept smoke-runs the
// source again, so the status field in the body carries no authority.
func (s *Server) acceptPatch(w http.ResponseWriter, r *http.Request) {
	var cand health.PatchCandidate
	if err := decodeBody(r, &cand); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	draft, err := s.patches.Accept(r.Context(), &cand)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, draft)
}

func primaryHypothesis(hyps []health.Hypothesis) *health.Hypothesis {
	var best *health.Hypothesis
	for i := range hyps {
		if best == nil || hyps[i].Confidence > best.Confidence {
			best = &hyps[i]
		}
	}
	return best
}

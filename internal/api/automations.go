package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zoptal/mailflow/internal/automation"
	"github.com/zoptal/mailflow/internal/mailerr"
)

// AutomationListResponse is the response for listing automations
type AutomationListResponse struct {
	Automations []*automation.Automation `json:"automations"`
	Total       int                      `json:"total"`
}

// EmitResponse lists the runs started by an event
type EmitResponse struct {
	Trigger automation.TriggerType `json:"trigger"`
	Runs    []*automation.Run      `json:"runs"`
}

func (s *Server) handleAutomationList(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.GetAllAutomations(r.Context(), automation.TriggerType(r.URL.Query().Get("trigger")))
	if err != nil {
		s.sendServiceError(w, r, "list automations", err)
		return
	}
	sendJSON(w, http.StatusOK, AutomationListResponse{Automations: items, Total: len(items)})
}

func (s *Server) handleAutomationCreate(w http.ResponseWriter, r *http.Request) {
	var a automation.Automation
	if err := decode(r, &a); err != nil {
		s.sendServiceError(w, r, "create automation", err)
		return
	}

	if err := s.svc.CreateAutomation(r.Context(), &a); err != nil {
		s.sendServiceError(w, r, "create automation", err)
		return
	}

	s.logger.Info("automation created", "id", a.ID, "name", a.Name, "trigger", a.Trigger.Type)
	sendJSON(w, http.StatusCreated, &a)
}

func (s *Server) handleAutomationGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAutomation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, r, "get automation", err)
		return
	}
	sendJSON(w, http.StatusOK, a)
}

func (s *Server) handleAutomationDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteAutomation(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, r, "delete automation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAutomationTrigger handles POST /api/v1/automations/{id}/trigger.
// The body is the trigger context.
func (s *Server) handleAutomationTrigger(w http.ResponseWriter, r *http.Request) {
	data, ok := s.decodeContext(w, r, "trigger automation")
	if !ok {
		return
	}

	run, err := s.svc.TriggerAutomation(r.Context(), chi.URLParam(r, "id"), data)
	if err != nil {
		s.sendServiceError(w, r, "trigger automation", err)
		return
	}
	sendJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleAutomationActivate(w http.ResponseWriter, r *http.Request) {
	s.setAutomationActive(w, r, true)
}

func (s *Server) handleAutomationDeactivate(w http.ResponseWriter, r *http.Request) {
	s.setAutomationActive(w, r, false)
}

func (s *Server) setAutomationActive(w http.ResponseWriter, r *http.Request, active bool) {
	a, err := s.svc.SetAutomationActive(r.Context(), chi.URLParam(r, "id"), active)
	if err != nil {
		s.sendServiceError(w, r, "set automation active", err)
		return
	}
	sendJSON(w, http.StatusOK, a)
}

// handleEventEmit handles POST /api/v1/events/{type}
func (s *Server) handleEventEmit(w http.ResponseWriter, r *http.Request) {
	trigger := automation.TriggerType(chi.URLParam(r, "type"))
	if !trigger.Valid() {
		s.sendServiceError(w, r, "emit event", mailerr.Validation("unknown trigger type %q", trigger))
		return
	}

	data, ok := s.decodeContext(w, r, "emit event")
	if !ok {
		return
	}

	runs, err := s.svc.EmitEvent(r.Context(), trigger, data)
	if err != nil {
		s.sendServiceError(w, r, "emit event", err)
		return
	}
	if runs == nil {
		runs = []*automation.Run{}
	}
	sendJSON(w, http.StatusAccepted, EmitResponse{Trigger: trigger, Runs: runs})
}

func (s *Server) decodeContext(w http.ResponseWriter, r *http.Request, op string) (map[string]any, bool) {
	data := map[string]any{}
	if r.ContentLength == 0 {
		return data, true
	}
	if err := decode(r, &data); err != nil {
		s.sendServiceError(w, r, op, err)
		return nil, false
	}
	return data, true
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zoptal/mailflow/internal/audience"
)

// AudienceListResponse is the response for listing audiences
type AudienceListResponse struct {
	Audiences []*audience.Audience `json:"audiences"`
	Total     int                  `json:"total"`
}

func (s *Server) handleAudienceList(w http.ResponseWriter, r *http.Request) {
	audiences, err := s.svc.GetAllAudiences(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		s.sendServiceError(w, r, "list audiences", err)
		return
	}
	sendJSON(w, http.StatusOK, AudienceListResponse{Audiences: audiences, Total: len(audiences)})
}

func (s *Server) handleAudienceCreate(w http.ResponseWriter, r *http.Request) {
	var a audience.Audience
	if err := decode(r, &a); err != nil {
		s.sendServiceError(w, r, "create audience", err)
		return
	}

	if err := s.svc.CreateAudience(r.Context(), &a); err != nil {
		s.sendServiceError(w, r, "create audience", err)
		return
	}

	s.logger.Info("audience created", "id", a.ID, "name", a.Name, "size", a.Size)
	sendJSON(w, http.StatusCreated, &a)
}

func (s *Server) handleAudienceGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAudience(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, r, "get audience", err)
		return
	}
	sendJSON(w, http.StatusOK, a)
}

func (s *Server) handleAudienceRefresh(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.RefreshAudience(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, r, "refresh audience", err)
		return
	}
	sendJSON(w, http.StatusOK, a)
}

func (s *Server) handleAudienceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteAudience(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, r, "delete audience", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

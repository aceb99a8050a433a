package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zoptal/mailflow/internal/template"
)

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []*template.Template `json:"templates"`
	Total     int                  `json:"total"`
}

// TemplatePreviewRequest is the request for previewing a template
type TemplatePreviewRequest struct {
	Data map[string]any `json:"data"`
}

// handleTemplateList handles GET /api/v1/templates
func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := template.ListFilter{
		Search:   q.Get("search"),
		Category: q.Get("category"),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	}
	if active := q.Get("active"); active != "" {
		if b, err := strconv.ParseBool(active); err == nil {
			filter.Active = &b
		}
	}

	templates, err := s.svc.GetAllTemplates(r.Context(), filter)
	if err != nil {
		s.sendServiceError(w, r, "list templates", err)
		return
	}

	sendJSON(w, http.StatusOK, TemplateListResponse{Templates: templates, Total: len(templates)})
}

// handleTemplateCreate handles POST /api/v1/templates
func (s *Server) handleTemplateCreate(w http.ResponseWriter, r *http.Request) {
	var tmpl template.Template
	if err := decode(r, &tmpl); err != nil {
		s.sendServiceError(w, r, "create template", err)
		return
	}

	if err := s.svc.CreateTemplate(r.Context(), &tmpl); err != nil {
		s.sendServiceError(w, r, "create template", err)
		return
	}

	s.logger.Info("template created", "id", tmpl.ID, "name", tmpl.Name)
	sendJSON(w, http.StatusCreated, &tmpl)
}

// handleTemplateGet handles GET /api/v1/templates/{id}
func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.svc.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, r, "get template", err)
		return
	}
	sendJSON(w, http.StatusOK, tmpl)
}

// handleTemplateUpdate handles PUT /api/v1/templates/{id}
func (s *Server) handleTemplateUpdate(w http.ResponseWriter, r *http.Request) {
	var patch template.Patch
	if err := decode(r, &patch); err != nil {
		s.sendServiceError(w, r, "update template", err)
		return
	}

	tmpl, err := s.svc.UpdateTemplate(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.sendServiceError(w, r, "update template", err)
		return
	}

	s.logger.Info("template updated", "id", tmpl.ID, "version", tmpl.Version)
	sendJSON(w, http.StatusOK, tmpl)
}

// handleTemplateDelete handles DELETE /api/v1/templates/{id}
func (s *Server) handleTemplateDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.DeleteTemplate(r.Context(), id); err != nil {
		s.sendServiceError(w, r, "delete template", err)
		return
	}

	s.logger.Info("template deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleTemplatePreview handles POST /api/v1/templates/{id}/preview
func (s *Server) handleTemplatePreview(w http.ResponseWriter, r *http.Request) {
	var req TemplatePreviewRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.sendServiceError(w, r, "preview template", err)
			return
		}
	}

	result, err := s.svc.PreviewTemplate(r.Context(), chi.URLParam(r, "id"), req.Data)
	if err != nil {
		s.sendServiceError(w, r, "preview template", err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

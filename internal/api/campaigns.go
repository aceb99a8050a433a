package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zoptal/mailflow/internal/campaign"
	"github.com/zoptal/mailflow/internal/mailerr"
)

// CampaignListResponse is the response for listing campaigns
type CampaignListResponse struct {
	Campaigns []*campaign.Campaign `json:"campaigns"`
	Total     int                  `json:"total"`
}

// ScheduleRequest is the request body for scheduling a campaign
type ScheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (s *Server) handleCampaignList(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.svc.GetAllCampaigns(r.Context(), campaign.ListFilter{
		Status: campaign.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	})
	if err != nil {
		s.sendServiceError(w, r, "list campaigns", err)
		return
	}
	sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: campaigns, Total: len(campaigns)})
}

func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	var in campaign.Input
	if err := decode(r, &in); err != nil {
		s.sendServiceError(w, r, "create campaign", err)
		return
	}

	c, err := s.svc.CreateCampaign(r.Context(), in)
	if err != nil {
		s.sendServiceError(w, r, "create campaign", err)
		return
	}

	s.logger.Info("campaign created", "id", c.ID, "name", c.Name, "status", c.Status)
	sendJSON(w, http.StatusCreated, c)
}

func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, r, "get campaign", err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

func (s *Server) handleCampaignDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Campaigns().Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, r, "delete campaign", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCampaignSend handles POST /api/v1/campaigns/{id}/send
func (s *Server) handleCampaignSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.svc.SendCampaign(r.Context(), id)
	if err != nil {
		if report != nil {
			// Every message was rejected; the report says why.
			sendJSON(w, statusFor(err), report)
			return
		}
		s.sendServiceError(w, r, "send campaign", err)
		return
	}

	s.logger.Info("campaign sent",
		"id", id,
		"recipients", report.Recipients,
		"accepted", report.Accepted,
		"rejected", report.Rejected,
	)
	sendJSON(w, http.StatusAccepted, report)
}

func (s *Server) handleCampaignSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decode(r, &req); err != nil {
		s.sendServiceError(w, r, "schedule campaign", err)
		return
	}
	if req.ScheduledAt.IsZero() {
		s.sendServiceError(w, r, "schedule campaign", mailerr.Validation("scheduled_at is required"))
		return
	}

	c, err := s.svc.Campaigns().Schedule(r.Context(), chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		s.sendServiceError(w, r, "schedule campaign", err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, "pause campaign", s.svc.Campaigns().Pause)
}

func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, "resume campaign", s.svc.Campaigns().Resume)
}

func (s *Server) handleCampaignCancel(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, "cancel campaign", s.svc.Campaigns().Cancel)
}

func (s *Server) handleCampaignRefreshStats(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, "refresh campaign stats", s.svc.Campaigns().RefreshStats)
}

func (s *Server) campaignTransition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (*campaign.Campaign, error)) {
	c, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, r, op, err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

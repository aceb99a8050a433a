package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zoptal/mailflow/internal/mailerr"
	"github.com/zoptal/mailflow/internal/message"
	"github.com/zoptal/mailflow/internal/suppression"
)

// SendRequest is the request body for POST /send
type SendRequest struct {
	TemplateID  string               `json:"template_id,omitempty"`
	Subject     string               `json:"subject,omitempty"`
	HTML        string               `json:"html,omitempty"`
	Text        string               `json:"text,omitempty"`
	From        *message.Address     `json:"from,omitempty"`
	ReplyTo     *message.Address     `json:"reply_to,omitempty"`
	To          []message.Recipient  `json:"to"`
	Attachments []message.Attachment `json:"attachments,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Metadata    map[string]string    `json:"metadata,omitempty"`
	ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
	// Wait blocks the request until the delivery finishes
	Wait        bool                 `json:"wait,omitempty"`
}

func (req *SendRequest) toMessage() *message.Message {
	msg := &message.Message{
		TemplateID:  req.TemplateID,
		Subject:     req.Subject,
		HTML:        req.HTML,
		Text:        req.Text,
		ReplyTo:     req.ReplyTo,
		Recipients:  req.To,
		Attachments: req.Attachments,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		ScheduledAt: req.ScheduledAt,
	}
	if req.From != nil {
		msg.From = *req.From
	}
	return msg
}

// SendResponse is the response for POST /send
type SendResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

// BulkSendRequest is the request body for POST /send/bulk
type BulkSendRequest struct {
	Messages []SendRequest `json:"messages"`
}

// BulkResult is one entry of a bulk send response
type BulkResult struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// BulkSendResponse is the response for POST /send/bulk
type BulkSendResponse struct {
	Accepted int          `json:"accepted"`
	Failed   int          `json:"failed"`
	Results  []BulkResult `json:"results"`
}

// EventRequest records an engagement event
type EventRequest struct {
	Event message.Event `json:"event"`
}

// MessageListResponse is the response for GET /messages
type MessageListResponse struct {
	Messages []*message.Message `json:"messages"`
	Total    int                `json:"total"`
}

// handleSend handles POST /api/v1/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decode(r, &req); err != nil {
		s.sendServiceError(w, r, "send", err)
		return
	}

	delivery, err := s.svc.SendEmail(r.Context(), req.toMessage())
	if err != nil {
		s.sendServiceError(w, r, "send", err)
		return
	}

	if !req.Wait {
		sendJSON(w, http.StatusAccepted, SendResponse{ID: delivery.ID(), Status: string(message.StatusQueued)})
		return
	}

	final, err := delivery.Wait(r.Context())
	if final == nil {
		s.sendServiceError(w, r, "send", err)
		return
	}
	resp := SendResponse{ID: final.ID, Status: string(final.Status), LastError: final.LastError}
	if err != nil {
		sendJSON(w, statusFor(err), resp)
		return
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleSendBulk handles POST /api/v1/send/bulk
func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkSendRequest
	if err := decode(r, &req); err != nil {
		s.sendServiceError(w, r, "send bulk", err)
		return
	}
	if len(req.Messages) == 0 {
		s.sendServiceError(w, r, "send bulk", mailerr.Validation("messages must not be empty"))
		return
	}

	msgs := make([]*message.Message, len(req.Messages))
	for i := range req.Messages {
		msgs[i] = req.Messages[i].toMessage()
	}

	results := s.svc.SendBulkEmails(r.Context(), msgs)

	resp := BulkSendResponse{Results: make([]BulkResult, len(results))}
	for i, res := range results {
		resp.Results[i].Index = res.Index
		if res.Err != nil {
			resp.Failed++
			resp.Results[i].Error = res.Err.Error()
			continue
		}
		resp.Accepted++
		resp.Results[i].ID = res.Delivery.ID()
	}

	sendJSON(w, http.StatusAccepted, resp)
}

// handleMessageList handles GET /api/v1/messages
func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msgs, err := s.svc.GetMessages(r.Context(), message.ListFilter{
		CampaignID: q.Get("campaign_id"),
		Status:     message.Status(q.Get("status")),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	})
	if err != nil {
		s.sendServiceError(w, r, "list messages", err)
		return
	}
	sendJSON(w, http.StatusOK, MessageListResponse{Messages: msgs, Total: len(msgs)})
}

// handleMessageGet handles GET /api/v1/messages/{id}
func (s *Server) handleMessageGet(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, r, "get message", err)
		return
	}
	sendJSON(w, http.StatusOK, msg)
}

// handleMessageEvent handles POST /api/v1/messages/{id}/events
func (s *Server) handleMessageEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decode(r, &req); err != nil {
		s.sendServiceError(w, r, "track event", err)
		return
	}

	msg, err := s.svc.TrackEvent(r.Context(), chi.URLParam(r, "id"), req.Event)
	if err != nil {
		s.sendServiceError(w, r, "track event", err)
		return
	}
	sendJSON(w, http.StatusOK, msg)
}

// handleStatistics handles GET /api/v1/statistics?from=&to=
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	var dr message.DateRange
	for key, dst := range map[string]*time.Time{"from": &dr.From, "to": &dr.To} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			s.sendServiceError(w, r, "statistics", mailerr.Validation("invalid %s: %q", key, v))
			return
		}
		*dst = t
	}

	stats, err := s.svc.GetEmailStatistics(r.Context(), dr)
	if err != nil {
		s.sendServiceError(w, r, "statistics", err)
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// SuppressionRequest adds an address to the suppression list
type SuppressionRequest struct {
	Email  string             `json:"email"`
	Reason suppression.Reason `json:"reason"`
}

func (s *Server) handleSuppressionList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Suppressions().List(r.Context())
	if err != nil {
		s.sendServiceError(w, r, "list suppressions", err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"suppressions": entries, "total": len(entries)})
}

func (s *Server) handleSuppressionAdd(w http.ResponseWriter, r *http.Request) {
	var req SuppressionRequest
	if err := decode(r, &req); err != nil {
		s.sendServiceError(w, r, "add suppression", err)
		return
	}
	if !message.ValidEmail(req.Email) {
		s.sendServiceError(w, r, "add suppression", mailerr.Validation("invalid email address %q", req.Email))
		return
	}
	if req.Reason == "" {
		req.Reason = suppression.ReasonManual
	}

	if err := s.svc.Suppressions().Add(r.Context(), req.Email, req.Reason); err != nil {
		s.sendServiceError(w, r, "add suppression", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSuppressionRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Suppressions().Remove(r.Context(), chi.URLParam(r, "email")); err != nil {
		s.sendServiceError(w, r, "remove suppression", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

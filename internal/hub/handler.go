package hub

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/brightears/bma-messenger-hub-sub001/internal/config"
	"github.com/brightears/bma-messenger-hub-sub001/internal/routing"
	"github.com/brightears/bma-messenger-hub-sub001/internal/session"
)

type Handler struct {
	svc        routing.Service
	sessions   Sessions
	admin      RoutingAdmin
	audit      AuditLog
	adminToken string
}

func NewHandler(svc routing.Service, sessions Sessions, admin RoutingAdmin, adminToken string) *Handler {
	return &Handler{svc: svc, sessions: sessions, admin: admin, adminToken: adminToken}
}

// WithAudit enables the audit history route.
func (h *Handler) WithAudit(a AuditLog) *Handler {
	h.audit = a
	return h
}

// HandleWebhook accepts a normalised inbound message from a platform adapter.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if platform == "" || payload.SenderID == "" || strings.TrimSpace(payload.Text) == "" {
		http.Error(w, "missing platform, sender_id or text", http.StatusBadRequest)
		return
	}

	msg := routing.InboundMessage{
		Text:           payload.Text,
		Language:       payload.Language,
		TranslatedText: payload.TranslatedText,
	}
	if payload.Timestamp != nil {
		msg.Timestamp = time.UnixMilli(*payload.Timestamp)
	}

	id := session.Identity{Platform: platform, SenderID: payload.SenderID}
	out := h.svc.HandleInboundMessage(r.Context(), id, msg)

	// escalations are still accepted: the fallback team has been told
	writeJSON(w, http.StatusOK, out)
}

// HandleOutbound records an agent or bot message sent to the customer elsewhere.
func (h *Handler) HandleOutbound(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)

	var payload outboundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if payload.Text == "" {
		http.Error(w, "missing text", http.StatusBadRequest)
		return
	}

	if err := h.svc.RecordOutbound(r.Context(), id, payload.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), identityFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Stats())
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		http.Error(w, "audit disabled", http.StatusNotFound)
		return
	}
	rows, err := h.audit.History(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []Transition{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) GetRouting(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Current().Routing)
}

// PutRouting replaces the whole routing section; invalid input leaves the
// running configuration untouched.
func (h *Handler) PutRouting(w http.ResponseWriter, r *http.Request) {
	var next config.Routing
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := h.admin.UpdateRouting(next); err != nil {
		log.Warn().Err(err).Msg("[admin] routing update rejected")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	log.Info().Strs("categories", next.Categories).Float64("threshold", next.Threshold).Msg("[admin] routing updated")
	writeJSON(w, http.StatusOK, h.admin.Current().Routing)
}

// requireAdmin guards the admin routes with a bearer token; an empty token
// disables them.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			http.Error(w, "admin api disabled", http.StatusForbidden)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identityFrom(r *http.Request) session.Identity {
	return session.Identity{
		Platform: chi.URLParam(r, "platform"),
		SenderID: chi.URLParam(r, "sender"),
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrAlreadyRouted):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Error().Err(err).Msg("[hub] request failed")
		http.Error(w, "processing error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("[hub] encode response")
	}
}

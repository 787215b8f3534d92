package server

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"roster-alerts/pkg/roster"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

const (
	testPushTitle = "✅ Test push"
	testPushBody  = "If you see this, delivery + SW display are working."
)

type subscribeRequest struct {
	Subscription roster.PushSubscription `json:"subscription"`
	FirstName    string                  `json:"firstName"`
	LastName     string                  `json:"lastName"`
	Email        string                  `json:"email"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if !req.Subscription.Valid() {
		s.writeError(w, http.StatusBadRequest, "Invalid subscription")
		return
	}

	firstName := strings.TrimSpace(req.FirstName)
	lastName := strings.TrimSpace(req.LastName)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if firstName == "" || lastName == "" || !isValidEmail(email) {
		s.writeError(w, http.StatusBadRequest, "Missing/invalid first name, last name, or email")
		return
	}

	sub := roster.Subscriber{
		Subscription: req.Subscription,
		FirstName:    firstName,
		LastName:     lastName,
		Email:        email,
		CreatedAt:    time.Now().UTC(),
		IsActive:     true,
	}
	if err := s.store.Upsert(r.Context(), sub); err != nil {
		s.logger.Error("Failed to save subscriber", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save subscription")
		return
	}

	s.logger.Info("Subscriber registered", "email", email, "ip", clientIP(r))
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSubscriptionConfig(w http.ResponseWriter, _ *http.Request) {
	if s.vapidPublicKey == "" {
		s.writeError(w, http.StatusInternalServerError, "Missing VAPID_PUBLIC_KEY")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"vapidPublicKey": s.vapidPublicKey})
}

type sendPushRequest struct {
	Transactions []roster.Transaction `json:"transactions"`
}

// handleSendPush notifies every active subscriber about caller-supplied transactions.
func (s *Server) handleSendPush(w http.ResponseWriter, r *http.Request) {
	var req sendPushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Transactions) == 0 {
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pushSent": 0})
		return
	}

	subs, err := s.store.ListActive(r.Context())
	if err != nil {
		s.logger.Error("Failed to list subscribers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	report := s.pusher.Notify(r.Context(), req.Transactions, subs)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pushSent": report.Sent})
}

// handleTestPush sends a fixed message to the active subscriber with the given email.
func (s *Server) handleTestPush(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	if email == "" {
		s.writeError(w, http.StatusBadRequest, "Missing email")
		return
	}

	subs, err := s.store.ListActive(r.Context())
	if err != nil {
		s.logger.Error("Failed to list subscribers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	for _, sub := range subs {
		if sub.Email != email {
			continue
		}
		if err := s.pusher.SendTest(r.Context(), sub.Subscription, testPushTitle, testPushBody); err != nil {
			s.logger.Warn("Test push failed", "email", email, "error", err)
			s.writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": err.Error()})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	s.writeError(w, http.StatusNotFound, "Subscriber not found")
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

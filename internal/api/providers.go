// Package api exposes the provider manager to the dashboard over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/weblisite/newsletterfy-sub000/internal/provider"
)

// Handlers holds the admin API dependencies.
type Handlers struct {
	manager *provider.Manager
}

// NewHandlers creates the admin API handlers.
func NewHandlers(manager *provider.Manager) *Handlers {
	return &Handlers{manager: manager}
}

// Router builds the admin router with the standard middleware stack.
func Router(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Route("/api/providers", func(r chi.Router) {
		r.Get("/status", h.GetProvidersStatus)
		r.Post("/switch", h.SwitchProvider)
		r.Post("/{id}/test", h.TestProvider)
	})
	r.Post("/api/send", h.SendEmail)

	return r
}

// HealthCheck reports process liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetProvidersStatus returns every provider's health snapshot, config
// requirements, configured flag and active flag.
func (h *Handlers) GetProvidersStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active_provider":  h.manager.ActiveProvider(),
		"fallback_enabled": h.manager.FallbackEnabled(),
		"providers":        h.manager.ProvidersStatus(r.Context()),
	})
}

// SwitchProvider performs an explicit, persisted provider switch.
func (h *Handlers) SwitchProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		Actor    string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" {
		respondError(w, http.StatusBadRequest, "provider is required")
		return
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	if err := h.manager.SwitchProvider(r.Context(), req.Provider, req.Actor); err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "active provider is now " + req.Provider,
	})
}

// TestProvider sends a synthetic message through the named provider.
func (h *Handlers) TestProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	res, err := h.manager.TestProvider(r.Context(), chi.URLParam(r, "id"), req.Email)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"message_id":       res.MessageID,
		"response_time_ms": res.ResponseTimeMs,
	})
}

// SendEmail delivers a one-off message through the manager, with failover.
// Used for transactional notices and manual test sends.
func (h *Handlers) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To        []string          `json:"to"`
		Subject   string            `json:"subject"`
		HTML      string            `json:"html"`
		Text      string            `json:"text"`
		FromEmail string            `json:"from_email"`
		FromName  string            `json:"from_name"`
		ReplyTo   string            `json:"reply_to"`
		Tags      map[string]string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.To) == 0 || req.Subject == "" || req.FromEmail == "" {
		respondError(w, http.StatusBadRequest, "to, subject and from_email are required")
		return
	}

	recipients := make([]provider.Recipient, 0, len(req.To))
	for _, addr := range req.To {
		recipients = append(recipients, provider.Recipient{Email: addr})
	}
	msg := &provider.EmailMessage{
		Recipients:  recipients,
		Subject:     req.Subject,
		HTMLContent: req.HTML,
		TextContent: req.Text,
		From: provider.SenderIdentity{
			Email:   req.FromEmail,
			Name:    req.FromName,
			ReplyTo: req.ReplyTo,
		},
		Tags: req.Tags,
	}

	res, err := h.manager.Send(r.Context(), msg)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"message": "delivery failed",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"message_id":    res.MessageID,
		"provider":      res.Provider,
		"used_fallback": res.UsedFallback,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

package web

import (
	"encoding/json"
	"net/http"

	"github.com/JonMunkholm/pricefeed/internal/mapping"
)

// handleListTemplates returns the templates visible to ?clientId, filtered
// by ?entityType when given.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID, err := parseClientID(q.Get("clientId"), false)
	if err != nil {
		badRequest(w, r, "clientId", err.Error())
		return
	}

	templates, err := s.service.Templates(r.Context(), clientID, q.Get("entityType"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if templates == nil {
		templates = []mapping.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

// handleSaveTemplate creates or updates a template.
func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl mapping.Template
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, multipartOverhead)).Decode(&tpl); err != nil {
		badRequest(w, r, "body", "invalid JSON: "+err.Error())
		return
	}

	status := http.StatusOK
	if tpl.ID == "" {
		status = http.StatusCreated
	}
	if err := s.service.SaveTemplate(r.Context(), &tpl); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, status, tpl)
}

// generateRequest is the body of POST /api/templates/generate.
type generateRequest struct {
	ClientID   int64    `json:"clientId"`
	EntityType string   `json:"entityType"`
	Headers    []string `json:"headers"`
}

// handleGenerateTemplate proposes an unsaved template for a header row.
func (s *Server) handleGenerateTemplate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, multipartOverhead)).Decode(&req); err != nil {
		badRequest(w, r, "body", "invalid JSON: "+err.Error())
		return
	}
	if len(req.Headers) == 0 {
		badRequest(w, r, "headers", "at least one header is required")
		return
	}

	tpl, err := s.service.GenerateTemplate(req.EntityType, req.ClientID, req.Headers)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

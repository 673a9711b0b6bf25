package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/pricefeed/internal/export/layout"
)

// handleListExportTemplates returns the export templates visible to
// ?clientId, filtered by ?entityType when given.
func (s *Server) handleListExportTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID, err := parseClientID(q.Get("clientId"), false)
	if err != nil {
		badRequest(w, r, "clientId", err.Error())
		return
	}

	templates, err := s.service.ExportTemplates(r.Context(), clientID, q.Get("entityType"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if templates == nil {
		templates = []layout.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleSaveExportTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl layout.Template
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, multipartOverhead)).Decode(&tpl); err != nil {
		badRequest(w, r, "body", "invalid JSON: "+err.Error())
		return
	}

	status := http.StatusOK
	if tpl.ID == "" {
		status = http.StatusCreated
	}
	if err := s.service.SaveExportTemplate(r.Context(), &tpl); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, status, tpl)
}

func (s *Server) handleDeleteExportTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteExportTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExportFields lists the fields an export of ?entityType can select.
func (s *Server) handleExportFields(w http.ResponseWriter, r *http.Request) {
	fields, err := s.service.ExportFields(r.URL.Query().Get("entityType"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

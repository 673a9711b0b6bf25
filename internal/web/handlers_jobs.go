package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/service"
)

// multipartOverhead is the allowance for form fields and boundaries on
// top of the file size limit.
const multipartOverhead = 1 << 20

// multipartMemory is the part of a multipart form kept in memory.
const multipartMemory = 32 << 20

// handleStartImport accepts a multipart upload with a "file" part. The
// clientId field selects the client; every other form field is passed
// through as a job parameter.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	file, name, params, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	clientID, err := parseClientID(params.Get("clientId", ""), true)
	if err != nil {
		badRequest(w, r, "clientId", err.Error())
		return
	}
	delete(params, "clientId")

	rec, err := s.service.StartImport(r.Context(), service.ImportRequest{
		ClientID: clientID,
		FileName: name,
		Body:     file,
		Params:   params,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// exportRequest is the body of POST /api/exports.
type exportRequest struct {
	ClientID int64       `json:"clientId"`
	Format   string      `json:"format"`
	Params   core.Params `json:"params"`
}

func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, multipartOverhead)).Decode(&req); err != nil {
		badRequest(w, r, "body", "invalid JSON: "+err.Error())
		return
	}
	if req.ClientID <= 0 {
		badRequest(w, r, "clientId", "clientId must be a positive integer")
		return
	}

	rec, err := s.service.StartExport(r.Context(), service.ExportRequest{
		ClientID: req.ClientID,
		Format:   req.Format,
		Params:   req.Params,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// handleDetect previews the layout, sample rows, auto mapping and matching
// templates of an uploaded file without importing it.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	file, name, params, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	clientID, err := parseClientID(params.Get("clientId", ""), false)
	if err != nil {
		badRequest(w, r, "clientId", err.Error())
		return
	}
	delete(params, "clientId")

	dir := s.cfg.Import.UploadDir
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			respondError(w, r, err)
			return
		}
	}
	// Strategies sniff by extension, so the temp file keeps it.
	tmp, err := os.CreateTemp(dir, "detect-*"+filepath.Ext(name))
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, file)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		respondError(w, r, err)
		return
	}

	det, err := s.service.DetectFile(r.Context(), clientID, tmp.Name(), name, params)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, det)
}

// readUpload parses the multipart form and returns the "file" part with
// the remaining fields as params. On failure the response is written and
// ok is false.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (file io.ReadCloser, name string, params core.Params, ok bool) {
	if limit := s.cfg.Import.MaxFileSize; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, err)
		} else {
			badRequest(w, r, "file", "expected a multipart form: "+err.Error())
		}
		return nil, "", nil, false
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, r, "file", "missing file part")
		return nil, "", nil, false
	}

	params = core.Params{}
	for key, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return f, header.Filename, params, true
}

var (
	errClientIDRequired = errors.New("clientId is required")
	errClientIDInvalid  = errors.New("clientId must be a positive integer")
)

// parseClientID parses a client id form value.
func parseClientID(raw string, required bool) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return 0, errClientIDRequired
		}
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 || (required && id == 0) {
		return 0, errClientIDInvalid
	}
	return id, nil
}

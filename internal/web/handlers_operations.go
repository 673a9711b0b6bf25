package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/logging"
	"github.com/JonMunkholm/pricefeed/internal/progress"
)

// keepAliveInterval is how often an idle SSE feed sends a comment line.
var keepAliveInterval = 15 * time.Second

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Operation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListOperations lists active operations, or stuck ones with
// ?state=stuck and an optional ?threshold=45m.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	var (
		recs []core.OperationRecord
		err  error
	)
	switch state := r.URL.Query().Get("state"); state {
	case "", "active":
		recs, err = s.service.ListActive(r.Context())
	case "stuck":
		threshold, perr := queryDuration(r, "threshold")
		if perr != nil {
			badRequest(w, r, "threshold", perr.Error())
			return
		}
		recs, err = s.service.ListStuck(r.Context(), threshold)
	default:
		badRequest(w, r, "state", fmt.Sprintf("unknown state %q, want active or stuck", state))
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	if recs == nil {
		recs = []core.OperationRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window, err := queryDuration(r, "since")
	if err != nil {
		badRequest(w, r, "since", err.Error())
		return
	}
	stats, err := s.service.Stats(r.Context(), window)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if stats == nil {
		stats = []core.OperationStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCancel requests cancellation and returns the current record. The
// job stops at its next cancellation check.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.Cancel(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	rec, err := s.service.Operation(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.service.Artifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		respondError(w, r, fmt.Errorf("open artifact: %w", err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		respondError(w, r, fmt.Errorf("stat artifact: %w", err))
		return
	}

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.FileName))
	http.ServeContent(w, r, art.FileName, info.ModTime(), f)
}

// handleOperationProgress streams the snapshots of one operation as
// Server-Sent Events. The event id is the processed count, so a client
// reconnecting with Last-Event-ID (or ?lastEventId=) skips what it has
// already seen. A final "complete" event follows the terminal snapshot.
func (s *Server) handleOperationProgress(w http.ResponseWriter, r *http.Request) {
	lastEventID := int64(-1)
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	resume := raw != ""
	if resume {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastEventID = n
		}
	}

	ch, unsubscribe, err := s.service.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer unsubscribe()

	rc := http.NewResponseController(w)
	startStream(w)
	if err := rc.Flush(); err != nil {
		logging.FromContext(r.Context()).Warn("sse: streaming not supported", "error", err)
		return
	}

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				fmt.Fprint(w, "event: complete\ndata: {}\n\n")
				rc.Flush()
				return
			}
			if resume && snap.Processed <= lastEventID && !snap.Status.Terminal() {
				continue
			}
			lastEventID = snap.Processed
			if err := writeEvent(w, "progress", strconv.FormatInt(snap.Processed, 10), snap); err != nil {
				return
			}
			rc.Flush()
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		}
	}
}

// handleProgressFeed streams the snapshots of every operation until the
// client disconnects.
func (s *Server) handleProgressFeed(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := s.service.SubscribeAll()
	defer unsubscribe()

	rc := http.NewResponseController(w)
	startStream(w)
	if err := rc.Flush(); err != nil {
		logging.FromContext(r.Context()).Warn("sse: streaming not supported", "error", err)
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, "progress", "", snap); err != nil {
				return
			}
			rc.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			rc.Flush()
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		}
	}
}

func startStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, event, id string, snap progress.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// queryDuration parses an optional Go duration query parameter.
func queryDuration(r *http.Request, key string) (time.Duration, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/scanq/internal/catalog"
	"github.com/mattjoyce/scanq/internal/events"
	"github.com/mattjoyce/scanq/internal/queue"
	"github.com/mattjoyce/scanq/internal/scheduler"
)

const maxBodyBytes = 64 << 10

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.Length(r.Context())
	if err != nil {
		s.logger.Error("failed to read queue length", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueLength:   n,
		Enabled:       s.deps.Settings.Enabled(),
	})
}

// handleListQueue handles GET /queue[?limit=N].
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	resp := QueueResponse{Entries: []Entry{}}
	for e, err := range s.deps.Store.Iterate(r.Context()) {
		if err != nil {
			s.logger.Error("failed to list queue", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list queue")
			return
		}
		if limit > 0 && len(resp.Entries) >= limit {
			break
		}
		resp.Entries = append(resp.Entries, entryFrom(e))
	}
	n, err := s.deps.Store.Length(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read queue length")
		return
	}
	resp.Length = n
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueLength(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.Length(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read queue length")
		return
	}
	respondJSON(w, http.StatusOK, LengthResponse{Length: n})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "report"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entryFrom(*e))
}

// handleEnqueue handles POST /queue.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Report = strings.TrimSpace(req.Report)
	if req.Report == "" {
		req.Report = uuid.NewString()
	}
	startFrom, err := queue.ParseStartFrom(req.StartFrom)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if req.Task != "" && s.deps.Catalog != nil {
		if err := catalog.Register(ctx, s.deps.Catalog, req.Report, req.Task, req.Owner); err != nil {
			s.logger.Error("failed to register report", "report", req.Report, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to register report")
			return
		}
	}
	if err := s.deps.Store.Enqueue(ctx, req.Report, startFrom); err != nil {
		s.writeStoreError(w, err)
		return
	}

	e, err := s.deps.Store.Get(ctx, req.Report)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("entry enqueued", "report", req.Report, "task", req.Task)
	respondJSON(w, http.StatusCreated, entryFrom(*e))
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.Clear(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to clear queue")
		return
	}
	s.logger.Warn("queue cleared", "removed", n)
	respondJSON(w, http.StatusOK, ClearResponse{Removed: n})
}

// handleCancel handles DELETE /queue/{report}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	report := chi.URLParam(r, "report")
	e, err := s.deps.Canceller.Cancel(r.Context(), report)
	if err != nil && e == nil {
		s.writeStoreError(w, err)
		return
	}
	if err != nil {
		// Removed, but the handler could not be stopped.
		s.logger.Warn("cancel could not stop handler", "report", report, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, CancelResponse{Report: report, HandlerPID: e.HandlerPID})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	report := chi.URLParam(r, "report")
	if err := s.deps.Store.RequeueToEnd(r.Context(), report); err != nil {
		s.writeStoreError(w, err)
		return
	}
	e, err := s.deps.Store.Get(r.Context(), report)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entryFrom(*e))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Settings.Snapshot())
}

// handlePutSettings applies a partial update; omitted fields are unchanged.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var patch scheduler.SettingsPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.deps.Settings.Apply(patch); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap := s.deps.Settings.Snapshot()
	s.deps.Events.Publish(events.SettingsChanged, snap)
	s.logger.Info("settings changed", "enabled", snap.Enabled, "ceiling", snap.Ceiling, "active_time_seconds", snap.ActiveTimeSeconds)
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrEntryNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrAlreadyQueued):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("queue store error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "queue store error")
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

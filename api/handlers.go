package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aluiziolira/go-deal-ingest/jobs"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/pipeline"
	"github.com/aluiziolira/go-deal-ingest/storage"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	svc    JobService
	health HealthSource
	logger *slog.Logger
}

type ingestRequest struct {
	URL string `json:"url"`
}

type ingestResponse struct {
	JobID string `json:"job_id"`
}

type bulkRequest struct {
	URLs []string `json:"urls"`
}

type bulkResponse struct {
	BulkJobID string           `json:"bulk_job_id"`
	Error     *models.JobError `json:"error,omitempty"`
}

type errorResponse struct {
	Error models.JobError `json:"error"`
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.svc.Ingest(r.Context(), req.URL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{JobID: id.String()})
}

func (h *handlers) ingestBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.svc.IngestBulk(r.Context(), req.URLs)
	var verr *pipeline.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, bulkResponse{BulkJobID: id.String()})
	case errors.As(err, &verr) && id != uuid.Nil:
		writeJSON(w, http.StatusBadRequest, bulkResponse{
			BulkJobID: id.String(),
			Error:     &models.JobError{Code: models.CodeValidationFailed, Message: verr.Message},
		})
	default:
		h.writeError(w, err)
	}
}

func (h *handlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handlers) bulkStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	offset, err1 := queryInt(r, "offset", 0)
	limit, err2 := queryInt(r, "limit", 0)
	if err := errors.Join(err1, err2); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: models.JobError{
			Code: models.CodeValidationFailed, Message: "offset and limit must be integers",
		}})
		return
	}
	view, err := h.svc.BulkStatus(r.Context(), id, offset, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) adapterHealth(w http.ResponseWriter, _ *http.Request) {
	rows := []models.IngestionMetric{}
	if h.health != nil {
		if snap := h.health.Snapshot(time.Now().UTC()); snap != nil {
			rows = snap
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": rows})
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: models.JobError{Code: models.CodeValidationFailed, Message: verr.Message}})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: models.JobError{Code: "NOT_FOUND", Message: "job not found"}})
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: models.JobError{Code: "CONFLICT", Message: "job already finished"}})
	case errors.Is(err, pipeline.ErrServiceClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: models.JobError{Code: "UNAVAILABLE", Message: "service is shutting down"}})
	default:
		h.logger.Error("request failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: models.JobError{Code: models.CodeInternal, Message: "internal error"}})
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: models.JobError{
			Code: models.CodeValidationFailed, Message: "invalid request body",
		}})
		return false
	}
	return true
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: models.JobError{
			Code: models.CodeValidationFailed, Message: "invalid job id",
		}})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

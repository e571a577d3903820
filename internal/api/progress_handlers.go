package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/store"
)

const (
	defaultContextLimit = 50
	maxContextLimit     = 500
	progressTimeout     = 3 * time.Second
)

// ProgressHandler exposes read-only rewrite context history.
type ProgressHandler struct {
	repo    store.EventRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo store.EventRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListContexts handles GET /v1/contexts?status=&limit=&offset=. It returns
// {"contexts": [...]} on success, 400 for invalid filters, 503 when the repo
// is unavailable, or 500 if the repository call fails.
func (h *ProgressHandler) ListContexts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultContextLimit, maxContextLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.ContextStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, ok := store.ParseContextStatus(strings.ToLower(raw))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &st
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	runs, err := h.repo.ListContexts(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list contexts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list contexts")
		return
	}
	out := make([]contextDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toContextDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": out})
}

// GetContext handles GET /v1/contexts/{context_id}.
func (h *ProgressHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "context_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid context_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	run, err := h.repo.GetContext(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "context not found")
			return
		}
		h.logger.Error("get context failed", zap.Stringer("context_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load context")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"context": toContextDTO(run)})
}

// ListFilterStats handles GET /v1/filters/stats.
func (h *ProgressHandler) ListFilterStats(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	rows, err := h.repo.ListFilterStats(ctx)
	if err != nil {
		h.logger.Error("list filter stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list filter stats")
		return
	}
	out := make([]filterStatsDTO, 0, len(rows))
	for _, s := range rows {
		out = append(out, filterStatsDTO{
			Filter:      s.Filter,
			LastUpdate:  s.LastUpdate,
			Rewrites:    s.Rewrites,
			Failed:      s.Failed,
			TooBusy:     s.TooBusy,
			CacheHits:   s.CacheHits,
			OutputBytes: s.OutputBytes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"filters": out})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toContextDTO(run store.ContextRun) contextDTO {
	return contextDTO{
		ID:         run.ID.String(),
		Filter:     run.Filter,
		Key:        run.Key,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
	}
}

type contextDTO struct {
	ID         string     `json:"id"`
	Filter     string     `json:"filter"`
	Key        string     `json:"key"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
}

type filterStatsDTO struct {
	Filter      string    `json:"filter"`
	LastUpdate  time.Time `json:"last_update"`
	Rewrites    int64     `json:"rewrites"`
	Failed      int64     `json:"failed"`
	TooBusy     int64     `json:"too_busy"`
	CacheHits   int64     `json:"cache_hits"`
	OutputBytes int64     `json:"output_bytes"`
}

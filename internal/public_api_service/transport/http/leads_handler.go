package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	leaddomain "github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/pipeline"
)

const (
	defaultRecentLimit = 25
	maxRecentLimit     = 200
)

// LeadProcessor is the synchronous intake path for manual submissions.
type LeadProcessor interface {
	ProcessLead(ctx context.Context, rawPayload string, meta leaddomain.SourceMetadata) leaddomain.ProcessingResult
}

// LeadsHandler serves the dashboard endpoints and manual lead intake.
type LeadsHandler struct {
	leadRepo  leaddomain.LeadRepository
	logRepo   leaddomain.ProcessingLogRepository
	processor LeadProcessor
	stats     *pipeline.StatsCollector
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewLeadsHandler(
	leadRepo leaddomain.LeadRepository,
	logRepo leaddomain.ProcessingLogRepository,
	processor LeadProcessor,
	stats *pipeline.StatsCollector,
	logger *slog.Logger,
) *LeadsHandler {
	return &LeadsHandler{
		leadRepo:  leadRepo,
		logRepo:   logRepo,
		processor: processor,
		stats:     stats,
		validate:  validator.New(),
		logger:    logger.With("component", "leads_handler"),
	}
}

// HandleHealthz is the liveness probe.
func (h *LeadsHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleRecentLeads serves GET /api/v1/leads/recent.
func (h *LeadsHandler) HandleRecentLeads(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxRecentLimit {
			writeError(w, h.logger, http.StatusBadRequest, "limit must be an integer between 1 and 200")
			return
		}
		limit = parsed
	}

	leads, err := h.leadRepo.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list recent leads", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "failed to list leads")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"leads": leads, "count": len(leads)})
}

// HandleStats serves GET /api/v1/stats: the in-memory pipeline
// aggregates plus the most recent persisted error log rows.
func (h *LeadsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := h.stats.Snapshot()

	errs, err := h.logRepo.ListRecentErrors(r.Context(), 10)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to list recent error logs", "error", err)
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"pipeline":          snapshot,
		"recent_error_logs": errs,
	})
}

// HandleSubmitLead serves POST /api/v1/leads: synchronous manual
// intake, mostly used to replay payloads while debugging a vendor feed.
func (h *LeadsHandler) HandleSubmitLead(w http.ResponseWriter, r *http.Request) {
	var submission ManualLeadSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(submission); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	source := submission.Source
	if source == "" {
		source = "manual"
	}
	// Each submission gets its own message id; dedup belongs to the
	// fingerprint, not the intake channel.
	result := h.processor.ProcessLead(r.Context(), submission.Payload, leaddomain.SourceMetadata{
		SourceMessageID: "manual-" + uuid.NewString(),
		Subject:         "manual submission",
		From:            source,
	})

	status := http.StatusCreated
	if !result.Success {
		status = http.StatusUnprocessableEntity
	} else if result.IsDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, h.logger, status, result)
}

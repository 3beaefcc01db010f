package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ManualLeadSubmission is the body of POST /api/v1/leads: a raw ADF
// payload injected without going through the mailbox.
type ManualLeadSubmission struct {
	Payload string `json:"payload" validate:"required"`
	Source  string `json:"source,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, errorResponse{Error: msg})
}

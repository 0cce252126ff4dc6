package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// ErrorResponse represents an API error response
// @Description API error response
type ErrorResponse struct {
	Error string `json:"error" example:"connection not found"`
}

// StatusResponse represents a simple status response
// @Description Simple status response
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}

// VersionResponse represents the API version response
// @Description API version response
type VersionResponse struct {
	Version string `json:"version" example:"1.0.0"`
}

// SyncRequest asks for a sync of one connection
// @Description Sync request
type SyncRequest struct {
	Kind domain.JobKind `json:"kind" example:"delta"`
}

// SyncResponse carries the ID of the queued or already running job
// @Description Sync response
type SyncResponse struct {
	JobID string `json:"job_id" example:"7c9e6679-7425-40de-944b-e07fc1f90ae7"`
}

// Health endpoints

// handleHealth godoc
// @Summary      Liveness check
// @Description  Returns ok while the process is serving
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Checks every registered dependency. Optional dependencies only mark the engine degraded.
// @Tags         Health
// @Produce      json
// @Success      200  {object}  runtime.Report
// @Failure      503  {object}  runtime.Report
// @Router       /ready [get]
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleVersion godoc
// @Summary      Get version
// @Tags         Health
// @Produce      json
// @Success      200  {object}  VersionResponse
// @Router       /version [get]
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: s.version})
}

// Operator endpoints

// handleGetStatus godoc
// @Summary      Get sync status
// @Description  Returns the reconciler state, the last finished job and any running job
// @Tags         Connections
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Connection ID"
// @Success      200  {object}  domain.SyncStatus
// @Failure      401  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /api/v1/connections/{id}/status [get]
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.syncService.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRequestSync godoc
// @Summary      Request a sync
// @Description  Enqueues a sync. A connection with a queued or running job returns that job's ID.
// @Tags         Connections
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string       true   "Connection ID"
// @Param        request  body      SyncRequest  false  "Job kind, delta when omitted"
// @Success      202      {object}  SyncResponse
// @Failure      400      {object}  ErrorResponse
// @Failure      404      {object}  ErrorResponse
// @Failure      409      {object}  ErrorResponse  "Connection halted"
// @Router       /api/v1/connections/{id}/sync [post]
func (s *Server) handleRequestSync(w http.ResponseWriter, r *http.Request) {
	req := SyncRequest{Kind: domain.JobKindDelta}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Kind {
	case domain.JobKindFull, domain.JobKindDelta:
	case "":
		req.Kind = domain.JobKindDelta
	default:
		writeError(w, http.StatusBadRequest, "kind must be full or delta")
		return
	}

	jobID, err := s.syncService.RequestSync(r.Context(), r.PathValue("id"), req.Kind)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SyncResponse{JobID: jobID})
}

// handleReset godoc
// @Summary      Reset a halted connection
// @Description  Clears the error state so automatic syncing resumes
// @Tags         Connections
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Connection ID"
// @Success      200  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /api/v1/connections/{id}/reset [post]
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.syncService.Reset(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "reset"})
}

// handleDisconnect godoc
// @Summary      Disconnect a connection
// @Description  Tears down the webhook lease and the checkpoint
// @Tags         Connections
// @Security     BearerAuth
// @Param        id   path  string  true  "Connection ID"
// @Success      204
// @Failure      404  {object}  ErrorResponse
// @Router       /api/v1/connections/{id} [delete]
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.syncService.Disconnect(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps domain errors onto status codes. Only the
// status-safe message reaches the client.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "connection not found")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, domain.ErrConnectionHalted):
		writeError(w, http.StatusConflict, "connection halted, reset it first")
	default:
		s.logger.Error("operator request failed", "error", err)
		writeError(w, http.StatusInternalServerError, domain.MessageOf(err))
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/controller"
	"github.com/FairForge/geofailover/internal/failover"
	"github.com/FairForge/geofailover/internal/topology"
)

type triggerRequest struct {
	Reason string `json:"reason"`
}

type attemptResponse struct {
	Attempt failover.Attempt `json:"attempt"`
	Error   string           `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.GetStatus())
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	attempts, err := s.controller.Attempts(r.Context(), limit)
	if err != nil {
		s.logger.Error("list failover attempts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []failover.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

func (s *Server) handleTriggerFailover(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	var req triggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual trigger"
	}

	s.logger.Info("manual failover requested",
		zap.String("group", groupID),
		zap.String("operator", OperatorFromContext(r.Context())),
		zap.String("reason", req.Reason))

	attempt, err := s.controller.TriggerFailover(r.Context(), groupID, req.Reason)

	var concurrent *failover.ConcurrentFailoverError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, attemptResponse{Attempt: attempt})
	case errors.Is(err, failover.ErrUnknownGroup):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &concurrent):
		writeJSON(w, http.StatusConflict, attemptResponse{Attempt: concurrent.InProgress, Error: err.Error()})
	case errors.Is(err, failover.ErrNoPrimary):
		writeError(w, http.StatusConflict, err.Error())
	case attempt.ID != "" || errors.Is(err, failover.ErrNoEligibleCandidate):
		writeJSON(w, http.StatusUnprocessableEntity, attemptResponse{Attempt: attempt, Error: err.Error()})
	default:
		s.logger.Error("manual failover", zap.String("group", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleActivateSite(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")

	site, err := s.controller.ActivateSite(r.Context(), siteID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, site)
	case errors.Is(err, topology.ErrSiteNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, controller.ErrPrimarySite):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("activate site", zap.String("site", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	logger "github.com/sirupsen/logrus"

	"pumpengine/src/model"
	"pumpengine/src/repository"
)

type driftLister interface {
	FindLatestBySession(ctx context.Context, sessionID string, limit int) ([]model.DriftEvent, error)
}

// ListDriftsHandler returns a handler that lists reconciliation drift
// events for one session, newest first.
func ListDriftsHandler(repo driftLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			http.Error(w, "sessionId is required", http.StatusBadRequest)
			return
		}

		limit := 0
		if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
			parsed, err := strconv.Atoi(limitParam)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		drifts, err := repo.FindLatestBySession(r.Context(), sessionID, limit)
		if err != nil {
			logger.WithError(err).Error("failed to list drift events")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(drifts); err != nil {
			logger.WithError(err).Error("failed to encode drift list response")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}

// DefaultListDriftsHandler wires the handler to the production repository implementation.
func DefaultListDriftsHandler() http.HandlerFunc {
	return ListDriftsHandler(repository.NewDriftRepository())
}

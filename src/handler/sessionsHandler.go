package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/model"
	"pumpengine/src/session"
)

type sessionManager interface {
	StartSession(ctx context.Context, req session.Request) (session.Status, error)
	StopSession(ctx context.Context, sessionID string) (session.Status, error)
	GetSessionStatus(sessionID string) (session.Status, error)
	ListSessions() []session.Status
}

// StartSessionHandler returns a handler that launches a new trading session
// from a JSON request body.
func StartSessionHandler(manager sessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req session.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		status, err := manager.StartSession(r.Context(), req)
		if err != nil {
			writeSessionError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.WithError(err).Error("failed to encode start session response")
		}
	}
}

// ListSessionsHandler returns a handler that snapshots every known session.
func ListSessionsHandler(manager sessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(manager.ListSessions()); err != nil {
			logger.WithError(err).Error("failed to encode session list response")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

// GetSessionHandler returns a handler that reports one session's status.
func GetSessionHandler(manager sessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		status, err := manager.GetSessionStatus(sessionID)
		if err != nil {
			writeSessionError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.WithError(err).Error("failed to encode session status response")
		}
	}
}

// StopSessionHandler returns a handler that drains and stops a session.
// The session stays queryable afterwards.
func StopSessionHandler(manager sessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		status, err := manager.StopSession(r.Context(), sessionID)
		if err != nil {
			writeSessionError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.WithError(err).Error("failed to encode stop session response")
		}
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	var validation *model.ValidationError
	switch {
	case errors.As(err, &validation):
		http.Error(w, validation.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, model.ErrSessionNotFound),
		errors.Is(err, model.ErrStrategyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		logger.WithError(err).Error("session operation failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/handler"
	"pumpengine/src/session"
)

// NewRouter builds the engine's HTTP API around a session manager.
func NewRouter(manager *session.Manager) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", handler.StartSessionHandler(manager))
		r.Get("/", handler.ListSessionsHandler(manager))
		r.Get("/{sessionID}", handler.GetSessionHandler(manager))
		r.Delete("/{sessionID}", handler.StopSessionHandler(manager))
	})

	r.Get("/orders", handler.DefaultSearchOrdersHandler())
	r.Get("/drifts", handler.DefaultListDriftsHandler())

	return r
}

// StartServer runs the API until SIGINT/SIGTERM, then shuts down
// gracefully and stops every running session.
func StartServer(port string, manager *session.Manager) {
	r := NewRouter(manager)

	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	// Shutdown on SIGINT or SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")

	// Sessions drain first so in-flight orders settle before the API dies.
	sessionCtx, cancelSessions := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSessions()
	manager.StopAll(sessionCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// healthHandler answers liveness probes.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// startHealthcheckServer runs the health check HTTP server in the
// background and returns a shutdown function.
func (a *App) startHealthcheckServer(port int) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		a.logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Health check server failed unexpectedly", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("Health check server shutdown failed", "error", err)
		}
	}
}

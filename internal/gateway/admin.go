package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// adminHandler serves health, readiness, metrics and directory snapshots
func (g *Gateway) adminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", g.healthHandler)
	r.Get("/ready", g.readyHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/services", g.servicesHandler)
	r.Get("/sessions/count", g.sessionCountHandler)
	return r
}

// startAdminServer starts the admin HTTP server. Port 0 disables it.
func (g *Gateway) startAdminServer(_ context.Context) error {
	port := g.config.Server.AdminPort
	if port == 0 {
		return nil
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	g.adminServer = &http.Server{Handler: g.adminHandler()}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.adminServer.Serve(l); err != nil && err != http.ErrServerClosed {
			g.log.Error("admin server error", zap.Error(err))
		}
	}()

	g.log.Info("admin server started", zap.Int("port", port))
	return nil
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler reports 503 while draining
func (g *Gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func (g *Gateway) servicesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.directory.Snapshot())
}

func (g *Gateway) sessionCountHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"count": g.sessionManager.Count()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Package api exposes sqlx-admin's HTTP surface: process status, a
// liveness probe across every configured profile's pool, Prometheus
// metrics, and per-pool stats, generalized from the teacher's
// per-tenant proxy admin surface to SQLx-Go's per-profile one.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlx-go/sqlx/internal/config"
	"github.com/sqlx-go/sqlx/internal/metrics"
	"github.com/sqlx-go/sqlx/internal/pool"
	"github.com/sqlx-go/sqlx/internal/registry"
)

// Server is the REST API and metrics server.
type Server struct {
	registry   *registry.Registry
	pools      func() map[string]*pool.Pool
	metrics    *metrics.Collector
	listenCfg  config.ListenConfig
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server. pools is called on every request
// that needs live pool state, so pools the provider adds or replaces
// after startup (such as on a config reload) are reflected without
// restarting the server.
func NewServer(reg *registry.Registry, pools func() map[string]*pool.Pool, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		registry:  reg,
		pools:     pools,
		metrics:   m,
		listenCfg: lc,
		startTime: time.Now(),
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/pools", s.listPools).Methods("GET")
	r.HandleFunc("/pools/{name}/stats", s.poolStats).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_profiles":   len(s.registry.List()),
		"listen": map[string]interface{}{
			"api_port": s.listenCfg.APIPort,
		},
	})
}

// healthHandler probes every profile's pool concurrently and reports
// overall liveness, per spec §6's /health endpoint.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.pools()
	results := pool.ProbeAll(r.Context(), pools, int64(len(pools)))

	statuses := make(map[string]string, len(results))
	allHealthy := true
	for name, err := range results {
		if err != nil {
			statuses[name] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			statuses[name] = "healthy"
		}
		if s.metrics != nil {
			s.metrics.ProbeCompleted(name, 0, err == nil)
		}
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": boolToStatus(allHealthy),
		"pools":  statuses,
	})
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	profiles := s.registry.List()
	result := make(map[string]config.ProfileConfig, len(profiles))
	for name, p := range profiles {
		result[name] = p.Redacted()
	}
	writeJSON(w, http.StatusOK, result)
}

type poolStatsResponse struct {
	Name    string      `json:"name"`
	Config  interface{} `json:"config"`
	Stats   *pool.Stats `json:"stats,omitempty"`
	Healthy *bool       `json:"healthy,omitempty"`
}

func (s *Server) poolStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	profile, err := s.registry.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown profile: "+name)
		return
	}

	resp := poolStatsResponse{Name: name, Config: profile.Redacted()}

	pools := s.pools()
	if p, ok := pools[name]; ok {
		stats := p.Stats()
		resp.Stats = &stats

		healthy := p.Probe(r.Context()) == nil
		resp.Healthy = &healthy
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}

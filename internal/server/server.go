// Package server is the HTTP ingress: the DirectAdmin-compatible admin API,
// the peer replication endpoints, and the operational surface (/status,
// /health, /metrics).
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/paneldns/paneldns/internal/backend"
	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
	"github.com/paneldns/paneldns/internal/peersync"
	"github.com/paneldns/paneldns/internal/queue"
	"github.com/paneldns/paneldns/internal/reconcile"
	"github.com/paneldns/paneldns/internal/store"
	"github.com/paneldns/paneldns/internal/worker"
)

type Server struct {
	cfg        *config.Config
	store      *store.Store
	queues     *queue.Queues
	registry   *backend.Registry
	metrics    *metrics.Metrics
	manager    *worker.Manager
	reconciler *reconcile.Worker
	peers      *peersync.Worker
}

func New(cfg *config.Config, st *store.Store, qs *queue.Queues, reg *backend.Registry,
	m *metrics.Metrics, mgr *worker.Manager, rec *reconcile.Worker, ps *peersync.Worker) *Server {

	return &Server{
		cfg:        cfg,
		store:      st,
		queues:     qs,
		registry:   reg,
		metrics:    m,
		manager:    mgr,
		reconciler: rec,
		peers:      ps,
	}
}

// Router builds the full route tree. Two basic-auth realms: the app realm
// guards the panel-facing API, the peer realm guards /internal/*. /health
// and /metrics are open for probes and scrapers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	appCreds := map[string]string{s.cfg.Auth.AppUsername: s.cfg.Auth.AppPassword}
	r.Group(func(r chi.Router) {
		r.Use(middleware.BasicAuth("paneldns", appCreds))
		r.Get("/CMD_API_LOGIN_TEST", s.handleLoginTest)
		r.Post("/CMD_API_LOGIN_TEST", s.handleLoginTest)
		r.Get("/CMD_API_DNS_ADMIN", s.handleExists)
		r.Post("/CMD_API_DNS_ADMIN", s.handleDNSAdmin)
		r.Get("/status", s.handleStatus)
	})

	peerCreds := map[string]string{s.cfg.Auth.PeerUsername: s.cfg.Auth.PeerPassword}
	r.Group(func(r chi.Router) {
		r.Use(middleware.BasicAuth("paneldns-peer", peerCreds))
		r.Get("/internal/zones", s.handleInternalZones)
		r.Get("/internal/zone", s.handleInternalZone)
		r.Get("/internal/peers", s.handleInternalPeers)
	})

	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.IncIngressRequest(route, ww.Status())
	})
}

// ------------------------------------------------------------------
// Operational endpoints
// ------------------------------------------------------------------

// statusDoc aggregates every subsystem into one pollable document.
// Overall status: error when a core drainer is dead, degraded when retries,
// dead letters, or unhealthy peers are pending, ok otherwise.
type statusDoc struct {
	Status     string           `json:"status"`
	Queues     queuesDoc        `json:"queues"`
	Workers    workersDoc       `json:"workers"`
	Reconciler reconcile.Status `json:"reconciler"`
	PeerSync   peersync.Status  `json:"peer_sync"`
	Zones      zonesDoc         `json:"zones"`
}

type queuesDoc struct {
	Save        int `json:"save"`
	Delete      int `json:"delete"`
	Retry       int `json:"retry"`
	DeadLetters int `json:"dead_letters"`
}

type workersDoc struct {
	Save   bool `json:"save"`
	Delete bool `json:"delete"`
	Retry  bool `json:"retry_drain"`
}

type zonesDoc struct {
	Total int `json:"total"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws := s.manager.Status(ctx)

	zones, err := s.store.CountDomains(ctx)
	if err != nil {
		slog.Warn("fail count zones for status", "error", err)
	}

	doc := statusDoc{
		Queues: queuesDoc{
			Save:        ws.SaveQueueSize,
			Delete:      ws.DeleteQueueSize,
			Retry:       ws.RetryQueueSize,
			DeadLetters: ws.DeadLetters,
		},
		Workers: workersDoc{
			Save:   ws.SaveWorkerAlive,
			Delete: ws.DeleteWorkerAlive,
			Retry:  ws.RetryWorkerAlive,
		},
		Reconciler: s.reconciler.Status(),
		PeerSync:   s.peers.Status(),
		Zones:      zonesDoc{Total: zones},
	}
	doc.Status = overallStatus(ws, doc.PeerSync)

	writeJSON(w, http.StatusOK, doc)
}

func overallStatus(ws worker.Status, ps peersync.Status) string {
	if !ws.SaveWorkerAlive || !ws.DeleteWorkerAlive || !ws.RetryWorkerAlive {
		return "error"
	}
	if ws.RetryQueueSize > 0 || ws.DeadLetters > 0 || ps.Degraded > 0 {
		return "degraded"
	}
	return "ok"
}

type backendHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := struct {
		Status   string          `json:"status"`
		Backends []backendHealth `json:"backends"`
	}{Status: "OK", Backends: []backendHealth{}}

	drivers := s.registry.Enabled()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		status := "active"
		// A presence probe doubles as a liveness check; the answer itself
		// does not matter, only whether the backend responds.
		if _, err := drivers[name].ZoneExists(r.Context(), "health.invalid"); err != nil {
			status = "unavailable"
			slog.Debug("backend health probe failed", "backend", name, "error", err)
		}
		doc.Backends = append(doc.Backends, backendHealth{Name: name, Status: status})
	}
	writeJSON(w, http.StatusOK, doc)
}

// ------------------------------------------------------------------
// Peer replication endpoints
// ------------------------------------------------------------------

func (s *Server) handleInternalZones(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListDomainsWithZoneData(r.Context())
	if err != nil {
		slog.Error("fail list zones for peer exchange", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	entries := make([]peersync.ZoneEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, zoneEntry(&rows[i]))
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleInternalZone(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing domain parameter"})
		return
	}
	row, err := s.store.GetDomain(r.Context(), domain)
	if err != nil {
		slog.Error("fail read zone for peer exchange", "zone", domain, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if row == nil || row.ZoneData == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, zoneEntry(row))
}

func (s *Server) handleInternalPeers(w http.ResponseWriter, r *http.Request) {
	urls := s.peers.PeerURLs()
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, urls)
}

func zoneEntry(row *store.Domain) peersync.ZoneEntry {
	return peersync.ZoneEntry{
		ZoneName:      row.ZoneName,
		ZoneUpdatedAt: row.ZoneUpdatedAt,
		ZoneData:      row.ZoneData,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("fail encode response", "error", err)
	}
}

// HTTPServer wraps the router so main can stop accepting ingress before the
// workers drain. Read timeouts bound how long a slow client can hold a
// handler goroutine.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

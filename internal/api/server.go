// Package api serves a read-only JSON view of the pipeline: recent alerts,
// persisted state, tailer health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"logwarden/internal/alerts"
	"logwarden/internal/logging"
	"logwarden/internal/metrics"
	"logwarden/internal/model"
	"logwarden/internal/tailer"
)

// StateSource is the audit view of persisted state.
type StateSource interface {
	Snapshot(ctx context.Context) (model.SystemState, error)
}

// HealthSource reports per-file tailer counters.
type HealthSource interface {
	Snapshot(ctx context.Context) ([]tailer.SourceHealth, error)
}

type Options struct {
	Addr       string
	Version    string
	Components []string
}

type Server struct {
	opts    Options
	alerts  *alerts.Store
	state   StateSource
	health  HealthSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	started time.Time
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Uptime     string         `json:"uptime"`
	Version    string         `json:"version"`
	Components []string       `json:"components"`
	Alerts     alertsStatus   `json:"alerts"`
	State      *stateCounters `json:"state,omitempty"`
}

type alertsStatus struct {
	Buffered   int                    `json:"buffered"`
	Total      int64                  `json:"total"`
	BySeverity map[model.Severity]int `json:"by_severity"`
}

type stateCounters struct {
	BlockedIPs     int    `json:"blocked_ips"`
	TotalAlerts    int64  `json:"total_alerts"`
	TotalDecisions int64  `json:"total_decisions"`
	LastAction     string `json:"last_action,omitempty"`
}

// New builds the server. Any source may be nil; the matching endpoint then
// answers 404.
func New(opts Options, recent *alerts.Store, state StateSource, health HealthSource, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		opts:    opts,
		alerts:  recent,
		state:   state,
		health:  health,
		metrics: m,
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Serve listens until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.opts.Addr)
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api shutdown", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string {
	return "api"
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Version:    s.opts.Version,
		Components: s.opts.Components,
	}
	if s.alerts != nil {
		resp.Alerts = alertsStatus{
			Buffered:   s.alerts.Len(),
			Total:      s.alerts.Total(),
			BySeverity: s.alerts.Counts(),
		}
	}
	if s.state != nil {
		st, err := s.state.Snapshot(r.Context())
		if err != nil {
			s.logger.Warn("state snapshot", "err", err)
			resp.Status = "degraded"
		} else {
			resp.State = &stateCounters{
				BlockedIPs:     len(st.BlockedIPs),
				TotalAlerts:    st.TotalAlerts,
				TotalDecisions: st.TotalDecisions,
				LastAction:     st.LastAction,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.alerts == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	f := alerts.Filter{
		IP:       q.Get("ip"),
		Type:     q.Get("type"),
		Severity: model.Severity(q.Get("severity")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.Since = ts
	}
	list := s.alerts.List(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.state == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	st, err := s.state.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("state snapshot", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "state unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sources": []tailer.SourceHealth{}})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	sources, err := s.health.Snapshot(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	status := "ok"
	for _, src := range sources {
		if src.State != tailer.StateOpen {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "sources": sources})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

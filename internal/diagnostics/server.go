// Package diagnostics exposes the companion runtime's operational surface
// over HTTP: health, bus/registry metrics, and the dead-letter queue.
// Grounded in modules/httpserver's graceful-shutdown http.Server wrapping
// and modules/chimux's router module, narrowed from the teacher's full
// TLS/certificate-service machinery (out of scope for a loopback-only
// diagnostics endpoint) down to a plain chi.Mux behind net/http's own
// Shutdown.
package diagnostics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
	"github.com/flowloop/companion/internal/fault"
	"github.com/flowloop/companion/internal/registry"
)

// BusMetrics is the subset of *bus.Bus diagnostics needs.
type BusMetrics interface {
	Metrics() bus.Snapshot
}

// HealthSource is the subset of *registry.Registry diagnostics needs.
type HealthSource interface {
	Summary() registry.HealthSummary
	All() []registry.Snapshot
}

// DeadLetterSource is the subset of *fault.DLQ diagnostics needs.
type DeadLetterSource interface {
	List(reason *fault.Reason) []fault.Entry
}

// Config controls the diagnostics server's bind address.
type Config struct {
	Addr string
}

// DefaultConfig binds to loopback-only on the fixed diagnostics port 9191.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:9191"}
}

// Server exposes GET /healthz, GET /metrics, GET /dlq.
type Server struct {
	cfg  Config
	log  applog.Logger
	http *http.Server
}

// New builds a diagnostics server reading from bus, reg, and dlq. dlq may be
// nil if the fault layer's dead-letter queue is not wired for this process.
func New(cfg Config, b BusMetrics, reg HealthSource, dlq DeadLetterSource, log applog.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{cfg: cfg, log: log}

	r.Get("/healthz", s.handleHealthz(reg))
	r.Get("/metrics", s.handleMetrics(b))
	r.Get("/dlq", s.handleDLQ(dlq))

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listener synchronously, returning any listen error, and
// then serves in a background goroutine without blocking the caller.
func (s *Server) Start(ctx context.Context) error {
	ln, err := newListener(s.cfg.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error("diagnostics server stopped", "err", err)
			}
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func (s *Server) handleHealthz(reg HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg == nil {
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unknown"})
			return
		}
		summary := reg.Summary()
		status := http.StatusOK
		if summary.Overall != registry.OverallHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, r, status, map[string]any{
			"overall":       summary.Overall.String(),
			"healthy_count": summary.HealthyCount,
			"total":         summary.Total,
			"modules":       reg.All(),
		})
	}
}

func (s *Server) handleMetrics(b BusMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b == nil {
			writeJSON(w, r, http.StatusOK, bus.Snapshot{})
			return
		}
		writeJSON(w, r, http.StatusOK, b.Metrics())
	}
}

func (s *Server) handleDLQ(dlq DeadLetterSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if dlq == nil {
			writeJSON(w, r, http.StatusOK, []fault.Entry{})
			return
		}
		var reason *fault.Reason
		if q := r.URL.Query().Get("reason"); q != "" {
			if v, ok := fault.ParseReason(q); ok {
				reason = &v
			}
		}
		writeJSON(w, r, http.StatusOK, dlq.List(reason))
	}
}

// writeJSON wraps the body in a CloudEvent when the caller asks for one via
// Accept, mirroring observer_cloudevents.go's outward-facing eventing
// without forcing the in-process bus itself onto the CloudEvents wire
// format.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	if r.Header.Get("Accept") == "application/cloudevents+json" {
		event := cloudevents.NewEvent()
		event.SetID(time.Now().Format(time.RFC3339Nano))
		event.SetSource("companion/diagnostics")
		event.SetType("com.flowloop.companion.diagnostics")
		event.SetTime(time.Now())
		if err := event.SetData(cloudevents.ApplicationJSON, body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/cloudevents+json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(event)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

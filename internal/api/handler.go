// Package api serves the read-mostly introspection surface of a running
// agent: its state, drives, memories, dreams and recent events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/dream"
	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/events"
	"github.com/nidhogg/atlas/internal/heartbeat"
	"github.com/nidhogg/atlas/internal/memory"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Cycler runs one heartbeat on demand. *heartbeat.Scheduler implements it.
type Cycler interface {
	RunCycle(ctx context.Context) (*heartbeat.CycleReport, error)
}

// FactSource answers fact queries. *memory.Semantic implements it.
type FactSource interface {
	Query(ctx context.Context, keys ...string) []memory.Fact
	All() []memory.Fact
}

// RunSource lists consolidation runs. *dream.Consolidator implements it.
type RunSource interface {
	Runs(ctx context.Context, limit int) ([]dream.Run, error)
}

// Tracer keeps recent in-process events. *events.Bus implements it.
type Tracer interface {
	Trace(n int) []events.Event
	Dropped() int64
}

// EventStream reads events back from an external sink. *events.RedisSink
// implements it.
type EventStream interface {
	Recent(ctx context.Context, n int64) ([]events.Event, error)
}

// Deps are the handler's collaborators. Stream and Metrics may be nil.
type Deps struct {
	State       *heartbeat.AgentState
	Cycler      Cycler
	Facts       FactSource
	Dreams      RunSource
	Trace       Tracer
	Stream      EventStream
	Metrics     http.Handler
	CORSOrigins []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := h.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/state", h.getState)
		r.Get("/drives", h.getDrives)
		r.Get("/working", h.getWorking)
		r.Get("/facts", h.listFacts)
		r.Get("/dreams", h.listDreams)
		r.Get("/events", h.listEvents)
		r.Post("/heartbeat", h.triggerHeartbeat)
	})
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics)
	}

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	life := h.deps.State.Lifecycle()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agent":  "atlas",
		"cycles": life.Cycles,
	})
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.State.View())
}

type drivesResponse struct {
	Mode           drive.Mode                `json:"mode"`
	SleepThreshold float64                   `json:"sleep_threshold"`
	Drives         []drive.Variable          `json:"drives"`
	Critical       map[drive.Name]drive.Level `json:"critical,omitempty"`
}

func (h *Handler) getDrives(w http.ResponseWriter, r *http.Request) {
	d := h.deps.State.Drives
	writeJSON(w, http.StatusOK, drivesResponse{
		Mode:           d.Mode(),
		SleepThreshold: d.Config().SleepThreshold,
		Drives:         d.Variables(),
		Critical:       d.Critical(),
	})
}

func (h *Handler) getWorking(w http.ResponseWriter, r *http.Request) {
	wm := h.deps.State.Working
	entries := wm.Entries()
	if entries == nil {
		entries = []memory.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capacity":  wm.Capacity(),
		"diversity": wm.Diversity(),
		"entries":   entries,
	})
}

func (h *Handler) listFacts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Facts == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "semantic memory not initialized"})
		return
	}
	var facts []memory.Fact
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		facts = h.deps.Facts.Query(r.Context(), q)
	} else {
		facts = h.deps.Facts.All()
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		kept := facts[:0:0]
		for _, f := range facts {
			if string(f.Kind) == kind {
				kept = append(kept, f)
			}
		}
		facts = kept
	}
	if facts == nil {
		facts = []memory.Fact{}
	}
	writeJSON(w, http.StatusOK, facts)
}

func (h *Handler) listDreams(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dreams == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dreaming not initialized"})
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	runs, err := h.deps.Dreams.Runs(r.Context(), limit)
	if err != nil {
		h.logger.Warn("list dreams failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []dream.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// listEvents serves the in-process trace, or the external stream with
// ?source=stream when one is configured.
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var evs []events.Event
	switch r.URL.Query().Get("source") {
	case "stream":
		if h.deps.Stream == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream not configured"})
			return
		}
		evs, err = h.deps.Stream.Recent(r.Context(), int64(limit))
		if err != nil {
			h.logger.Warn("read event stream failed", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
	case "", "trace":
		if h.deps.Trace == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus not initialized"})
			return
		}
		evs = h.deps.Trace.Trace(limit)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source must be trace or stream"})
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	resp := map[string]any{"events": evs}
	if h.deps.Trace != nil {
		resp["dropped"] = h.deps.Trace.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) triggerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cycler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "heartbeat not initialized"})
		return
	}
	rep, err := h.deps.Cycler.RunCycle(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rep)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		h.logger.Warn("manual heartbeat failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"report": rep,
		})
	}
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package admin serves the host's operator HTTP API: status, module table,
// per-module stats and the restart/deactivate controls.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/database"
	"github.com/GoCodeAlone/modhost/logging"
)

// ErrNoStats is returned for modules that are inactive or report no stats.
var ErrNoStats = errors.New("no stats for module")

// Host is the part of *modhost.Core the API drives.
type Host interface {
	SystemStatus(ctx context.Context) modhost.SystemStatus
	ModuleStats() map[string]map[string]any
	RestartModule(ctx context.Context, name string) error
	DeactivateModule(ctx context.Context, name string) error
	Database() *sql.DB
	Shutdown(ctx context.Context)
}

type handler struct {
	host   Host
	logger modhost.Logger
}

// NewRouter builds the admin routes.
func NewRouter(host Host, logger modhost.Logger) chi.Router {
	if logger == nil {
		logger = logging.Nop()
	}
	h := &handler{host: host, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Post("/shutdown", h.shutdown)
	r.Route("/modules", func(r chi.Router) {
		r.Get("/", h.modules)
		r.Get("/{name}/stats", h.moduleStats)
		r.Post("/{name}/restart", h.restart)
		r.Post("/{name}/deactivate", h.deactivate)
	})
	return r
}

// NewServer wraps the admin routes in an http.Server listening on addr.
func NewServer(addr string, host Host, logger modhost.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(host, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("Admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	Database *bool  `json:"database,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if db := h.host.Database(); db != nil {
		connected := database.Connected(r.Context(), db)
		resp.Database = &connected
		if !connected {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	h.writeJSON(w, code, resp)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.host.SystemStatus(r.Context()))
}

func (h *handler) modules(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.host.SystemStatus(r.Context()).Modules)
}

func (h *handler) moduleStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, ok := h.host.ModuleStats()[name]
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", ErrNoStats, name))
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *handler) restart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.host.RestartModule(r.Context(), name); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.logger.Info("Module restarted via admin API", "module", name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deactivate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.host.DeactivateModule(r.Context(), name); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.logger.Info("Module deactivated via admin API", "module", name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) shutdown(w http.ResponseWriter, _ *http.Request) {
	h.logger.Info("Shutdown requested via admin API")
	go h.host.Shutdown(context.Background())
	w.WriteHeader(http.StatusAccepted)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, modhost.ErrNotActive), errors.Is(err, modhost.ErrManifestMissing):
		return http.StatusNotFound
	case errors.Is(err, modhost.ErrCoreShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write admin response", "error", err)
	}
}

func (h *handler) writeError(w http.ResponseWriter, code int, err error) {
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medpipe/internal/ledger"
	"medpipe/internal/logging"
	"medpipe/internal/services"
	"medpipe/internal/workflow"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// StatusProvider reports workflow diagnostics for /healthz.
type StatusProvider func(ctx context.Context) workflow.StatusSummary

// Server serves the status API.
type Server struct {
	studies *StudyService
	status  StatusProvider
	logger  *slog.Logger
	router  chi.Router
}

// NewServer builds the router. status may be nil when no workflow runs in
// this process.
func NewServer(studies *StudyService, status StatusProvider, logger *slog.Logger) *Server {
	s := &Server{
		studies: studies,
		status:  status,
		logger:  logging.NewComponentLogger(logger, "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestContext)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/studies", s.listStudies)
	r.Get("/studies/{id}", s.getStudy)
	r.Get("/summary", s.getSummary)
	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", logging.String("addr", ln.Addr().String()))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status api shutdown: %w", err)
	}
	s.logger.Info("status api stopped")
	return nil
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) getStudy(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	ctx := services.WithStudyID(r.Context(), id)
	study, err := s.studies.Describe(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("study %s not found", id))
			return
		}
		s.fail(ctx, w, "describe study", err)
		return
	}
	s.writeJSON(w, http.StatusOK, study)
}

func (s *Server) listStudies(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query()["status"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	studies, err := s.studies.List(r.Context(), statuses...)
	if err != nil {
		s.fail(r.Context(), w, "list studies", err)
		return
	}
	s.writeJSON(w, http.StatusOK, StudyListResponse{Studies: studies})
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.studies.Summary(r.Context())
	if err != nil {
		s.fail(r.Context(), w, "summarize studies", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Ledger: "ok"}
	code := http.StatusOK
	if err := s.studies.Ping(r.Context()); err != nil {
		resp.Status = "fail"
		resp.Ledger = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.status != nil {
		wf := FromStatusSummary(s.status(r.Context()))
		resp.Workflow = &wf
		for _, h := range wf.StageHealth {
			if !h.Ready && resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}
	s.writeJSON(w, code, resp)
}

// parseStatuses accepts repeated and comma-separated status values.
func parseStatuses(values []string) ([]ledger.Status, error) {
	var out []ledger.Status
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := ledger.ParseStatus(part)
			if err != nil {
				return nil, err
			}
			out = append(out, status)
		}
	}
	return out, nil
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	logging.ErrorWithContext(logging.WithContext(ctx, s.logger), "status api request failed", "api_error",
		logging.String("operation", op),
		logging.Error(err),
	)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, ErrorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", logging.Error(err))
	}
}

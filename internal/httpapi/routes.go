package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"coursesync/server/internal/assets"
	"coursesync/server/internal/auth"
	"coursesync/server/internal/observability"
	"coursesync/server/internal/reconcile"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

// Runner admits and tracks reconciliation runs.
type Runner interface {
	Start(ctx context.Context, kind reconcile.Kind, triggeredBy string) (reconcile.RunReport, error)
	Execute(ctx context.Context, kind reconcile.Kind, triggeredBy string) (reconcile.RunReport, error)
	Get(id string) (reconcile.RunReport, bool)
	List() []reconcile.RunReport
	Active() string
}

type Options struct {
	// DiagnosticAssetURL is fetched by GET /download-pdf. Empty disables it.
	DiagnosticAssetURL string
	// Guard wraps the trigger endpoints. Defaults to a development operator.
	Guard func(http.Handler) http.Handler
}

type Server struct {
	runner        Runner
	fetcher       reconcile.AssetFetcher
	diagnosticURL string
	guard         func(http.Handler) http.Handler
	logger        zerolog.Logger
}

func NewServer(runner Runner, fetcher reconcile.AssetFetcher, opts Options, logger zerolog.Logger) *Server {
	guard := opts.Guard
	if guard == nil {
		guard = auth.DevOperator("")
	}
	return &Server{
		runner:        runner,
		fetcher:       fetcher,
		diagnosticURL: opts.DiagnosticAssetURL,
		guard:         guard,
		logger:        logger,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/syncData", s.guard(http.HandlerFunc(s.handleSync)))
	mux.Handle("/downloadPdfs", s.guard(http.HandlerFunc(s.handleDownloadAll)))
	mux.Handle("/download-pdf", s.guard(http.HandlerFunc(s.handleDiagnosticDownload)))
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/{id}", s.handleRun)
	mux.HandleFunc("/healthz", s.handleHealthz)
	observability.RegisterMetrics()
	mux.Handle("/metrics", promhttp.Handler())
}

// Wrap adds request logging and CORS around the routes.
func Wrap(handler http.Handler, logger zerolog.Logger, origins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(observability.RequestLogger(logger, handler))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	report, err := s.runner.Start(r.Context(), reconcile.KindSync, operator(r))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jsonResponse{
		"runId":  report.ID,
		"status": "accepted",
	})
}

func (s *Server) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	report, err := s.runner.Execute(r.Context(), reconcile.KindDownload, operator(r))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if report.Outcome == reconcile.OutcomeFailed {
		writeJSON(w, http.StatusInternalServerError, jsonResponse{
			"status": "failed",
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"report": report,
	})
}

func (s *Server) handleDiagnosticDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.diagnosticURL == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "diagnostic asset url is not configured"})
		return
	}
	name, err := assets.DestinationName(s.diagnosticURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	path, err := s.fetcher.Fetch(r.Context(), s.diagnosticURL, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", s.diagnosticURL).Msg("diagnostic_download_failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"path":   path,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"active": s.runner.Active(),
		"runs":   s.runner.List(),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	report, ok := s.runner.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"activeRunId": s.runner.Active(),
	})
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, reconcile.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, jsonResponse{
			"error":       err.Error(),
			"activeRunId": s.runner.Active(),
		})
		return
	}
	s.logger.Error().Err(err).Msg("run_rejected")
	writeError(w, http.StatusInternalServerError, err)
}

func operator(r *http.Request) string {
	name, _ := auth.OperatorFromContext(r.Context())
	return name
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}

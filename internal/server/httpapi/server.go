package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultShutdownTimeout = 30 * time.Second

// Routes builds the router. /health and /metrics are public, everything
// else requires a bearer token.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.log))
	r.Use(Metrics())

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(h.deps.Verifier))

		r.Post("/upload", h.upload)
		r.Get("/upload/status/{uploadId}", h.uploadStatus)
		r.Post("/convert", h.convert)
		r.Get("/convert/progress/{ref}", h.progress)
		r.Post("/download/zip", h.downloadZip)
		r.Get("/download/*", h.download)
		r.Get("/downloads", h.readyDownloads)
		r.Post("/abort/upload", h.abortUpload)
		r.Post("/abort/all-uploads", h.abortAll)
		r.Post("/abort/conversion", h.abortConversion)
		r.Delete("/files", h.deleteFiles)
		r.Post("/check-batch-limit", h.checkBatchLimit)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, CodeValidationError, "method not allowed")
	})
	return r
}

// Server serves the API until its context ends.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	log             logging.Logger
}

// NewServer wraps handler in an http.Server listening on addr. Write
// timeouts are left unset: conversions hold the request open for as long
// as the tool runs.
func NewServer(addr string, handler http.Handler, shutdownTimeout time.Duration, log logging.Logger) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
		log:             log.With("module", "http_server"),
	}
}

// Run listens and serves until ctx is cancelled, then drains in-flight
// requests for up to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "Starting HTTP server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

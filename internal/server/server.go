// Package server exposes the HTTP surface: health, metrics, the framework
// stats API and a stream of stats update events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jacklau/fwstats/internal/metrics"
	"github.com/jacklau/fwstats/internal/pubsub"
	"github.com/jacklau/fwstats/internal/queue"
	"github.com/jacklau/fwstats/internal/store"
)

// Dispatcher is the job intake and stats lookup behind the API routes.
type Dispatcher interface {
	Submit(ctx context.Context, job queue.Job) (bool, error)
	GetStats(ctx context.Context, username string) (*store.FrameworkUsage, error)
}

// Options selects the optional parts of the router.
type Options struct {
	// Dispatcher enables the /api/frameworks routes when set.
	Dispatcher Dispatcher
	// Events enables /api/frameworks/events when set.
	Events *pubsub.Broker[store.FrameworkUsage]
	Logger *slog.Logger
}

// Server routes HTTP requests.
type Server struct {
	opts   Options
	router chi.Router
}

// New creates a Server and registers its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/frameworks", func(r chi.Router) {
		if s.opts.Dispatcher != nil {
			r.Get("/users", s.handleGetStats)
			r.Post("/jobs", s.handleSubmit)
		}
		if s.opts.Events != nil {
			r.Get("/events", s.handleEvents)
		}
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// closingKey carries a channel closed when the server begins shutting down.
type closingKey struct{}

// serverClosing returns the shutdown channel for r, or nil when r was not
// served by Serve.
func serverClosing(r *http.Request) <-chan struct{} {
	ch, _ := r.Context().Value(closingKey{}).(<-chan struct{})
	return ch
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return Serve(ctx, ln, h, logger)
}

// Serve is ListenAndServe on an existing listener.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, logger *slog.Logger) error {
	closing := make(chan struct{})
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithValue(context.Background(), closingKey{}, (<-chan struct{})(closing))
		},
	}
	// Shutdown waits for active handlers, so event streams must end first.
	srv.RegisterOnShutdown(func() { close(closing) })

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start).Round(time.Microsecond),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/ingest"
	"github.com/roman-kulish/transformer-harmonics/internal/render"
	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"github.com/roman-kulish/transformer-harmonics/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Runner produces a fresh diagnostics report on every call.
type Runner interface {
	Run() (*diagnostics.Report, error)
}

// Metrics receives the number of connected websocket clients.
type Metrics interface {
	WebsocketConnected(delta int)
}

// WithLogger sets the logger for the server
func WithLogger(logger *slog.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// WithReceiver accepts sensor payloads on POST /data
func WithReceiver(r *ingest.Receiver) func(*Server) {
	return func(s *Server) {
		s.receiver = r
	}
}

// WithStore serves the report history from store
func WithStore(store storage.Store) func(*Server) {
	return func(s *Server) {
		s.store = store
	}
}

// WithRenderer sets the chart renderer used by the image endpoints
func WithRenderer(r *render.ChartRenderer) func(*Server) {
	return func(s *Server) {
		s.renderer = r
	}
}

// WithMetrics exposes the metrics gathered by g on /metrics and reports websocket
// clients to m
func WithMetrics(m Metrics, g prometheus.Gatherer) func(*Server) {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// Server is the HTTP interface of the engine: payload ingestion, on demand reports in
// several formats, receiver status, report history and a websocket feed of the
// reports produced by the daemon.
type Server struct {
	router   *mux.Router
	session  Runner
	slot     *source.Slot
	receiver *ingest.Receiver
	store    storage.Store
	renderer *render.ChartRenderer
	hub      *hub
	upgrader websocket.Upgrader

	metrics  Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer creates a new Server running session over slot, with a discard logger
func NewServer(session Runner, slot *source.Slot, options ...func(*Server)) (*Server, error) {
	s := Server{
		router:  mux.NewRouter(),
		session: session,
		slot:    slot,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	for _, option := range options {
		option(&s)
	}

	if s.renderer == nil {
		r, err := render.NewChartRenderer(render.RenderConfig{})
		if err != nil {
			return nil, fmt.Errorf("creating chart renderer: %w", err)
		}
		s.renderer = r
	}

	s.hub = newHub(s.logger, s.metrics)
	s.setupRoutes()

	return &s, nil
}

func (s *Server) setupRoutes() {
	if s.receiver != nil {
		s.router.Handle("/data", s.receiver).Methods(http.MethodPost)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/report.txt", s.handleReportText).Methods(http.MethodGet)
	api.HandleFunc("/report.{format:png|jpeg|jpg}", s.handleReportImage).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/{id}", s.handleHistoryReport).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Broadcast pushes the outcome of a diagnostics run to every websocket client.
func (s *Server) Broadcast(report *diagnostics.Report, err error) {
	s.hub.broadcast(newRunMessage(report, err))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)

	case <-ctx.Done():
		s.hub.closeAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	}
}

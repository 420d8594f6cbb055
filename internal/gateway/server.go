package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/gateway/ws"
	"github.com/majitask/majitask/internal/migration"
	"github.com/majitask/majitask/internal/store"
)

// Options configures a Server.
type Options struct {
	Host   string
	Port   int
	Tokens TokenResolver
	// Standard limits every mutating route; Bulk limits bulk sync and
	// migration import.
	Standard *RateLimiter
	Bulk     *RateLimiter
}

// Server is the MajiTask API server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	store      *store.Store
	importer   *migration.Importer
	tokens     TokenResolver
	standard   *RateLimiter
	bulk       *RateLimiter
}

// NewServer creates a new API server.
func NewServer(bus *events.Bus, st *store.Store, opts Options) *Server {
	if opts.Standard == nil {
		opts.Standard = NewRateLimiter("standard", 100, 10*time.Minute)
	}
	if opts.Bulk == nil {
		opts.Bulk = NewRateLimiter("bulk", 5, time.Hour)
	}
	if opts.Tokens == nil {
		opts.Tokens = TokenFunc(func(string) (string, bool) { return "", false })
	}

	s := &Server{
		hub:      ws.NewHub(bus),
		bus:      bus,
		store:    st,
		importer: migration.NewImporter(st),
		tokens:   opts.Tokens,
		standard: opts.Standard,
		bulk:     opts.Bulk,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/events", s.handleEvents)
			r.Get("/ws", s.hub.ServeWS)

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", s.handleListTasks)
				r.With(s.standard.Middleware).Post("/", s.handleCreateTask)
				r.With(s.bulk.Middleware).Post("/sync/bulk", s.handleBulkSync)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetTask)
					r.With(s.standard.Middleware).Put("/", s.handleUpdateTask)
					r.With(s.standard.Middleware).Delete("/", s.handleDeleteTask)
					r.Get("/comments", s.handleListComments)
					r.With(s.standard.Middleware).Post("/comments", s.handleAddComment)
					r.Get("/activity", s.handleActivity)
				})
			})

			r.Route("/migration", func(r chi.Router) {
				r.With(s.bulk.Middleware).Post("/localstorage", s.handleMigrationImport)
				r.With(s.standard.Middleware).Post("/preview", s.handleMigrationPreview)
				r.Get("/status", s.handleMigrationStatus)
			})
		})
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("MajiTask API listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		slog.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleEvents returns the caller's recent events from the bus history.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	result := s.bus.HistoryFor(userID(r), limit)
	if result == nil {
		result = []events.Event{}
	}
	writeData(w, http.StatusOK, result, nil)
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

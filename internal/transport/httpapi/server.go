// Package httpapi is the HTTP control surface: upload and validate job
// tables, start and stop dispatch runs, read status and history, and adjust
// send settings at runtime.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"msgblast/internal/config"
	"msgblast/internal/engine"
	"msgblast/internal/excel"
	"msgblast/internal/storage"
	"msgblast/pkg/logx"
)

// Dispatcher is the engine surface the API drives.
type Dispatcher interface {
	StartRun(path string) error
	RequestStop()
	Snapshot() engine.Snapshot
}

// Channel is the messaging-channel lifecycle the API exposes for manual
// connect/disconnect.
type Channel interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready() bool
}

type Server struct {
	cfg      *config.Manager
	engine   Dispatcher
	channel  Channel
	ingestor *excel.Ingestor
	store    storage.Store
	stream   http.Handler
	log      logx.Logger

	httpSrv *http.Server
}

func NewServer(cfg *config.Manager, eng Dispatcher, ch Channel, ing *excel.Ingestor, store storage.Store, stream http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = storage.Nop()
	}
	return &Server{cfg: cfg, engine: eng, channel: ch, ingestor: ing, store: store, stream: stream, log: log}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Post("/start", s.handleChannelStart)
		r.Post("/stop", s.handleChannelStop)
		r.Post("/upload-excel", s.handleUpload)
		r.Post("/validate-excel", s.handleValidate)
		r.Post("/start-messaging", s.handleStart)
		r.Post("/stop-messaging", s.handleStop)
		r.Get("/status", s.handleStatus)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleUpdateSettings)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{id}", s.handleHistoryDetail)
		r.Get("/template", s.handleTemplate)
	})
	if s.stream != nil {
		r.Get("/ws", s.stream.ServeHTTP)
	}
	return r
}

// Start binds the listener and serves until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http listening", logx.String("addr", addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medalarmd/internal/orchestrator"
	logx "medalarmd/pkg/logx"
)

// Config controls the API listener.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server exposes the schedule orchestrator over HTTP.
type Server struct {
	cfg  Config
	orch *orchestrator.Service
	loc  *time.Location
	log  logx.Logger

	srv *http.Server
}

func New(cfg Config, orch *orchestrator.Service, loc *time.Location, log logx.Logger) *Server {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &Server{cfg: cfg, orch: orch, loc: loc, log: log}
}

// Handler builds the router. Exposed separately from Run for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger(s.log))
	r.Use(prometheusMiddleware)
	r.Use(recoverer(s.log))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/alarms", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleDelete)
				r.Post("/cancel", s.handleCancel)
				r.Post("/status", s.handleStatus)
				r.Post("/defer", s.handleDefer)
				r.Post("/split/daily", s.handleSplitDaily)
				r.Post("/split/alternating", s.handleSplitAlternating)
			})
		})
		r.Get("/occurrences", s.handleOccurrences)
		r.Post("/reschedule", s.handleReschedule)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		OK(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
		return nil
	}
}

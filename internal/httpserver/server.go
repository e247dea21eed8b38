package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/onexay/commitvault/internal/config"
	"github.com/onexay/commitvault/internal/logger"
	"github.com/onexay/commitvault/internal/model"
	"github.com/onexay/commitvault/internal/service"
)

// Server wraps the HTTP server configuration and dependencies.
type Server struct {
	addr  string
	srv   *http.Server
	model *model.Model
	log   zerolog.Logger
}

// NewServer builds the model from cfg and mounts the routes.
func NewServer(ctx context.Context, cfg config.Config, opts ...model.Option) (*Server, error) {
	log := logger.Named("http")
	opts = append([]model.Option{model.WithLogger(*logger.Get())}, opts...)

	m, err := model.New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	return &Server{
		addr:  cfg.APIAddr,
		model: m,
		log:   log,
		srv: &http.Server{
			Addr:              cfg.APIAddr,
			Handler:           Router(service.New(m, log), log, cfg.CORSOrigins...),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Router builds the chi mux for svc. CORS is enabled only when origins are
// given.
func Router(svc *service.Service, log zerolog.Logger, origins ...string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
	svc.Mount(r)
	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.addr }

// Model returns the model backing the routes.
func (s *Server) Model() *model.Model { return s.model }

// Run serves until ctx is cancelled, then shuts down and closes the model.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http listening")
		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.srv.Shutdown(shutdownCtx)
		if serveErr := <-errCh; err == nil {
			err = serveErr
		}
	}
	if cerr := s.model.Close(); err == nil {
		err = cerr
	}
	return err
}

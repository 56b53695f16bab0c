// Package api exposes vote intake, the delivery transport hooks, the refinement surface
// and the ops endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PaperDigest/internal/domain"
)

const shutdownTimeout = 10 * time.Second

// VoteRecorder appends user votes.
type VoteRecorder interface {
	Record(ctx context.Context, vote domain.Vote) (domain.Vote, error)
}

// BatchTransport is what the excluded delivery channel calls to pick up and confirm batches.
type BatchTransport interface {
	UnsentBatch(ctx context.Context, userID string, key domain.PeriodKey) (*domain.DeliveryBatch, error)
	MarkSent(ctx context.Context, batchID string) (bool, error)
}

// SuggestionReader serves the latest advisory suggestions of a prompt version.
type SuggestionReader interface {
	LatestSuggestions(ctx context.Context, versionID string) ([]domain.SuggestedEdit, error)
}

// Pinger checks the database; *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps wires the HTTP surface.
type Deps struct {
	Votes       VoteRecorder
	Batches     BatchTransport
	Suggestions SuggestionReader
	DB          Pinger
	Logger      *slog.Logger
}

// Server owns the echo instance.
type Server struct {
	addr   string
	echo   *echo.Echo
	logger *slog.Logger
}

func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	h := &handlers{deps: deps, logger: logger}
	e.GET("/healthz", h.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")
	v1.POST("/votes", h.recordVote)
	v1.GET("/users/:user/batches/:period", h.unsentBatch)
	v1.POST("/batches/:id/sent", h.markSent)
	v1.GET("/prompt-versions/:id/suggestions", h.suggestions)

	return &Server{addr: addr, echo: e, logger: logger}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

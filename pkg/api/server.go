package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ihiteshgupta/channel-bridge/internal/health"
)

// HealthReporter reports the bridge health snapshot.
type HealthReporter interface {
	GetStatus(ctx context.Context) health.Status
}

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	monitor HealthReporter
}

func NewHealthHandler(monitor HealthReporter) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Handle)
}

// Handle answers 503 while the bridge is degraded.
func (h *HealthHandler) Handle(c echo.Context) error {
	st := h.monitor.GetStatus(c.Request().Context())
	code := http.StatusOK
	if st.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, st)
}

// ServerOptions lists the handlers to mount. Nil handlers are skipped.
type ServerOptions struct {
	Addr      string
	Webhooks  *WebhookHandler
	Instances *InstanceHandler
	Messages  *MessageHandler
	Health    *HealthHandler
	// MediaDir is served under /media when set.
	MediaDir string
}

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(opts ServerOptions) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger())

	if opts.Webhooks != nil {
		opts.Webhooks.Register(e)
	}
	if opts.Instances != nil {
		opts.Instances.Register(e)
	}
	if opts.Messages != nil {
		opts.Messages.Register(e)
	}
	if opts.Health != nil {
		opts.Health.Register(e)
	}
	if opts.MediaDir != "" {
		e.Static("/media", opts.MediaDir)
	}

	return &Server{echo: e, addr: opts.Addr}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Package httpapi exposes the operator API the dashboard talks to. It
// is a thin translation layer: handlers parse the request, call into
// the scheduler facade and render the result as JSON. All scheduling,
// queue and reconciliation rules live in the services underneath.
package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"instapilot/internal/scheduler"
	"instapilot/internal/store"
	"instapilot/pkg/logx"
)

// Config tunes the HTTP listener. The zero value binds loopback only;
// exposing the API beyond localhost is a deployment decision, not a
// default.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Version      string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

// Server serves the JSON API over a fiber app.
type Server struct {
	cfg       Config
	app       *fiber.App
	sched     *scheduler.Service
	store     *store.Store
	log       logx.Logger
	startedAt time.Time
}

func New(cfg Config, sched *scheduler.Service, st *store.Store, log logx.Logger) *Server {
	s := &Server{
		cfg:       cfg.withDefaults(),
		sched:     sched,
		store:     st,
		log:       log,
		startedAt: time.Now(),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "instapilot",
		DisableStartupMessage: true,
		ReadTimeout:           s.cfg.ReadTimeout,
		WriteTimeout:          s.cfg.WriteTimeout,
		IdleTimeout:           s.cfg.IdleTimeout,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(s.recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.app.Group("/api")

	api.Get("/health", s.handleHealth)

	api.Get("/scheduler", s.handleScheduler)
	api.Put("/scheduler/config", s.handleSaveConfig)
	api.Post("/scheduler/queue", s.handleQueueAdd)
	api.Delete("/scheduler/queue/:id", s.handleQueueRemove)
	api.Post("/scheduler/autofill", s.handleAutoFill)
	api.Post("/scheduler/run", s.handleRunNow)

	api.Get("/posts", s.handlePosts)
	api.Post("/posts/:id/retry", s.handleRetry)

	api.Post("/sync", s.handleSync)

	// Unmatched paths get the JSON 404, not fiber's plain-text one.
	s.app.Use(func(c *fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// Start blocks serving requests until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
	return s.app.Listen(s.cfg.Addr)
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// coded is the error contract the service layer throws. Anything that
// carries its own status code renders as-is instead of a blanket 500.
type coded interface {
	error
	ErrCode() string
	StatusCode() int
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var ce coded
	if errors.As(err, &ce) {
		return c.Status(ce.StatusCode()).JSON(fiber.Map{
			"error": ce.Error(),
			"code":  ce.ErrCode(),
		})
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	s.log.Error("request failed",
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.Err(err))
	// Internals stay in the log; the client gets a generic line.
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

func (s *Server) recovery() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panic",
					logx.String("method", c.Method()),
					logx.String("path", c.Path()),
					logx.Any("panic", r))
				err = fiber.ErrInternalServerError
			}
		}()
		return c.Next()
	}
}

// now yields the current instant in the scheduler's zone so that date
// math in handlers agrees with the tick loop.
func (s *Server) now() time.Time {
	return time.Now().In(s.sched.Location())
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/rs/zerolog"

	"price-truth/internal/model"
	"price-truth/internal/service"
	"price-truth/internal/transport"
)

// PriceService is what the HTTP layer needs from the service.
type PriceService interface {
	GetPrice(ctx context.Context, key model.ProductKey, force bool) (model.PriceTruthRecord, error)
	Refresh(ctx context.Context, key model.ProductKey) (model.PriceTruthRecord, error)
	Stats() service.Stats
	Ping(ctx context.Context) error
	Now() time.Time
}

var _ PriceService = (*service.Service)(nil)

// Options configure the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// Server wraps the Fiber app.
type Server struct {
	App         *fiber.App
	opts        Options
	svc         PriceService
	coordinator *transport.Coordinator
	logger      zerolog.Logger
}

// New builds the app and registers the routes. coordinator may be nil.
func New(opts Options, svc PriceService, coordinator *transport.Coordinator, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "server").Logger()

	app := fiber.New(fiber.Config{
		AppName:      "price-truth",
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "internal server error"

			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
				message = e.Message
			} else {
				logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
			}
			return jsonError(c, code, message)
		},
	})

	app.Use(recover.New())
	if len(opts.CORSOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
			MaxAge:       86400,
		}))
	}

	s := &Server{
		App:         app,
		opts:        opts,
		svc:         svc,
		coordinator: coordinator,
		logger:      logger,
	}

	app.Get("/price-truth", s.getPrice)
	app.Post("/price-truth/refresh", s.refresh)
	app.Get("/price-truth/stats", s.stats)
	app.Get("/price-truth/health", s.health)
	app.Get("/price-truth/proxies", s.proxies)
	if opts.MetricsHandler != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.MetricsHandler))
	}

	return s
}

// Start listens on the configured address; it blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
	return s.App.Listen(s.opts.Addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.App.ShutdownWithContext(ctx)
}

func jsonError(c fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}

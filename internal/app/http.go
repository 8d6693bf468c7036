package app

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	fiberSwagger "github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docchat/api/internal/handler"
	"github.com/docchat/api/internal/metrics"
	"github.com/docchat/api/internal/middleware"
	"github.com/docchat/api/internal/store"
	"github.com/docchat/api/pkg/response"
)

// HealthChecks reports the dependencies the API cannot serve without as
// "store" and "queue", and the optional providers alongside them.
func (c *Container) HealthChecks() (map[string]handler.HealthCheck, []string) {
	checks := map[string]handler.HealthCheck{
		"store": func(ctx context.Context) bool {
			if p, ok := c.Store.(store.Pinger); ok {
				return p.Ping(ctx) == nil
			}
			return true
		},
		"queue": func(ctx context.Context) bool {
			switch c.Config.Queue.Backend {
			case "asynq":
				return c.Redis.Ping(ctx).Err() == nil
			case "rabbitmq":
				return c.AMQP != nil && !c.AMQP.IsClosed()
			}
			return true
		},
		"completion": func(context.Context) bool { return c.Completer.IsConfigured() },
		"storage":    func(context.Context) bool { return c.Storage != nil && c.Storage.IsConfigured() },
		"auth": func(context.Context) bool {
			return c.Config.Gateway.Enabled || c.Config.OIDC.Issuer != "" || c.Config.JWT.Secret != ""
		},
	}
	return checks, []string{"store", "queue"}
}

// NewHTTPApp builds the Fiber application serving the job API.
func NewHTTPApp(c *Container) *fiber.App {
	cfg := c.Config

	validate := validator.New()
	jobHandler := handler.NewJobHandler(c.Jobs, validate)
	checks, critical := c.HealthChecks()
	healthHandler := handler.NewHealthHandler(checks, critical...)
	authHandler := handler.NewAuthHandler(c.Verifier)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind the gateway: auth is handled by ForwardAuth, read X-User-* headers
		c.Log.Info().Msg("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(c.Verifier).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(c.Redis, c.Log)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
		// long-polled status reads hold the connection up to the wait cap
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.MaxWait + 10*time.Second,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.RequestLogger(c.Log))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})
	app.Get("/health", healthHandler.Health)
	app.Get("/swagger/*", fiberSwagger.HandlerDefault)

	if cfg.Metrics.Enabled {
		metrics.MustRegister()
		app.Get(cfg.Metrics.Path, adaptor.HTTPHandler(promhttp.Handler()))
	}

	// ForwardAuth verification endpoint, called by the gateway
	app.Get("/auth/verify", authHandler.Verify)

	submitLimit := rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerMin)
	app.Post("/message", apiAuthMiddleware, submitLimit, jobHandler.Message)
	app.Post("/startProcessing", apiAuthMiddleware, submitLimit, jobHandler.StartProcessing)
	app.Get("/status/:requestId", apiAuthMiddleware, rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), jobHandler.Status)

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	switch code {
	case fiber.StatusNotFound:
		return response.NotFound(c, message)
	case fiber.StatusTooManyRequests:
		return response.RateLimited(c)
	}
	if code < fiber.StatusInternalServerError {
		return response.Error(c, code, response.CodeValidationError, message, nil)
	}
	return response.ServiceError(c, message)
}

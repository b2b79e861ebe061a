package api

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

// HealthReporter supplies the figures shown on /health
type HealthReporter interface {
	GetScreeningCount() int64
	GetAverageLatency() float64
}

// NewServer builds the echo instance. /v1 requires an HS256 bearer token when
// a JWT secret is configured.
func NewServer(cfg *config.Config, h *Handler, health HealthReporter, log *logger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Secure())
	if cfg.Server.MaxRequestSize != "" {
		e.Use(middleware.BodyLimit(cfg.Server.MaxRequestSize))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Security.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
	}))

	e.GET("/health", func(c echo.Context) error {
		body := map[string]interface{}{"status": "ok"}
		if health != nil {
			body["screenings"] = health.GetScreeningCount()
			body["avg_latency_ms"] = health.GetAverageLatency()
		}
		return c.JSON(http.StatusOK, body)
	})

	v1 := e.Group("/v1")
	if cfg.Security.JWTSecret != "" {
		v1.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey:    []byte(cfg.Security.JWTSecret),
			SigningMethod: "HS256",
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(jwt.RegisteredClaims)
			},
		}))
		log.Info("JWT authentication enabled for /v1")
	} else {
		log.Warn("JWT authentication disabled, no secret configured")
	}
	v1.Use(requestContext)
	h.RegisterRoutes(v1)
	return e
}

// requestContext copies the request id and caller into the request context for logging
func requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := req.Context()
		if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
			ctx = context.WithValue(ctx, logger.RequestIDKey, id)
		}
		ctx = context.WithValue(ctx, logger.UserIDKey, subject(c))
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

// subject returns the token subject, or "api" for unauthenticated requests
func subject(c echo.Context) string {
	if token, ok := c.Get("user").(*jwt.Token); ok {
		if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
			return sub
		}
	}
	return "api"
}

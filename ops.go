package auth

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JWKSPath is where downstream services fetch the verification keys.
const JWKSPath = "/.well-known/jwks.json"

// OpsConfig selects what the operational app exposes.
type OpsConfig struct {
	Signer   *TokenSigner
	Gatherer prometheus.Gatherer
	// Ready reports whether dependencies are reachable.
	Ready func(c *fiber.Ctx) error
}

// NewOpsApp returns the fiber app serving health, key discovery and
// metrics.
func NewOpsApp(cfg OpsConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          FiberErrorHandler,
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		if cfg.Ready != nil {
			if err := cfg.Ready(c); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if cfg.Signer != nil {
		jwks := cfg.Signer.PublicJWKS()
		app.Get(JWKSPath, func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderCacheControl, "public, max-age=300")
			return c.JSON(jwks)
		})
	}

	if cfg.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	return app
}

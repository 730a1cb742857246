package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fablemill/sessiond/internal/config"
	"github.com/fablemill/sessiond/internal/database"
	"github.com/fablemill/sessiond/internal/domain/auth"
	"github.com/fablemill/sessiond/internal/domain/family"
	"github.com/fablemill/sessiond/internal/domain/ratelimit"
	"github.com/fablemill/sessiond/internal/domain/refresh"
	"github.com/fablemill/sessiond/internal/domain/session"
	"github.com/fablemill/sessiond/internal/domain/token"
	"github.com/fablemill/sessiond/internal/domain/user"
	"github.com/fablemill/sessiond/internal/store"
	"github.com/gofiber/fiber/v2"
)

// SetupRoutes wires repositories, services, and middleware onto the app.
// The API is mounted under /v1; the JWKS lives at the well-known path.
func SetupRoutes(app *fiber.App, cfg *config.Config, st store.Store) error {
	keyStore, err := token.LoadKeys(cfg.Auth.KeysPath, cfg.Auth.ActiveKID)
	if err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}

	activeKey, err := keyStore.GetActiveKey()
	if err != nil {
		return fmt.Errorf("active key with KID %s not found in key store: %w", cfg.Auth.ActiveKID, err)
	}
	keyID, _ := activeKey.KeyID()
	slog.Info("Active key loaded", "key", cfg.Auth.ActiveKID, "key_id", keyID)

	policy := cfg.Security
	issuer := cfg.Server.Domain

	codec := token.NewCodec(keyStore, issuer, policy.AccessTokenTTL.Std(), policy.RefreshTokenTTL.Std())
	sessions := session.NewStore(st, policy)
	families := family.NewTracker(st, policy)
	coordinator := refresh.NewCoordinator(codec, sessions, families, st, policy)

	userRepo := user.NewRepository(database.DB)
	verifier := user.NewVerifier(userRepo)

	authService := auth.NewService(verifier, sessions, families, codec, coordinator)
	authHandler := auth.NewHandler(authService)

	limiter := ratelimit.NewLimiter(cfg.Limits)
	limiter.Start(context.Background())

	api := app.Group("/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	})

	authGroup := api.Group("/auth")
	authGroup.Post("/login",
		ratelimit.Middleware(limiter, ratelimit.ClassLogin),
		authHandler.Login)
	authGroup.Post("/refresh",
		ratelimit.Middleware(limiter, ratelimit.ClassRefresh),
		authHandler.Refresh)

	protected := api.Group("/auth")
	protected.Use(auth.Middleware(authService))
	protected.Use(ratelimit.Middleware(limiter, ratelimit.ClassAPI))
	protected.Post("/logout", authHandler.Logout)
	protected.Get("/introspect", authHandler.Introspect)

	app.Get("/.well-known/jwks.json", auth.JWKSHandler(keyStore))

	return nil
}

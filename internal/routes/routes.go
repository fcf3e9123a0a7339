package routes

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/tempverify/internal/config"
	"github.com/example/tempverify/internal/handlers"
	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/middleware"
	"github.com/example/tempverify/internal/orchestrator"
	"github.com/example/tempverify/internal/pricing"
	"github.com/example/tempverify/internal/ratelimit"
)

// Deps are the components the HTTP surface is wired to.
type Deps struct {
	Config       *config.Config
	Logger       *zap.Logger
	Users        handlers.UserStore
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger
	Pricing      *pricing.Engine
	Provider     handlers.ProviderStatus
	Limiter      ratelimit.Limiter
}

// Register wires up all HTTP routes.
func Register(app *fiber.App, d Deps) {
	authHandler := handlers.NewAuthHandler(d.Users, d.Pricing, d.Config)
	verificationHandler := handlers.NewVerificationHandler(d.Orchestrator)
	pricingHandler := handlers.NewPricingHandler(d.Orchestrator, d.Pricing)
	accountHandler := handlers.NewAccountHandler(d.Ledger)
	fundingHandler := handlers.NewFundingHandler(d.Ledger, d.Pricing, d.Logger)
	healthHandler := handlers.NewHealthHandler(d.Provider)

	api := app.Group("/api")
	api.Get("/health", healthHandler.Health)

	// Auth routes
	auth := api.Group("/auth", middleware.RateLimit(d.Limiter, d.Logger))
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)

	// Funding collaborator
	funding := api.Group("/funding", middleware.FundingAuthMiddleware(d.Config.FundingSecret))
	funding.Post("/credit", fundingHandler.Credit)
	funding.Post("/plan", fundingHandler.ChangePlan)

	requireUser := middleware.AuthMiddleware(d.Config)
	limit := middleware.RateLimit(d.Limiter, d.Logger)

	verifications := api.Group("/verifications", requireUser, limit)
	verifications.Post("/", verificationHandler.Create)
	verifications.Get("/", verificationHandler.List)
	verifications.Get("/:id", verificationHandler.Get)
	verifications.Post("/:id/poll", verificationHandler.Poll)
	verifications.Post("/:id/cancel", verificationHandler.Cancel)

	quotes := api.Group("/pricing", requireUser, limit)
	quotes.Get("/quote", pricingHandler.Quote)
	quotes.Get("/rental", pricingHandler.Rental)

	api.Get("/balance", requireUser, limit, accountHandler.Balance)
	api.Get("/ledger", requireUser, limit, accountHandler.Ledger)
}

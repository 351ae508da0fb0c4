package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/skillmarket/skillmarket/internal/admin"
	"github.com/skillmarket/skillmarket/internal/alerts"
	"github.com/skillmarket/skillmarket/internal/auth"
	"github.com/skillmarket/skillmarket/internal/config"
	"github.com/skillmarket/skillmarket/internal/db"
	"github.com/skillmarket/skillmarket/internal/lib/logger"
	"github.com/skillmarket/skillmarket/internal/lib/validate"
	"github.com/skillmarket/skillmarket/internal/lifecycle"
	"github.com/skillmarket/skillmarket/internal/marketplace"
	"github.com/skillmarket/skillmarket/internal/messaging"
	mware "github.com/skillmarket/skillmarket/internal/middleware"
	"github.com/skillmarket/skillmarket/internal/outbox"
	"github.com/skillmarket/skillmarket/internal/payments"
	"github.com/skillmarket/skillmarket/internal/reviews"
	"github.com/skillmarket/skillmarket/internal/user"
)

func main() {
	cfg := config.MustLoad()
	log := logger.Setup(cfg.Env)

	log.Info("starting skillmarket", slog.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		log.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	db.EnsureAuxTables(ctx, pool, log)

	// Mail queue: producer for the outbox drainer, consumer for delivery.
	alertsClient := alerts.NewClient(cfg.Redis.Addr)
	defer alertsClient.Close()

	mailer, err := alerts.NewMailerFromEnv()
	if err != nil {
		log.Warn("mailer not configured, emails will fail until it is", slog.Any("error", err))
	}
	worker := alerts.NewWorker(cfg.Redis.Addr, mailer, log)
	worker.Start()
	defer worker.Shutdown()

	provider := payments.NewHTTPProvider(cfg.Payments)
	bus := messaging.NewBus()

	engine := lifecycle.New(lifecycle.NewPGStore(pool), log)

	effects := outbox.NewEffects(pool, alertsClient, provider, bus, log)
	drainer := outbox.NewDrainer(outbox.NewPGStore(pool), effects, cfg.Outbox, log)
	go drainer.Run(ctx)

	reaper := outbox.NewReaper(pool, engine, cfg.Orders.HoldTimeout, log)
	go reaper.Run(ctx, cfg.Orders.HoldTimeout/24)

	// Handlers.
	authH := auth.NewHandler(pool, cfg.JWT.Secret, cfg.JWT.TokenTTL, log)
	userH := user.NewHandler(pool, log)
	serviceH := marketplace.NewServiceHandler(pool, log)
	orderH := marketplace.NewOrderHandler(pool, engine, provider, cfg.Orders.CommissionRate, log)
	reviewH := reviews.NewHandler(pool, log)
	messageH := messaging.NewHandler(pool, bus, log)
	adminH := admin.NewHandler(pool, engine, log)
	webhookH := payments.NewWebhookHandler(cfg.Payments.WebhookSecret, lifecycle.NewPGStore(pool), engine, alertsClient, log)

	e := echo.New()
	e.HideBanner = true
	e.Validator = validate.NewEcho()
	e.Use(echomw.Recover())
	e.Use(echomw.Logger())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/ready", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "db unreachable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	})

	// Public routes. Signup and login sit behind a per-IP rate limit.
	authGroup := e.Group("/auth")
	authGroup.Use(echomw.RateLimiter(echomw.NewRateLimiterMemoryStore(20)))
	authGroup.POST("/signup", authH.Signup)
	authGroup.POST("/login", authH.Login)

	e.GET("/users/:id/profile", userH.GetPublicProfile)
	e.GET("/marketplace/services", serviceH.SearchServices)
	e.GET("/marketplace/services/:id", serviceH.GetService)
	e.GET("/sellers/:id/reviews", reviewH.GetSellerReviews)

	// Payment processor callback, authenticated by its HMAC signature.
	e.POST("/webhooks/payments", webhookH.Handle)

	// Protected routes.
	api := e.Group("")
	api.Use(mware.JWT(cfg.JWT.Secret))

	api.GET("/auth/me", authH.Me)
	api.GET("/user/profile", userH.GetMyProfile)
	api.PATCH("/user/profile", userH.UpdateProfile)
	api.GET("/user/notifications", userH.ListNotifications)
	api.POST("/user/notifications/read", userH.MarkNotificationsRead)

	api.POST("/marketplace/services", serviceH.CreateService)
	api.GET("/marketplace/services/me", serviceH.GetMyServices)

	api.POST("/marketplace/orders", orderH.CreateOrder)
	api.GET("/marketplace/orders", orderH.ListMyOrders)
	api.GET("/marketplace/orders/:id", orderH.GetOrder)
	api.POST("/marketplace/orders/:id/start", orderH.StartOrder)
	api.POST("/marketplace/orders/:id/deliver", orderH.DeliverOrder)
	api.POST("/marketplace/orders/:id/accept", orderH.AcceptOrder)
	api.POST("/marketplace/orders/:id/revision", orderH.RequestRevision)
	api.POST("/marketplace/orders/:id/cancel", orderH.CancelOrder)
	api.POST("/marketplace/orders/:id/dispute", orderH.DisputeOrder)

	api.GET("/marketplace/orders/:id/messages", messageH.ListMessages)
	api.POST("/marketplace/orders/:id/messages", messageH.PostMessage)
	api.GET("/marketplace/orders/:id/ws", messageH.OrderWS)

	api.POST("/marketplace/orders/:id/review", reviewH.CreateReview)
	api.GET("/marketplace/orders/:id/review", reviewH.GetOrderReview)
	api.POST("/marketplace/reviews/:id/respond", reviewH.RespondToReview)

	// Admin routes.
	adminGroup := e.Group("/admin")
	adminGroup.Use(mware.JWT(cfg.JWT.Secret))
	adminGroup.Use(mware.RequireRoles("admin"))

	adminGroup.GET("/disputes", adminH.ListDisputes)
	adminGroup.POST("/orders/:id/resolve", adminH.ResolveDispute)
	adminGroup.GET("/integrity-flags", adminH.ListIntegrityFlags)
	adminGroup.POST("/integrity-flags/:id/resolve", adminH.ResolveIntegrityFlag)
	adminGroup.GET("/orders/:id/ledger", adminH.GetPaymentLedger)

	go func() {
		if err := e.Start(cfg.HTTPServer.Address); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.Timeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", slog.Any("error", err))
	}
}

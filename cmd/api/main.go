package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/subplane/subplane-backend/api/routes"
	"github.com/subplane/subplane-backend/internal/billing"
	"github.com/subplane/subplane-backend/internal/coupons"
	"github.com/subplane/subplane-backend/internal/notifications"
	"github.com/subplane/subplane-backend/internal/paymentmethods"
	"github.com/subplane/subplane-backend/internal/plans"
	"github.com/subplane/subplane-backend/internal/subscriptions"
	"github.com/subplane/subplane-backend/internal/users"
	stripewebhook "github.com/subplane/subplane-backend/internal/webhooks/stripe"
	"github.com/subplane/subplane-backend/pkg/config"
	"github.com/subplane/subplane-backend/pkg/db"
	"github.com/subplane/subplane-backend/pkg/logger"
	"github.com/subplane/subplane-backend/pkg/migrate"
	"github.com/subplane/subplane-backend/pkg/pubsub"
	"github.com/subplane/subplane-backend/pkg/redis"
	"github.com/subplane/subplane-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	billingRepo := billing.NewRepository(dbClient.DB())
	usersRepo := users.NewRepository(dbClient.DB())

	notificationsService, err := notifications.NewService(notifications.ServiceParams{
		Repo:      notifications.NewRepository(dbClient.DB()),
		Publisher: pubsubClient.NotificationPublisher(),
		Logger:    logg,
		Enabled:   cfg.Notifications.Enabled,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create notifications service", err)
		os.Exit(1)
	}

	plansService, err := plans.NewService(plans.ServiceParams{
		BillingRepo:  billingRepo,
		StripeClient: plans.NewStripeClient(stripeClient),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create plans service", err)
		os.Exit(1)
	}

	couponsService, err := coupons.NewService(coupons.ServiceParams{
		BillingRepo:  billingRepo,
		StripeClient: coupons.NewStripeClient(stripeClient),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create coupons service", err)
		os.Exit(1)
	}

	paymentMethodsService, err := paymentmethods.NewService(paymentmethods.ServiceParams{
		UsersRepo:    usersRepo,
		StripeClient: paymentmethods.NewStripeClient(stripeClient),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment methods service", err)
		os.Exit(1)
	}

	subscriptionsService, err := subscriptions.NewService(subscriptions.ServiceParams{
		BillingRepo:       billingRepo,
		UsersRepo:         usersRepo,
		Customers:         paymentMethodsService,
		StripeClient:      subscriptions.NewStripeClient(stripeClient),
		TransactionRunner: dbClient,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create subscriptions service", err)
		os.Exit(1)
	}

	lifecycle, err := subscriptions.NewLifecycle(subscriptions.LifecycleParams{
		BillingRepo:       billingRepo,
		UsersRepo:         usersRepo,
		Notifier:          notificationsService,
		TransactionRunner: dbClient,
		Logger:            logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create subscription lifecycle", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Lifecycle: lifecycle,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}
	webhookGuard := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Billing.WebhookEventTTL)

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"stripe_env": stripeClient.Environment(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:        cfg,
			Logger:        logg,
			DB:            dbClient,
			Redis:         redisClient,
			StripeClient:  stripeClient,
			Plans:         plansService,
			Coupons:       couponsService,
			Subscriptions: subscriptionsService,
			PaymentMethod: paymentMethodsService,
			Notifications: notificationsService,
			Webhooks:      webhookService,
			WebhookGuard:  webhookGuard,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subplane/subplane-backend/api/controllers"
	webhookcontrollers "github.com/subplane/subplane-backend/api/controllers/webhooks"
	"github.com/subplane/subplane-backend/api/middleware"
	"github.com/subplane/subplane-backend/internal/coupons"
	"github.com/subplane/subplane-backend/internal/notifications"
	"github.com/subplane/subplane-backend/internal/paymentmethods"
	"github.com/subplane/subplane-backend/internal/plans"
	subscriptionsvc "github.com/subplane/subplane-backend/internal/subscriptions"
	stripewebhook "github.com/subplane/subplane-backend/internal/webhooks/stripe"
	"github.com/subplane/subplane-backend/pkg/config"
	"github.com/subplane/subplane-backend/pkg/db"
	"github.com/subplane/subplane-backend/pkg/logger"
	"github.com/subplane/subplane-backend/pkg/redis"
	"github.com/subplane/subplane-backend/pkg/stripe"
)

// RouterParams carries everything the HTTP surface depends on.
type RouterParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            db.Pinger
	Redis         *redis.Client
	StripeClient  *stripe.Client
	Plans         plans.Service
	Coupons       coupons.Service
	Subscriptions subscriptionsvc.Service
	PaymentMethod paymentmethods.Service
	Notifications notifications.Service
	Webhooks      *stripewebhook.Service
	WebhookGuard  *stripewebhook.IdempotencyGuard
}

func NewRouter(p RouterParams) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.DB, p.Redis))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(p.Webhooks, p.StripeClient, p.WebhookGuard, logg))
	})

	// Catalog browsing is public; everything else requires a bearer token.
	r.Route("/api/v1/plans", func(r chi.Router) {
		r.Get("/", controllers.ListPlans(p.Plans, logg))
		r.Get("/{planId}", controllers.GetPlan(p.Plans, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Post("/", controllers.CreatePlan(p.Plans, logg))
			r.Patch("/{planId}", controllers.UpdatePlan(p.Plans, logg))
			r.Delete("/{planId}", controllers.DeactivatePlan(p.Plans, logg))
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/coupons", func(r chi.Router) {
			r.Post("/", controllers.CreateCoupon(p.Coupons, logg))
			r.Get("/", controllers.ListCoupons(p.Coupons, logg))
			r.Post("/validate", controllers.ValidateCoupon(p.Coupons, logg))
			r.Get("/{couponId}", controllers.GetCoupon(p.Coupons, logg))
			r.Patch("/{couponId}", controllers.UpdateCoupon(p.Coupons, logg))
			r.Delete("/{couponId}", controllers.DeactivateCoupon(p.Coupons, logg))
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", controllers.CreateSubscription(p.Subscriptions, logg))
			r.Post("/change-plan", controllers.ChangeSubscriptionPlan(p.Subscriptions, logg))
			r.Post("/cancel", controllers.CancelSubscription(p.Subscriptions, logg))
			r.Post("/reactivate", controllers.ReactivateSubscription(p.Subscriptions, logg))
			r.Get("/current", controllers.CurrentSubscription(p.Subscriptions, logg))
			r.Get("/history", controllers.SubscriptionHistory(p.Subscriptions, logg))
		})

		r.Route("/payment-methods", func(r chi.Router) {
			r.Post("/customer", controllers.EnsureStripeCustomer(p.PaymentMethod, logg))
			r.Post("/setup-intent", controllers.CreateSetupIntent(p.PaymentMethod, logg))
			r.Get("/", controllers.ListPaymentMethods(p.PaymentMethod, logg))
			r.Post("/", controllers.AttachPaymentMethod(p.PaymentMethod, logg))
			r.Delete("/{paymentMethodId}", controllers.DetachPaymentMethod(p.PaymentMethod, logg))
			r.Post("/{paymentMethodId}/default", controllers.SetDefaultPaymentMethod(p.PaymentMethod, logg))
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", controllers.ListNotifications(p.Notifications, logg))
			r.Post("/{notificationId}/read", controllers.MarkNotificationRead(p.Notifications, logg))
			r.Post("/read-all", controllers.MarkAllNotificationsRead(p.Notifications, logg))
		})
	})

	return r
}

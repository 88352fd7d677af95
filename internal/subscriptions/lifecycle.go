package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/subplane/subplane-backend/internal/billing"
	"github.com/subplane/subplane-backend/internal/notifications"
	"github.com/subplane/subplane-backend/internal/users"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
	"github.com/subplane/subplane-backend/pkg/logger"
)

type notifier interface {
	Notify(ctx context.Context, input notifications.NotifyInput) (*models.Notification, error)
}

// Lifecycle is the single writer of subscription status for transitions that
// originate outside a user request: webhooks and the scheduled expiry sweep.
// It also owns users.CurrentSubscriptionID.
type Lifecycle interface {
	ApplySubscriptionUpdated(ctx context.Context, remote *stripe.Subscription) error
	ApplySubscriptionDeleted(ctx context.Context, remote *stripe.Subscription) error
	ApplyInvoicePaymentSucceeded(ctx context.Context, stripeSubscriptionID string, periodEnd *time.Time) error
	ApplyInvoicePaymentFailed(ctx context.Context, stripeSubscriptionID string) error
	ApplyPaymentIntentSucceeded(ctx context.Context, paymentIntentID string) error
	EnrollFreePlan(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	ExpireDueCancellations(ctx context.Context, limit int) (int, error)
	ListEndingSoon(ctx context.Context, window time.Duration, limit int) ([]models.Subscription, error)
	NotifyEndingSoon(ctx context.Context, sub *models.Subscription) error
}

// LifecycleParams groups dependencies for the lifecycle engine.
type LifecycleParams struct {
	BillingRepo       billing.Repository
	UsersRepo         users.Repository
	Notifier          notifier
	TransactionRunner txRunner
	Logger            *logger.Logger
}

type lifecycle struct {
	billingRepo billing.Repository
	usersRepo   users.Repository
	notifier    notifier
	txRunner    txRunner
	logg        *logger.Logger
	now         func() time.Time
}

// NewLifecycle builds the lifecycle engine with the required dependencies.
func NewLifecycle(params LifecycleParams) (Lifecycle, error) {
	if params.BillingRepo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.UsersRepo == nil {
		return nil, fmt.Errorf("users repo required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &lifecycle{
		billingRepo: params.BillingRepo,
		usersRepo:   params.UsersRepo,
		notifier:    params.Notifier,
		txRunner:    params.TransactionRunner,
		logg:        params.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// ApplySubscriptionUpdated syncs processor state onto the local row. Events
// for subscriptions this system never created are acknowledged and dropped.
func (l *lifecycle) ApplySubscriptionUpdated(ctx context.Context, remote *stripe.Subscription) error {
	if remote == nil || remote.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription payload missing id")
	}

	sub, err := l.billingRepo.FindSubscriptionByStripeID(ctx, remote.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		l.debugUnknown(ctx, remote.ID)
		return nil
	}

	prev := sub.Status
	applyStripeSubscription(sub, remote)

	// Keep the plan pointer in sync when the price changed out of band.
	if priceID := remotePriceID(remote); priceID != "" {
		plan, err := l.billingRepo.FindPlanByStripePriceID(ctx, priceID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve plan from price")
		}
		if plan != nil {
			sub.PlanID = plan.ID
		}
	}

	return l.persistTransition(ctx, sub, prev)
}

// ApplySubscriptionDeleted finalizes the subscription and drops the user back
// onto the default free plan, if one is configured.
func (l *lifecycle) ApplySubscriptionDeleted(ctx context.Context, remote *stripe.Subscription) error {
	if remote == nil || remote.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription payload missing id")
	}

	sub, err := l.billingRepo.FindSubscriptionByStripeID(ctx, remote.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		l.debugUnknown(ctx, remote.ID)
		return nil
	}
	if sub.Status == enums.SubscriptionStatusExpired {
		return nil
	}

	return l.expire(ctx, sub, true)
}

// ApplyInvoicePaymentSucceeded records the renewal and extends the billing
// period to the invoice's period end. The invoice is the source of truth, so
// the period end overwrites whatever the row currently holds.
func (l *lifecycle) ApplyInvoicePaymentSucceeded(ctx context.Context, stripeSubscriptionID string, periodEnd *time.Time) error {
	if stripeSubscriptionID == "" {
		return nil
	}

	sub, err := l.billingRepo.FindSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		l.debugUnknown(ctx, stripeSubscriptionID)
		return nil
	}
	if sub.Status.IsTerminal() {
		return nil
	}

	prev := sub.Status
	now := l.now()
	sub.LastBilledAt = &now
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd
	}
	if !sub.CancelAtPeriodEnd {
		sub.Status = enums.SubscriptionStatusActive
	}
	return l.persistTransition(ctx, sub, prev)
}

func (l *lifecycle) ApplyInvoicePaymentFailed(ctx context.Context, stripeSubscriptionID string) error {
	if stripeSubscriptionID == "" {
		return nil
	}

	sub, err := l.billingRepo.FindSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		l.debugUnknown(ctx, stripeSubscriptionID)
		return nil
	}
	if sub.Status.IsTerminal() {
		return nil
	}

	prev := sub.Status
	if sub.Status != enums.SubscriptionStatusIncomplete {
		sub.Status = enums.SubscriptionStatusPastDue
	}
	if err := l.persistTransition(ctx, sub, prev); err != nil {
		return err
	}

	l.notify(ctx, sub.UserID, enums.NotificationTypePaymentFailed,
		"Payment failed",
		"We could not process your latest payment. Please update your payment method to keep your subscription.")
	return nil
}

// ApplyPaymentIntentSucceeded activates a lifetime purchase whose charge
// needed authentication and completed asynchronously. Payment intents that do
// not back a lifetime purchase are acknowledged and dropped.
func (l *lifecycle) ApplyPaymentIntentSucceeded(ctx context.Context, paymentIntentID string) error {
	if paymentIntentID == "" {
		return nil
	}

	sub, err := l.billingRepo.FindSubscriptionByPaymentIntentID(ctx, paymentIntentID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		l.debugUnknown(ctx, paymentIntentID)
		return nil
	}
	if sub.Status != enums.SubscriptionStatusIncomplete {
		return nil
	}

	prev := sub.Status
	now := l.now()
	sub.Status = enums.SubscriptionStatusActive
	sub.CurrentPeriodStart = &now
	sub.LastBilledAt = &now
	return l.persistTransition(ctx, sub, prev)
}

// EnrollFreePlan drops the user onto the default free plan. A missing default
// plan or an occupied slot is not an error; there is simply nothing to do.
func (l *lifecycle) EnrollFreePlan(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	plan, err := l.billingRepo.FindDefaultPlan(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load default plan")
	}
	if plan == nil || plan.Interval != enums.PlanIntervalFree {
		return nil, nil
	}

	now := l.now()
	sub := &models.Subscription{
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             enums.SubscriptionStatusActive,
		CurrentPeriodStart: &now,
	}

	err = l.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := l.billingRepo.WithTx(tx)
		existing, err := repo.FindOccupyingSubscriptionByUser(ctx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			sub = existing
			return nil
		}
		if err := repo.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		return l.usersRepo.WithTx(tx).SetCurrentSubscription(ctx, userID, &sub.ID)
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enroll free plan")
	}
	return sub, nil
}

// ExpireDueCancellations finalizes scheduled cancellations whose billing
// period has lapsed without a processor deletion event arriving.
func (l *lifecycle) ExpireDueCancellations(ctx context.Context, limit int) (int, error) {
	due, err := l.billingRepo.ListScheduledCancellationsDue(ctx, l.now(), limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list due cancellations")
	}

	expired := 0
	for i := range due {
		if err := l.expire(ctx, &due[i], true); err != nil {
			if l.logg != nil {
				l.logg.Error(ctx, "expire subscription "+due[i].ID.String(), err)
			}
			continue
		}
		expired++
	}
	return expired, nil
}

func (l *lifecycle) ListEndingSoon(ctx context.Context, window time.Duration, limit int) ([]models.Subscription, error) {
	cutoff := l.now().Add(window)
	subs, err := l.billingRepo.ListSubscriptionsEndingBy(ctx, cutoff, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ending subscriptions")
	}
	return subs, nil
}

func (l *lifecycle) NotifyEndingSoon(ctx context.Context, sub *models.Subscription) error {
	if sub == nil || sub.CurrentPeriodEnd == nil {
		return nil
	}
	_, err := l.notifier.Notify(ctx, notifications.NotifyInput{
		UserID: sub.UserID,
		Type:   enums.NotificationTypeSubscriptionEndingSoon,
		Title:  "Subscription ending soon",
		Message: fmt.Sprintf("Your subscription ends on %s. Reactivate any time before then to keep your plan.",
			sub.CurrentPeriodEnd.Format("January 2, 2006")),
	})
	return err
}

// expire finalizes a subscription, clears the user's current pointer and
// optionally re-enrolls the free plan.
func (l *lifecycle) expire(ctx context.Context, sub *models.Subscription, reenroll bool) error {
	now := l.now()
	err := l.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		sub.Status = enums.SubscriptionStatusExpired
		if sub.CurrentPeriodEnd == nil {
			sub.CurrentPeriodEnd = &now
		}
		if err := l.billingRepo.WithTx(tx).UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		return l.clearCurrentPointer(ctx, tx, sub)
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire subscription")
	}

	l.notify(ctx, sub.UserID, enums.NotificationTypeSubscriptionEnded,
		"Subscription ended",
		"Your subscription has ended. You have been moved to the free plan.")

	if reenroll {
		if _, err := l.EnrollFreePlan(ctx, sub.UserID); err != nil {
			return err
		}
	}
	return nil
}

// persistTransition saves the row and keeps users.CurrentSubscriptionID
// pointing at the occupying subscription.
func (l *lifecycle) persistTransition(ctx context.Context, sub *models.Subscription, prev enums.SubscriptionStatus) error {
	err := l.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		if err := l.billingRepo.WithTx(tx).UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		if sub.Status.Occupies() || sub.Status == enums.SubscriptionStatusCanceled {
			return l.usersRepo.WithTx(tx).SetCurrentSubscription(ctx, sub.UserID, &sub.ID)
		}
		if sub.Status.IsTerminal() {
			return l.clearCurrentPointer(ctx, tx, sub)
		}
		return nil
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist subscription")
	}

	if l.logg != nil && prev != sub.Status {
		l.logg.Info(l.logg.WithFields(ctx, map[string]any{
			"subscription_id": sub.ID.String(),
			"from":            string(prev),
			"to":              string(sub.Status),
		}), "subscription status transition")
	}
	return nil
}

func (l *lifecycle) clearCurrentPointer(ctx context.Context, tx *gorm.DB, sub *models.Subscription) error {
	user, err := l.usersRepo.WithTx(tx).FindByID(ctx, sub.UserID)
	if err != nil {
		return err
	}
	if user == nil || user.CurrentSubscriptionID == nil || *user.CurrentSubscriptionID != sub.ID {
		return nil
	}
	return l.usersRepo.WithTx(tx).SetCurrentSubscription(ctx, sub.UserID, nil)
}

func (l *lifecycle) notify(ctx context.Context, userID uuid.UUID, kind enums.NotificationType, title, message string) {
	if _, err := l.notifier.Notify(ctx, notifications.NotifyInput{
		UserID:  userID,
		Type:    kind,
		Title:   title,
		Message: message,
	}); err != nil && l.logg != nil {
		l.logg.Error(ctx, "record notification", err)
	}
}

// remotePriceID returns the price backing the subscription's single item.
func remotePriceID(remote *stripe.Subscription) string {
	if remote == nil || remote.Items == nil || len(remote.Items.Data) == 0 {
		return ""
	}
	item := remote.Items.Data[0]
	if item.Price == nil {
		return ""
	}
	return item.Price.ID
}

func (l *lifecycle) debugUnknown(ctx context.Context, stripeSubscriptionID string) {
	if l.logg != nil {
		l.logg.Info(l.logg.WithField(ctx, "stripe_subscription_id", stripeSubscriptionID),
			"event for unknown subscription ignored")
	}
}

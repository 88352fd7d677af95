package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/subplane/subplane-backend/internal/notifications"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
)

type stubNotifier struct {
	sent []notifications.NotifyInput
}

func (s *stubNotifier) Notify(_ context.Context, input notifications.NotifyInput) (*models.Notification, error) {
	s.sent = append(s.sent, input)
	return &models.Notification{ID: uuid.New(), UserID: input.UserID, Type: input.Type}, nil
}

func newLifecycle(t *testing.T, repo *stubBillingRepo, userStore *stubUserStore, notify *stubNotifier) Lifecycle {
	t.Helper()
	engine, err := NewLifecycle(LifecycleParams{
		BillingRepo:       repo,
		UsersRepo:         userStore,
		Notifier:          notify,
		TransactionRunner: &stubTxRunner{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return engine
}

func TestApplySubscriptionUpdatedSyncsState(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	stripeID := "sub_live"
	sub := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		PlanID:               uuid.New(),
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusIncomplete,
	}
	repo.subsByStripe[stripeID] = sub

	engine := newLifecycle(t, repo, userStore, &stubNotifier{})

	remote := remoteSubscription(stripeID, stripe.SubscriptionStatusActive, "price_pro")
	if err := engine.ApplySubscriptionUpdated(context.Background(), remote); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected active status, got %q", sub.Status)
	}
	if sub.CurrentPeriodEnd == nil {
		t.Fatalf("expected period end recorded")
	}
	if got := userStore.currentSets[user.ID]; got == nil || *got != sub.ID {
		t.Fatalf("expected current subscription pointer set")
	}
}

func TestApplySubscriptionUpdatedResolvesPlanFromPrice(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	proPrice := "price_pro"
	pro := repo.addPlan(&models.Plan{Name: "Pro", Interval: enums.PlanIntervalMonth, StripePriceID: &proPrice, IsActive: true})

	stripeID := "sub_live"
	sub := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		PlanID:               uuid.New(),
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusActive,
	}
	repo.subsByStripe[stripeID] = sub

	engine := newLifecycle(t, repo, userStore, &stubNotifier{})

	remote := remoteSubscription(stripeID, stripe.SubscriptionStatusActive, proPrice)
	if err := engine.ApplySubscriptionUpdated(context.Background(), remote); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.PlanID != pro.ID {
		t.Fatalf("expected plan resolved from stripe price")
	}
}

func TestApplySubscriptionUpdatedUnknownIsNoop(t *testing.T) {
	repo := newStubBillingRepo()
	engine := newLifecycle(t, repo, newStubUserStore(), &stubNotifier{})

	remote := remoteSubscription("sub_unknown", stripe.SubscriptionStatusActive, "price_x")
	if err := engine.ApplySubscriptionUpdated(context.Background(), remote); err != nil {
		t.Fatalf("unknown subscription must be a no-op, got %v", err)
	}
	if len(repo.updated) != 0 {
		t.Fatalf("nothing should be written")
	}
}

func TestApplySubscriptionDeletedExpiresAndReenrolls(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	free := repo.addPlan(&models.Plan{Name: "Free", Interval: enums.PlanIntervalFree, IsDefault: true, IsActive: true})
	repo.defaultPlan = free

	stripeID := "sub_live"
	sub := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		PlanID:               uuid.New(),
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusCanceled,
	}
	repo.subsByStripe[stripeID] = sub
	user.CurrentSubscriptionID = &sub.ID

	notify := &stubNotifier{}
	engine := newLifecycle(t, repo, userStore, notify)

	if err := engine.ApplySubscriptionDeleted(context.Background(), &stripe.Subscription{ID: stripeID}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.Status != enums.SubscriptionStatusExpired {
		t.Fatalf("expected expired, got %q", sub.Status)
	}
	if len(repo.created) != 1 || repo.created[0].PlanID != free.ID {
		t.Fatalf("expected free plan enrollment")
	}
	if len(notify.sent) != 1 || notify.sent[0].Type != enums.NotificationTypeSubscriptionEnded {
		t.Fatalf("expected subscription ended notification, got %v", notify.sent)
	}
	if got := userStore.currentSets[user.ID]; got == nil || *got != repo.created[0].ID {
		t.Fatalf("expected current pointer moved to the free enrollment")
	}
}

func TestApplyInvoicePaymentSucceededActivates(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	stripeID := "sub_live"
	sub := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusPastDue,
	}
	repo.subsByStripe[stripeID] = sub

	engine := newLifecycle(t, repo, userStore, &stubNotifier{})

	periodEnd := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if err := engine.ApplyInvoicePaymentSucceeded(context.Background(), stripeID, &periodEnd); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected active, got %q", sub.Status)
	}
	if sub.LastBilledAt == nil {
		t.Fatalf("expected last billed timestamp")
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Fatalf("expected period end extended to the invoice period, got %v", sub.CurrentPeriodEnd)
	}
}

func TestApplyInvoicePaymentSucceededOverwritesStalePeriodEnd(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	stripeID := "sub_live"
	stale := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	sub := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusActive,
		CurrentPeriodEnd:     &stale,
	}
	repo.subsByStripe[stripeID] = sub

	engine := newLifecycle(t, repo, userStore, &stubNotifier{})

	periodEnd := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if err := engine.ApplyInvoicePaymentSucceeded(context.Background(), stripeID, &periodEnd); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Fatalf("expected stale period end overwritten, got %v", sub.CurrentPeriodEnd)
	}
}

func TestApplyPaymentIntentSucceededActivatesLifetimePurchase(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	intentID := "pi_life"
	sub := &models.Subscription{
		ID:                    uuid.New(),
		UserID:                user.ID,
		PlanID:                uuid.New(),
		StripePaymentIntentID: &intentID,
		Status:                enums.SubscriptionStatusIncomplete,
	}
	repo.subsByIntent[intentID] = sub

	engine := newLifecycle(t, repo, userStore, &stubNotifier{})

	if err := engine.ApplyPaymentIntentSucceeded(context.Background(), intentID); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected active, got %q", sub.Status)
	}
	if sub.CurrentPeriodStart == nil || sub.LastBilledAt == nil {
		t.Fatalf("expected billing timestamps recorded")
	}
	if got := userStore.currentSets[user.ID]; got == nil || *got != sub.ID {
		t.Fatalf("expected current subscription pointer set")
	}
}

func TestApplyPaymentIntentSucceededUnknownIsNoop(t *testing.T) {
	repo := newStubBillingRepo()
	engine := newLifecycle(t, repo, newStubUserStore(), &stubNotifier{})

	if err := engine.ApplyPaymentIntentSucceeded(context.Background(), "pi_unknown"); err != nil {
		t.Fatalf("unknown payment intent must be a no-op, got %v", err)
	}
	if len(repo.updated) != 0 {
		t.Fatalf("nothing should be written")
	}
}

func TestApplyInvoicePaymentFailedMarksPastDueAndNotifies(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	stripeID := "sub_live"
	sub := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusActive,
	}
	repo.subsByStripe[stripeID] = sub

	notify := &stubNotifier{}
	engine := newLifecycle(t, repo, userStore, notify)

	if err := engine.ApplyInvoicePaymentFailed(context.Background(), stripeID); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.Status != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %q", sub.Status)
	}
	if len(notify.sent) != 1 || notify.sent[0].Type != enums.NotificationTypePaymentFailed {
		t.Fatalf("expected payment failed notification")
	}
}

func TestApplyInvoicePaymentFailedKeepsIncomplete(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	stripeID := "sub_live"
	sub := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusIncomplete,
	}
	repo.subsByStripe[stripeID] = sub

	engine := newLifecycle(t, repo, userStore, &stubNotifier{})

	if err := engine.ApplyInvoicePaymentFailed(context.Background(), stripeID); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.Status != enums.SubscriptionStatusIncomplete {
		t.Fatalf("first payment failure must keep incomplete, got %q", sub.Status)
	}
}

func TestExpireDueCancellations(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	free := repo.addPlan(&models.Plan{Name: "Free", Interval: enums.PlanIntervalFree, IsDefault: true, IsActive: true})
	repo.defaultPlan = free

	periodEnd := time.Now().UTC().Add(-time.Hour)
	repo.dueCancels = []models.Subscription{
		{
			ID:                uuid.New(),
			UserID:            user.ID,
			Status:            enums.SubscriptionStatusCanceled,
			CancelAtPeriodEnd: true,
			CurrentPeriodEnd:  &periodEnd,
		},
	}

	notify := &stubNotifier{}
	engine := newLifecycle(t, repo, userStore, notify)

	expired, err := engine.ExpireDueCancellations(context.Background(), 100)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expiry, got %d", expired)
	}
	if len(repo.updated) == 0 || repo.updated[0].Status != enums.SubscriptionStatusExpired {
		t.Fatalf("expected subscription expired")
	}
	if len(repo.created) != 1 || repo.created[0].PlanID != free.ID {
		t.Fatalf("expected free plan enrollment")
	}
}

func TestNotifyEndingSoon(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	periodEnd := time.Now().UTC().Add(3 * 24 * time.Hour)
	sub := &models.Subscription{
		ID:               uuid.New(),
		UserID:           user.ID,
		Status:           enums.SubscriptionStatusCanceled,
		CurrentPeriodEnd: &periodEnd,
	}

	notify := &stubNotifier{}
	engine := newLifecycle(t, repo, userStore, notify)

	if err := engine.NotifyEndingSoon(context.Background(), sub); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(notify.sent) != 1 || notify.sent[0].Type != enums.NotificationTypeSubscriptionEndingSoon {
		t.Fatalf("expected ending soon notification")
	}
}

package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/subplane/subplane-backend/internal/billing"
	"github.com/subplane/subplane-backend/internal/users"
	"github.com/subplane/subplane-backend/pkg/db"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// customerProvider resolves the Stripe customer for a user and prepares the
// payment method checkout will charge.
type customerProvider interface {
	EnsureCustomer(ctx context.Context, userID uuid.UUID) (string, error)
	Attach(ctx context.Context, userID uuid.UUID, paymentMethodID string) (*stripe.PaymentMethod, error)
	SetDefault(ctx context.Context, userID uuid.UUID, paymentMethodID string) error
}

// Service defines the subscription lifecycle surface driven by user actions.
// Webhook- and cron-driven transitions live on the Lifecycle engine.
type Service interface {
	Create(ctx context.Context, userID uuid.UUID, input CreateSubscriptionInput) (*CreateResult, error)
	ChangePlan(ctx context.Context, userID uuid.UUID, input ChangePlanInput) (*CreateResult, error)
	Cancel(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	Reactivate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	GetCurrent(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	ListHistory(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error)
}

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	BillingRepo       billing.Repository
	UsersRepo         users.Repository
	Customers         customerProvider
	StripeClient      StripeSubscriptionClient
	TransactionRunner txRunner
}

// CreateSubscriptionInput captures the data required to start a subscription.
// PaymentMethodID is optional; when present it is attached to the customer and
// made the default before any charge is attempted.
type CreateSubscriptionInput struct {
	PlanID          uuid.UUID
	CouponCode      string
	PaymentMethodID string
}

// ChangePlanInput captures a plan change request. An optional coupon is
// validated against the target plan.
type ChangePlanInput struct {
	PlanID     uuid.UUID
	CouponCode string
}

// CreateResult carries the subscription plus the client secret the frontend
// needs to confirm the first payment. ClientSecret is empty for free plans
// and plan changes that bill automatically.
type CreateResult struct {
	Subscription *models.Subscription
	ClientSecret string
}

type service struct {
	billingRepo billing.Repository
	usersRepo   users.Repository
	customers   customerProvider
	stripe      StripeSubscriptionClient
	txRunner    txRunner
	now         func() time.Time
}

// NewService builds a subscription service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.BillingRepo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.UsersRepo == nil {
		return nil, fmt.Errorf("users repo required")
	}
	if params.Customers == nil {
		return nil, fmt.Errorf("customer provider required")
	}
	if params.StripeClient == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{
		billingRepo: params.BillingRepo,
		usersRepo:   params.UsersRepo,
		customers:   params.Customers,
		stripe:      params.StripeClient,
		txRunner:    params.TransactionRunner,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create starts a subscription for the user. At most one active or trialing
// subscription is allowed per user; the occupancy check is repeated inside
// the transaction and backed by a partial unique index.
func (s *service) Create(ctx context.Context, userID uuid.UUID, input CreateSubscriptionInput) (*CreateResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if input.PlanID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}

	user, err := s.usersRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if user == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}

	plan, err := s.billingRepo.FindPlanByID(ctx, input.PlanID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	if !plan.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "plan is no longer available")
	}

	occupying, err := s.billingRepo.FindOccupyingSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check current subscription")
	}
	if occupying != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "user already has an active subscription")
	}

	switch {
	case plan.Interval == enums.PlanIntervalFree:
		sub, err := s.enrollLocal(ctx, user, plan)
		if err != nil {
			return nil, err
		}
		return &CreateResult{Subscription: sub}, nil
	case plan.Interval == enums.PlanIntervalLifetime:
		return s.createLifetime(ctx, user, plan, input.CouponCode, input.PaymentMethodID)
	default:
		return s.createPaid(ctx, user, plan, input.CouponCode, input.PaymentMethodID)
	}
}

// enrollLocal records a free-plan enrollment without touching Stripe.
func (s *service) enrollLocal(ctx context.Context, user *models.User, plan *models.Plan) (*models.Subscription, error) {
	now := s.now()
	sub := &models.Subscription{
		UserID:             user.ID,
		PlanID:             plan.ID,
		Status:             enums.SubscriptionStatusActive,
		CurrentPeriodStart: &now,
	}

	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		existing, err := repo.FindOccupyingSubscriptionByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "user already has an active subscription")
		}
		if err := repo.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		return s.usersRepo.WithTx(tx).SetCurrentSubscription(ctx, user.ID, &sub.ID)
	})
	if err != nil {
		return nil, s.mapTxError(err, "enroll free plan")
	}
	return sub, nil
}

// createPaid opens a processor subscription and only then persists the local
// row. No Stripe call failure leaves local state behind, and the coupon
// redemption counter moves only after Stripe confirms the subscription.
func (s *service) createPaid(ctx context.Context, user *models.User, plan *models.Plan, couponCode, paymentMethodID string) (*CreateResult, error) {
	if plan.StripePriceID == nil || *plan.StripePriceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "plan has no processor price")
	}

	coupon, err := s.resolveCoupon(ctx, couponCode, plan)
	if err != nil {
		return nil, err
	}

	customerID, err := s.prepareCustomer(ctx, user.ID, paymentMethodID)
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		ID:     uuid.New(),
		UserID: user.ID,
		PlanID: plan.ID,
		Status: enums.SubscriptionStatusIncomplete,
	}
	if coupon != nil {
		sub.CouponCode = &coupon.Code
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: plan.StripePriceID},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	if plan.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(plan.TrialDays))
	}
	if coupon != nil && coupon.StripeCouponID != nil {
		params.Discounts = []*stripe.SubscriptionDiscountParams{
			{Coupon: coupon.StripeCouponID},
		}
	}
	params.AddExpand("latest_invoice.confirmation_secret")
	params.SetIdempotencyKey("subscription-create-" + sub.ID.String())

	remote, err := s.stripe.Create(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe subscription")
	}

	applyStripeSubscription(sub, remote)
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		existing, err := repo.FindOccupyingSubscriptionByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "user already has an active subscription")
		}
		if coupon != nil {
			redeemed, err := repo.RedeemCoupon(ctx, coupon.Code, s.now())
			if err != nil {
				return err
			}
			if !redeemed {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "coupon is no longer redeemable")
			}
		}
		return repo.CreateSubscription(ctx, sub)
	})
	if err != nil {
		// Undo the remote subscription so the lost race doesn't keep billing.
		_, _ = s.stripe.Cancel(ctx, remote.ID, nil)
		return nil, s.mapTxError(err, "create subscription")
	}

	if sub.Status.Occupies() {
		if err := s.usersRepo.SetCurrentSubscription(ctx, user.ID, &sub.ID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set current subscription")
		}
	}

	return &CreateResult{
		Subscription: sub,
		ClientSecret: clientSecret(remote),
	}, nil
}

// createLifetime charges the plan price once through a payment intent instead
// of opening a processor subscription. The row activates immediately when the
// charge succeeds; a charge needing authentication persists as incomplete and
// activates off the payment_intent.succeeded webhook.
func (s *service) createLifetime(ctx context.Context, user *models.User, plan *models.Plan, couponCode, paymentMethodID string) (*CreateResult, error) {
	coupon, err := s.resolveCoupon(ctx, couponCode, plan)
	if err != nil {
		return nil, err
	}

	amount := discountedCents(plan, coupon)
	if amount == 0 {
		// Fully discounted: nothing to charge, enroll directly.
		return s.enrollLifetimeWithoutCharge(ctx, user, plan, coupon)
	}

	customerID, err := s.prepareCustomer(ctx, user.ID, paymentMethodID)
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		ID:     uuid.New(),
		UserID: user.ID,
		PlanID: plan.ID,
		Status: enums.SubscriptionStatusIncomplete,
	}
	if coupon != nil {
		sub.CouponCode = &coupon.Code
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(plan.Currency.String()),
		Customer: stripe.String(customerID),
		Confirm:  stripe.Bool(true),
		Metadata: map[string]string{
			"user_id": user.ID.String(),
			"plan_id": plan.ID.String(),
		},
	}
	if paymentMethodID != "" {
		params.PaymentMethod = stripe.String(paymentMethodID)
	}
	params.SetIdempotencyKey("lifetime-purchase-" + sub.ID.String())

	intent, err := s.stripe.CreatePaymentIntent(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe payment intent")
	}

	now := s.now()
	sub.StripePaymentIntentID = &intent.ID
	if intent.Status == stripe.PaymentIntentStatusSucceeded {
		sub.Status = enums.SubscriptionStatusActive
		sub.CurrentPeriodStart = &now
		sub.LastBilledAt = &now
	}

	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		existing, err := repo.FindOccupyingSubscriptionByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "user already has an active subscription")
		}
		if coupon != nil {
			redeemed, err := repo.RedeemCoupon(ctx, coupon.Code, s.now())
			if err != nil {
				return err
			}
			if !redeemed {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "coupon is no longer redeemable")
			}
		}
		if err := repo.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		if sub.Status.Occupies() {
			return s.usersRepo.WithTx(tx).SetCurrentSubscription(ctx, user.ID, &sub.ID)
		}
		return nil
	})
	if err != nil {
		return nil, s.mapTxError(err, "record lifetime purchase")
	}

	result := &CreateResult{Subscription: sub}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		result.ClientSecret = intent.ClientSecret
	}
	return result, nil
}

// enrollLifetimeWithoutCharge records a fully discounted lifetime purchase.
func (s *service) enrollLifetimeWithoutCharge(ctx context.Context, user *models.User, plan *models.Plan, coupon *models.Coupon) (*CreateResult, error) {
	now := s.now()
	sub := &models.Subscription{
		ID:                 uuid.New(),
		UserID:             user.ID,
		PlanID:             plan.ID,
		Status:             enums.SubscriptionStatusActive,
		CurrentPeriodStart: &now,
	}
	if coupon != nil {
		sub.CouponCode = &coupon.Code
	}

	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.billingRepo.WithTx(tx)
		existing, err := repo.FindOccupyingSubscriptionByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "user already has an active subscription")
		}
		if coupon != nil {
			redeemed, err := repo.RedeemCoupon(ctx, coupon.Code, s.now())
			if err != nil {
				return err
			}
			if !redeemed {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "coupon is no longer redeemable")
			}
		}
		if err := repo.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		return s.usersRepo.WithTx(tx).SetCurrentSubscription(ctx, user.ID, &sub.ID)
	})
	if err != nil {
		return nil, s.mapTxError(err, "record lifetime enrollment")
	}
	return &CreateResult{Subscription: sub}, nil
}

// prepareCustomer resolves the Stripe customer and, when a payment method is
// supplied, attaches it and makes it the default before anything is charged.
func (s *service) prepareCustomer(ctx context.Context, userID uuid.UUID, paymentMethodID string) (string, error) {
	customerID, err := s.customers.EnsureCustomer(ctx, userID)
	if err != nil {
		return "", err
	}
	if paymentMethodID != "" {
		if _, err := s.customers.Attach(ctx, userID, paymentMethodID); err != nil {
			return "", err
		}
		if err := s.customers.SetDefault(ctx, userID, paymentMethodID); err != nil {
			return "", err
		}
	}
	return customerID, nil
}

// resolveCoupon normalizes and validates an optional coupon code against the
// plan without consuming a redemption.
func (s *service) resolveCoupon(ctx context.Context, couponCode string, plan *models.Plan) (*models.Coupon, error) {
	code := strings.ToUpper(strings.TrimSpace(couponCode))
	if code == "" {
		return nil, nil
	}
	return s.validateCoupon(ctx, code, plan)
}

// discountedCents computes the one-time charge for a lifetime plan after the
// coupon, never below zero.
func discountedCents(plan *models.Plan, coupon *models.Coupon) int64 {
	price := plan.Price
	if coupon != nil {
		switch coupon.DiscountType {
		case enums.DiscountTypePercent:
			if coupon.PercentOff != nil {
				factor := decimal.NewFromInt(100).Sub(*coupon.PercentOff).Div(decimal.NewFromInt(100))
				price = price.Mul(factor)
			}
		case enums.DiscountTypeFixedAmount:
			if coupon.AmountOff != nil {
				price = price.Sub(*coupon.AmountOff)
			}
		}
	}
	if price.IsNegative() {
		return 0
	}
	return price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// ChangePlan moves the user's current subscription to a different plan.
// Price increases invoice the proration immediately; decreases carry no
// proration and take effect at the next renewal. An optional coupon discounts
// the target plan.
func (s *service) ChangePlan(ctx context.Context, userID uuid.UUID, input ChangePlanInput) (*CreateResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if input.PlanID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}

	current, err := s.billingRepo.FindOccupyingSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load current subscription")
	}
	if current == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active subscription")
	}
	if current.PlanID == input.PlanID {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription already on this plan")
	}

	newPlan, err := s.billingRepo.FindPlanByID(ctx, input.PlanID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if newPlan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	if !newPlan.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "plan is no longer available")
	}

	currentPlan, err := s.billingRepo.FindPlanByID(ctx, current.PlanID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load current plan")
	}
	if currentPlan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "current plan missing")
	}
	if currentPlan.Interval == enums.PlanIntervalLifetime {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "lifetime subscriptions cannot change plans")
	}

	// Leaving the free plan means a real purchase.
	if current.StripeSubscriptionID == nil {
		if newPlan.Interval == enums.PlanIntervalFree {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription already on a free plan")
		}
		return s.switchFromFree(ctx, current, newPlan, input.CouponCode)
	}
	if !newPlan.Interval.Recurring() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "cancel the subscription before switching off a recurring plan")
	}
	if newPlan.StripePriceID == nil || *newPlan.StripePriceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "plan has no processor price")
	}

	coupon, err := s.resolveCoupon(ctx, input.CouponCode, newPlan)
	if err != nil {
		return nil, err
	}

	remote, err := s.stripe.Get(ctx, *current.StripeSubscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load stripe subscription")
	}
	itemID := firstItemID(remote)
	if itemID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe subscription has no items")
	}

	proration := "none"
	if newPlan.Price.GreaterThan(currentPlan.Price) {
		proration = "always_invoice"
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(itemID),
				Price: newPlan.StripePriceID,
			},
		},
		ProrationBehavior: stripe.String(proration),
	}
	if coupon != nil && coupon.StripeCouponID != nil {
		params.Discounts = []*stripe.SubscriptionDiscountParams{
			{Coupon: coupon.StripeCouponID},
		}
	}
	params.SetIdempotencyKey(fmt.Sprintf("subscription-change-%s-%s", current.ID, input.PlanID))

	updated, err := s.stripe.Update(ctx, *current.StripeSubscriptionID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update stripe subscription")
	}

	applyStripeSubscription(current, updated)
	current.PlanID = input.PlanID
	if coupon != nil {
		current.CouponCode = &coupon.Code
		// Best effort: validation already passed and Stripe carries the
		// discount, so a lost counter race doesn't unwind the change.
		if _, err := s.billingRepo.RedeemCoupon(ctx, coupon.Code, s.now()); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "redeem coupon")
		}
	}
	if err := s.billingRepo.UpdateSubscription(ctx, current); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist subscription")
	}
	return &CreateResult{Subscription: current}, nil
}

// switchFromFree retires the local free enrollment and starts a paid
// subscription in its place.
func (s *service) switchFromFree(ctx context.Context, current *models.Subscription, newPlan *models.Plan, couponCode string) (*CreateResult, error) {
	user, err := s.usersRepo.FindByID(ctx, current.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if user == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}

	now := s.now()
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		current.Status = enums.SubscriptionStatusExpired
		current.CurrentPeriodEnd = &now
		if err := s.billingRepo.WithTx(tx).UpdateSubscription(ctx, current); err != nil {
			return err
		}
		return s.usersRepo.WithTx(tx).SetCurrentSubscription(ctx, current.UserID, nil)
	})
	if err != nil {
		return nil, s.mapTxError(err, "retire free enrollment")
	}

	if newPlan.Interval == enums.PlanIntervalLifetime {
		return s.createLifetime(ctx, user, newPlan, couponCode, "")
	}
	return s.createPaid(ctx, user, newPlan, couponCode, "")
}

// Cancel schedules the cancellation for the end of the billing period. The
// processor subscription stays live until then; locally the row moves to
// canceled immediately.
func (s *service) Cancel(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	current, err := s.billingRepo.FindOccupyingSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load current subscription")
	}
	if current == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active subscription")
	}
	if current.StripeSubscriptionID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only recurring subscriptions can be canceled")
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.SetIdempotencyKey("subscription-cancel-" + current.ID.String())
	remote, err := s.stripe.Update(ctx, *current.StripeSubscriptionID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "schedule stripe cancellation")
	}

	applyStripeSubscription(current, remote)
	current.Status = enums.SubscriptionStatusCanceled
	now := s.now()
	if current.CanceledAt == nil {
		current.CanceledAt = &now
	}
	if err := s.billingRepo.UpdateSubscription(ctx, current); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist subscription")
	}
	return current, nil
}

// Reactivate undoes a scheduled cancellation while the paid period is still
// running.
func (s *service) Reactivate(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	subs, err := s.billingRepo.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscriptions")
	}

	var target *models.Subscription
	for i := range subs {
		if subs[i].Status == enums.SubscriptionStatusCanceled && subs[i].CancelAtPeriodEnd {
			target = &subs[i]
			break
		}
	}
	if target == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no cancellation to undo")
	}
	if target.CurrentPeriodEnd != nil && !target.CurrentPeriodEnd.After(s.now()) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "billing period already ended")
	}
	if target.StripeSubscriptionID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription has no processor record")
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	params.SetIdempotencyKey("subscription-reactivate-" + target.ID.String())
	remote, err := s.stripe.Update(ctx, *target.StripeSubscriptionID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resume stripe subscription")
	}

	applyStripeSubscription(target, remote)
	target.CanceledAt = nil
	if err := s.billingRepo.UpdateSubscription(ctx, target); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist subscription")
	}
	return target, nil
}

func (s *service) GetCurrent(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	current, err := s.billingRepo.FindOccupyingSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load current subscription")
	}
	if current != nil {
		return current, nil
	}

	// A scheduled cancellation still grants access until the period lapses.
	subs, err := s.billingRepo.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscriptions")
	}
	for i := range subs {
		sub := &subs[i]
		if sub.Status == enums.SubscriptionStatusCanceled &&
			sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(s.now()) {
			return sub, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no active subscription")
}

func (s *service) ListHistory(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	subs, err := s.billingRepo.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	return subs, nil
}

// validateCoupon mirrors the coupon service's checks for the subset that
// matters at checkout.
func (s *service) validateCoupon(ctx context.Context, code string, plan *models.Plan) (*models.Coupon, error) {
	coupon, err := s.billingRepo.FindCouponByCode(ctx, code)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	if coupon == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
	}
	if !coupon.Redeemable(s.now()) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon is no longer redeemable")
	}
	if !coupon.AppliesTo(plan.ID) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon does not apply to this plan")
	}
	if coupon.DiscountType == enums.DiscountTypeFixedAmount &&
		coupon.Currency != nil && *coupon.Currency != plan.Currency {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon currency does not match the plan")
	}
	return coupon, nil
}

// mapTxError keeps app error codes from transaction callbacks and folds the
// partial unique index violation into a conflict.
func (s *service) mapTxError(err error, op string) error {
	if appErr := pkgerrors.As(err); appErr != nil {
		return err
	}
	if db.IsUniqueViolation(err, "uniq_subscriptions_user_occupying") {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "user already has an active subscription")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}

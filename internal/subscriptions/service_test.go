package subscriptions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/subplane/subplane-backend/internal/billing"
	"github.com/subplane/subplane-backend/internal/users"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
)

type stubTxRunner struct {
	err error
}

func (s *stubTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	if s.err != nil {
		return s.err
	}
	return fn(nil)
}

type stubBillingRepo struct {
	billing.Repository

	plans         map[uuid.UUID]*models.Plan
	plansByPrice  map[string]*models.Plan
	defaultPlan   *models.Plan
	coupons       map[string]*models.Coupon
	subsByStripe  map[string]*models.Subscription
	subsByIntent  map[string]*models.Subscription
	occupying     map[uuid.UUID]*models.Subscription
	byUser        map[uuid.UUID][]models.Subscription
	dueCancels    []models.Subscription
	endingSoon    []models.Subscription
	redeemOutcome bool

	created []*models.Subscription
	updated []*models.Subscription
	redeems []string
}

func newStubBillingRepo() *stubBillingRepo {
	return &stubBillingRepo{
		plans:         map[uuid.UUID]*models.Plan{},
		plansByPrice:  map[string]*models.Plan{},
		coupons:       map[string]*models.Coupon{},
		subsByStripe:  map[string]*models.Subscription{},
		subsByIntent:  map[string]*models.Subscription{},
		occupying:     map[uuid.UUID]*models.Subscription{},
		byUser:        map[uuid.UUID][]models.Subscription{},
		redeemOutcome: true,
	}
}

func (s *stubBillingRepo) WithTx(_ *gorm.DB) billing.Repository { return s }

func (s *stubBillingRepo) addPlan(p *models.Plan) *models.Plan {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.plans[p.ID] = p
	if p.StripePriceID != nil {
		s.plansByPrice[*p.StripePriceID] = p
	}
	return p
}

func (s *stubBillingRepo) FindPlanByID(_ context.Context, id uuid.UUID) (*models.Plan, error) {
	return s.plans[id], nil
}

func (s *stubBillingRepo) FindPlanByStripePriceID(_ context.Context, priceID string) (*models.Plan, error) {
	return s.plansByPrice[priceID], nil
}

func (s *stubBillingRepo) FindDefaultPlan(_ context.Context) (*models.Plan, error) {
	return s.defaultPlan, nil
}

func (s *stubBillingRepo) FindCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	return s.coupons[code], nil
}

func (s *stubBillingRepo) RedeemCoupon(_ context.Context, code string, _ time.Time) (bool, error) {
	s.redeems = append(s.redeems, code)
	return s.redeemOutcome, nil
}

func (s *stubBillingRepo) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	s.created = append(s.created, sub)
	return nil
}

func (s *stubBillingRepo) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	s.updated = append(s.updated, sub)
	return nil
}

func (s *stubBillingRepo) FindSubscriptionByStripeID(_ context.Context, id string) (*models.Subscription, error) {
	return s.subsByStripe[id], nil
}

func (s *stubBillingRepo) FindSubscriptionByPaymentIntentID(_ context.Context, id string) (*models.Subscription, error) {
	return s.subsByIntent[id], nil
}

func (s *stubBillingRepo) FindOccupyingSubscriptionByUser(_ context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return s.occupying[userID], nil
}

func (s *stubBillingRepo) ListSubscriptionsByUser(_ context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	return s.byUser[userID], nil
}

func (s *stubBillingRepo) ListScheduledCancellationsDue(_ context.Context, _ time.Time, _ int) ([]models.Subscription, error) {
	return s.dueCancels, nil
}

func (s *stubBillingRepo) ListSubscriptionsEndingBy(_ context.Context, _ time.Time, _ int) ([]models.Subscription, error) {
	return s.endingSoon, nil
}

type stubUserStore struct {
	usersByID map[uuid.UUID]*models.User

	currentSets map[uuid.UUID]*uuid.UUID
}

func newStubUserStore() *stubUserStore {
	return &stubUserStore{
		usersByID:   map[uuid.UUID]*models.User{},
		currentSets: map[uuid.UUID]*uuid.UUID{},
	}
}

func (s *stubUserStore) add(u *models.User) *models.User {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	s.usersByID[u.ID] = u
	return u
}

func (s *stubUserStore) WithTx(_ *gorm.DB) users.Repository { return s }

func (s *stubUserStore) FindByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	return s.usersByID[id], nil
}

func (s *stubUserStore) FindByStripeCustomerID(_ context.Context, _ string) (*models.User, error) {
	return nil, nil
}

func (s *stubUserStore) SetStripeCustomerID(_ context.Context, id uuid.UUID, customerID string) error {
	if u, ok := s.usersByID[id]; ok {
		u.StripeCustomerID = &customerID
	}
	return nil
}

func (s *stubUserStore) SetCurrentSubscription(_ context.Context, id uuid.UUID, subscriptionID *uuid.UUID) error {
	s.currentSets[id] = subscriptionID
	if u, ok := s.usersByID[id]; ok {
		u.CurrentSubscriptionID = subscriptionID
	}
	return nil
}

type stubCustomers struct {
	customerID string
	err        error

	attached []string
	defaults []string
	onAttach func()
}

func (s *stubCustomers) EnsureCustomer(_ context.Context, _ uuid.UUID) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.customerID, nil
}

func (s *stubCustomers) Attach(_ context.Context, _ uuid.UUID, paymentMethodID string) (*stripe.PaymentMethod, error) {
	s.attached = append(s.attached, paymentMethodID)
	if s.onAttach != nil {
		s.onAttach()
	}
	return &stripe.PaymentMethod{ID: paymentMethodID}, nil
}

func (s *stubCustomers) SetDefault(_ context.Context, _ uuid.UUID, paymentMethodID string) error {
	s.defaults = append(s.defaults, paymentMethodID)
	return nil
}

type stubStripeSubClient struct {
	createResp *stripe.Subscription
	createErr  error
	updateResp *stripe.Subscription
	updateErr  error
	getResp    *stripe.Subscription

	intentResp *stripe.PaymentIntent
	intentErr  error

	createParams []*stripe.SubscriptionParams
	updates      map[string]*stripe.SubscriptionParams
	cancels      []string
	intentParams []*stripe.PaymentIntentParams
}

func newStubStripeSubClient() *stubStripeSubClient {
	return &stubStripeSubClient{updates: map[string]*stripe.SubscriptionParams{}}
}

func (s *stubStripeSubClient) Create(_ context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.createParams = append(s.createParams, params)
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.createResp, nil
}

func (s *stubStripeSubClient) Update(_ context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.updates[id] = params
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	if s.updateResp != nil {
		return s.updateResp, nil
	}
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusActive}, nil
}

func (s *stubStripeSubClient) Get(_ context.Context, id string) (*stripe.Subscription, error) {
	if s.getResp != nil {
		return s.getResp, nil
	}
	return &stripe.Subscription{ID: id}, nil
}

func (s *stubStripeSubClient) Cancel(_ context.Context, id string, _ *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	s.cancels = append(s.cancels, id)
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled}, nil
}

func (s *stubStripeSubClient) CreatePaymentIntent(_ context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.intentParams = append(s.intentParams, params)
	if s.intentErr != nil {
		return nil, s.intentErr
	}
	if s.intentResp != nil {
		return s.intentResp, nil
	}
	return &stripe.PaymentIntent{ID: "pi_test", Status: stripe.PaymentIntentStatusSucceeded}, nil
}

func remoteSubscription(id string, status stripe.SubscriptionStatus, priceID string) *stripe.Subscription {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Unix()
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC).Unix()
	return &stripe.Subscription{
		ID:     id,
		Status: status,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					ID:                 "si_1",
					CurrentPeriodStart: start,
					CurrentPeriodEnd:   end,
					Price:              &stripe.Price{ID: priceID},
				},
			},
		},
	}
}

func newSubscriptionService(t *testing.T, repo *stubBillingRepo, userStore *stubUserStore, client *stubStripeSubClient) Service {
	t.Helper()
	return newSubscriptionServiceWithCustomers(t, repo, userStore, client, &stubCustomers{customerID: "cus_test"})
}

func newSubscriptionServiceWithCustomers(t *testing.T, repo *stubBillingRepo, userStore *stubUserStore, client *stubStripeSubClient, customers *stubCustomers) Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		BillingRepo:       repo,
		UsersRepo:         userStore,
		Customers:         customers,
		StripeClient:      client,
		TransactionRunner: &stubTxRunner{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func expectCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	appErr := pkgerrors.As(err)
	if appErr == nil || appErr.Code() != code {
		t.Fatalf("expected code %s, got %v", code, err)
	}
}

func TestCreatePaidSubscription(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	priceID := "price_pro"
	plan := repo.addPlan(&models.Plan{
		Name:          "Pro",
		Interval:      enums.PlanIntervalMonth,
		Price:         decimal.NewFromInt(29),
		Currency:      enums.CurrencyUSD,
		StripePriceID: &priceID,
		IsActive:      true,
	})

	client := newStubStripeSubClient()
	remote := remoteSubscription("sub_new", stripe.SubscriptionStatusIncomplete, priceID)
	remote.LatestInvoice = &stripe.Invoice{
		ConfirmationSecret: &stripe.InvoiceConfirmationSecret{ClientSecret: "pi_secret"},
	}
	client.createResp = remote

	svc := newSubscriptionService(t, repo, userStore, client)

	result, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{PlanID: plan.ID})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.ClientSecret != "pi_secret" {
		t.Fatalf("expected client secret, got %q", result.ClientSecret)
	}
	sub := result.Subscription
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID != "sub_new" {
		t.Fatalf("expected stripe subscription id recorded")
	}
	if sub.Status != enums.SubscriptionStatusIncomplete {
		t.Fatalf("expected incomplete status, got %q", sub.Status)
	}
	if len(client.createParams) != 1 {
		t.Fatalf("expected one stripe create call")
	}
	params := client.createParams[0]
	if params.PaymentBehavior == nil || *params.PaymentBehavior != "default_incomplete" {
		t.Fatalf("expected default_incomplete behavior")
	}
	if len(params.Items) != 1 || params.Items[0].Price == nil || *params.Items[0].Price != priceID {
		t.Fatalf("expected plan price on the subscription item")
	}
}

func TestCreateRejectsSecondOccupyingSubscription(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	plan := repo.addPlan(&models.Plan{Name: "Pro", Interval: enums.PlanIntervalMonth, Price: decimal.NewFromInt(29), IsActive: true})
	repo.occupying[user.ID] = &models.Subscription{ID: uuid.New(), UserID: user.ID, Status: enums.SubscriptionStatusActive}

	svc := newSubscriptionService(t, repo, userStore, newStubStripeSubClient())

	_, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{PlanID: plan.ID})
	expectCode(t, err, pkgerrors.CodeConflict)
}

func TestCreateFreePlanStaysLocal(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	plan := repo.addPlan(&models.Plan{Name: "Free", Interval: enums.PlanIntervalFree, IsActive: true, IsDefault: true})

	client := newStubStripeSubClient()
	svc := newSubscriptionService(t, repo, userStore, client)

	result, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{PlanID: plan.ID})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	sub := result.Subscription
	if sub.StripeSubscriptionID != nil {
		t.Fatalf("free plan must not create a stripe subscription")
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected active status, got %q", sub.Status)
	}
	if len(client.createParams) != 0 {
		t.Fatalf("stripe must not be called")
	}
	if got := userStore.currentSets[user.ID]; got == nil || *got != sub.ID {
		t.Fatalf("expected current subscription pointer set")
	}
}

func TestCreateAppliesCoupon(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	priceID := "price_pro"
	plan := repo.addPlan(&models.Plan{
		Name:          "Pro",
		Interval:      enums.PlanIntervalMonth,
		Price:         decimal.NewFromInt(29),
		Currency:      enums.CurrencyUSD,
		StripePriceID: &priceID,
		IsActive:      true,
	})
	stripeCouponID := "LAUNCH25"
	percent := decimal.NewFromInt(25)
	repo.coupons["LAUNCH25"] = &models.Coupon{
		Code:           "LAUNCH25",
		DiscountType:   enums.DiscountTypePercent,
		PercentOff:     &percent,
		StripeCouponID: &stripeCouponID,
		IsActive:       true,
	}

	client := newStubStripeSubClient()
	client.createResp = remoteSubscription("sub_new", stripe.SubscriptionStatusIncomplete, priceID)

	svc := newSubscriptionService(t, repo, userStore, client)

	result, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{
		PlanID:     plan.ID,
		CouponCode: "launch25",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Subscription.CouponCode == nil || *result.Subscription.CouponCode != "LAUNCH25" {
		t.Fatalf("expected coupon recorded on subscription")
	}
	if len(repo.redeems) != 1 || repo.redeems[0] != "LAUNCH25" {
		t.Fatalf("expected coupon redemption, got %v", repo.redeems)
	}
	params := client.createParams[0]
	if len(params.Discounts) != 1 || params.Discounts[0].Coupon == nil || *params.Discounts[0].Coupon != "LAUNCH25" {
		t.Fatalf("expected stripe discount with coupon id")
	}
}

func TestCreateExhaustedCouponFails(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	priceID := "price_pro"
	plan := repo.addPlan(&models.Plan{
		Name:          "Pro",
		Interval:      enums.PlanIntervalMonth,
		Price:         decimal.NewFromInt(29),
		Currency:      enums.CurrencyUSD,
		StripePriceID: &priceID,
		IsActive:      true,
	})
	percent := decimal.NewFromInt(25)
	repo.coupons["LAUNCH25"] = &models.Coupon{
		Code:         "LAUNCH25",
		DiscountType: enums.DiscountTypePercent,
		PercentOff:   &percent,
		IsActive:     true,
	}
	repo.redeemOutcome = false

	client := newStubStripeSubClient()
	client.createResp = remoteSubscription("sub_new", stripe.SubscriptionStatusIncomplete, priceID)
	svc := newSubscriptionService(t, repo, userStore, client)

	_, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{
		PlanID:     plan.ID,
		CouponCode: "LAUNCH25",
	})
	expectCode(t, err, pkgerrors.CodeStateConflict)
	if len(repo.created) != 0 {
		t.Fatalf("no local row may survive a lost coupon race")
	}
	if len(client.cancels) != 1 || client.cancels[0] != "sub_new" {
		t.Fatalf("expected the remote subscription undone, got %v", client.cancels)
	}
}

func TestCreateStripeFailureLeavesNoLocalState(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	priceID := "price_pro"
	plan := repo.addPlan(&models.Plan{
		Name:          "Pro",
		Interval:      enums.PlanIntervalMonth,
		Price:         decimal.NewFromInt(29),
		Currency:      enums.CurrencyUSD,
		StripePriceID: &priceID,
		IsActive:      true,
	})
	percent := decimal.NewFromInt(10)
	repo.coupons["SAVE10"] = &models.Coupon{
		Code:         "SAVE10",
		DiscountType: enums.DiscountTypePercent,
		PercentOff:   &percent,
		IsActive:     true,
	}

	client := newStubStripeSubClient()
	client.createErr = errors.New("stripe down")
	svc := newSubscriptionService(t, repo, userStore, client)

	_, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{
		PlanID:     plan.ID,
		CouponCode: "SAVE10",
	})
	expectCode(t, err, pkgerrors.CodeDependency)
	if len(repo.created) != 0 {
		t.Fatalf("a failed stripe create must leave no local row, got %d", len(repo.created))
	}
	if len(repo.redeems) != 0 {
		t.Fatalf("a failed stripe create must not consume the coupon, got %v", repo.redeems)
	}
}

func TestCreateAttachesPaymentMethodBeforeStripeCreate(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	priceID := "price_pro"
	plan := repo.addPlan(&models.Plan{
		Name:          "Pro",
		Interval:      enums.PlanIntervalMonth,
		Price:         decimal.NewFromInt(29),
		Currency:      enums.CurrencyUSD,
		StripePriceID: &priceID,
		IsActive:      true,
	})

	client := newStubStripeSubClient()
	client.createResp = remoteSubscription("sub_new", stripe.SubscriptionStatusIncomplete, priceID)

	customers := &stubCustomers{customerID: "cus_test"}
	createsAtAttach := -1
	customers.onAttach = func() { createsAtAttach = len(client.createParams) }

	svc := newSubscriptionServiceWithCustomers(t, repo, userStore, client, customers)

	_, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{
		PlanID:          plan.ID,
		PaymentMethodID: "pm_card",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(customers.attached) != 1 || customers.attached[0] != "pm_card" {
		t.Fatalf("expected payment method attached, got %v", customers.attached)
	}
	if len(customers.defaults) != 1 || customers.defaults[0] != "pm_card" {
		t.Fatalf("expected payment method made default, got %v", customers.defaults)
	}
	if createsAtAttach != 0 {
		t.Fatalf("payment method must be attached before the stripe subscription is created")
	}
}

func TestCreateRejectsCouponScopedToOtherPlan(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	priceID := "price_pro"
	plan := repo.addPlan(&models.Plan{
		Name:          "Pro",
		Interval:      enums.PlanIntervalMonth,
		Price:         decimal.NewFromInt(29),
		Currency:      enums.CurrencyUSD,
		StripePriceID: &priceID,
		IsActive:      true,
	})
	percent := decimal.NewFromInt(25)
	repo.coupons["LAUNCH25"] = &models.Coupon{
		Code:            "LAUNCH25",
		DiscountType:    enums.DiscountTypePercent,
		PercentOff:      &percent,
		ApplicablePlans: pq.StringArray{uuid.NewString()},
		IsActive:        true,
	}

	client := newStubStripeSubClient()
	svc := newSubscriptionService(t, repo, userStore, client)

	_, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{
		PlanID:     plan.ID,
		CouponCode: "LAUNCH25",
	})
	expectCode(t, err, pkgerrors.CodeStateConflict)
	if len(client.createParams) != 0 {
		t.Fatalf("stripe must not be called for an inapplicable coupon")
	}
}

func TestCreateLifetimePlanChargesOnce(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	priceID := "price_lifetime"
	plan := repo.addPlan(&models.Plan{
		Name:          "Lifetime",
		Interval:      enums.PlanIntervalLifetime,
		Price:         decimal.NewFromInt(499),
		Currency:      enums.CurrencyUSD,
		StripePriceID: &priceID,
		IsActive:      true,
	})

	client := newStubStripeSubClient()
	client.intentResp = &stripe.PaymentIntent{ID: "pi_life", Status: stripe.PaymentIntentStatusSucceeded}

	svc := newSubscriptionService(t, repo, userStore, client)

	result, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{
		PlanID:          plan.ID,
		PaymentMethodID: "pm_card",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	sub := result.Subscription
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected active status, got %q", sub.Status)
	}
	if sub.StripePaymentIntentID == nil || *sub.StripePaymentIntentID != "pi_life" {
		t.Fatalf("expected payment intent recorded")
	}
	if sub.StripeSubscriptionID != nil {
		t.Fatalf("lifetime purchases must not open a processor subscription")
	}
	if sub.CurrentPeriodEnd != nil {
		t.Fatalf("lifetime purchases have no period end")
	}
	if len(client.createParams) != 0 {
		t.Fatalf("no subscription create expected")
	}
	if len(client.intentParams) != 1 {
		t.Fatalf("expected one payment intent")
	}
	params := client.intentParams[0]
	if params.Amount == nil || *params.Amount != 49900 {
		t.Fatalf("expected full price charged in cents, got %v", params.Amount)
	}
	if params.Confirm == nil || !*params.Confirm {
		t.Fatalf("expected confirmed payment intent")
	}
	if got := userStore.currentSets[user.ID]; got == nil || *got != sub.ID {
		t.Fatalf("expected current subscription pointer set")
	}
}

func TestCreateLifetimeRequiresActionStaysIncomplete(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	plan := repo.addPlan(&models.Plan{
		Name:     "Lifetime",
		Interval: enums.PlanIntervalLifetime,
		Price:    decimal.NewFromInt(499),
		Currency: enums.CurrencyUSD,
		IsActive: true,
	})

	client := newStubStripeSubClient()
	client.intentResp = &stripe.PaymentIntent{
		ID:           "pi_life",
		Status:       stripe.PaymentIntentStatusRequiresAction,
		ClientSecret: "pi_life_secret",
	}

	svc := newSubscriptionService(t, repo, userStore, client)

	result, err := svc.Create(context.Background(), user.ID, CreateSubscriptionInput{
		PlanID:          plan.ID,
		PaymentMethodID: "pm_card",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Subscription.Status != enums.SubscriptionStatusIncomplete {
		t.Fatalf("expected incomplete status, got %q", result.Subscription.Status)
	}
	if result.ClientSecret != "pi_life_secret" {
		t.Fatalf("expected client secret for authentication, got %q", result.ClientSecret)
	}
	if got := userStore.currentSets[user.ID]; got != nil {
		t.Fatalf("incomplete purchase must not occupy the slot")
	}
}

func TestChangePlanUpgradeInvoicesProration(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	basicPrice := "price_basic"
	proPrice := "price_pro"
	basic := repo.addPlan(&models.Plan{Name: "Basic", Interval: enums.PlanIntervalMonth, Price: decimal.NewFromInt(10), Currency: enums.CurrencyUSD, StripePriceID: &basicPrice, IsActive: true})
	pro := repo.addPlan(&models.Plan{Name: "Pro", Interval: enums.PlanIntervalMonth, Price: decimal.NewFromInt(30), Currency: enums.CurrencyUSD, StripePriceID: &proPrice, IsActive: true})

	stripeID := "sub_live"
	current := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		PlanID:               basic.ID,
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusActive,
	}
	repo.occupying[user.ID] = current

	client := newStubStripeSubClient()
	client.getResp = remoteSubscription(stripeID, stripe.SubscriptionStatusActive, basicPrice)
	client.updateResp = remoteSubscription(stripeID, stripe.SubscriptionStatusActive, proPrice)

	svc := newSubscriptionService(t, repo, userStore, client)

	result, err := svc.ChangePlan(context.Background(), user.ID, ChangePlanInput{PlanID: pro.ID})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Subscription.PlanID != pro.ID {
		t.Fatalf("expected plan switched")
	}
	params := client.updates[stripeID]
	if params == nil {
		t.Fatalf("expected stripe update")
	}
	if params.ProrationBehavior == nil || *params.ProrationBehavior != "always_invoice" {
		t.Fatalf("upgrade must invoice proration, got %v", params.ProrationBehavior)
	}
	if len(params.Items) != 1 || params.Items[0].ID == nil || *params.Items[0].ID != "si_1" {
		t.Fatalf("expected existing item swapped")
	}
}

func TestChangePlanDowngradeSkipsProration(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	basicPrice := "price_basic"
	proPrice := "price_pro"
	basic := repo.addPlan(&models.Plan{Name: "Basic", Interval: enums.PlanIntervalMonth, Price: decimal.NewFromInt(10), Currency: enums.CurrencyUSD, StripePriceID: &basicPrice, IsActive: true})
	pro := repo.addPlan(&models.Plan{Name: "Pro", Interval: enums.PlanIntervalMonth, Price: decimal.NewFromInt(30), Currency: enums.CurrencyUSD, StripePriceID: &proPrice, IsActive: true})

	stripeID := "sub_live"
	repo.occupying[user.ID] = &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		PlanID:               pro.ID,
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusActive,
	}

	client := newStubStripeSubClient()
	client.getResp = remoteSubscription(stripeID, stripe.SubscriptionStatusActive, proPrice)
	client.updateResp = remoteSubscription(stripeID, stripe.SubscriptionStatusActive, basicPrice)

	svc := newSubscriptionService(t, repo, userStore, client)

	if _, err := svc.ChangePlan(context.Background(), user.ID, ChangePlanInput{PlanID: basic.ID}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	params := client.updates[stripeID]
	if params.ProrationBehavior == nil || *params.ProrationBehavior != "none" {
		t.Fatalf("downgrade must not prorate, got %v", params.ProrationBehavior)
	}
}

func TestChangePlanAppliesCoupon(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	basicPrice := "price_basic"
	proPrice := "price_pro"
	basic := repo.addPlan(&models.Plan{Name: "Basic", Interval: enums.PlanIntervalMonth, Price: decimal.NewFromInt(10), Currency: enums.CurrencyUSD, StripePriceID: &basicPrice, IsActive: true})
	pro := repo.addPlan(&models.Plan{Name: "Pro", Interval: enums.PlanIntervalMonth, Price: decimal.NewFromInt(30), Currency: enums.CurrencyUSD, StripePriceID: &proPrice, IsActive: true})

	stripeCouponID := "UPGRADE20"
	percent := decimal.NewFromInt(20)
	repo.coupons["UPGRADE20"] = &models.Coupon{
		Code:           "UPGRADE20",
		DiscountType:   enums.DiscountTypePercent,
		PercentOff:     &percent,
		StripeCouponID: &stripeCouponID,
		IsActive:       true,
	}

	stripeID := "sub_live"
	repo.occupying[user.ID] = &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		PlanID:               basic.ID,
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusActive,
	}

	client := newStubStripeSubClient()
	client.getResp = remoteSubscription(stripeID, stripe.SubscriptionStatusActive, basicPrice)
	client.updateResp = remoteSubscription(stripeID, stripe.SubscriptionStatusActive, proPrice)

	svc := newSubscriptionService(t, repo, userStore, client)

	result, err := svc.ChangePlan(context.Background(), user.ID, ChangePlanInput{
		PlanID:     pro.ID,
		CouponCode: "upgrade20",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Subscription.CouponCode == nil || *result.Subscription.CouponCode != "UPGRADE20" {
		t.Fatalf("expected coupon recorded on subscription")
	}
	params := client.updates[stripeID]
	if len(params.Discounts) != 1 || params.Discounts[0].Coupon == nil || *params.Discounts[0].Coupon != "UPGRADE20" {
		t.Fatalf("expected stripe discount with coupon id")
	}
	if len(repo.redeems) != 1 || repo.redeems[0] != "UPGRADE20" {
		t.Fatalf("expected coupon redemption, got %v", repo.redeems)
	}
}

func TestChangePlanRejectsLifetimeTarget(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	proPrice := "price_pro"
	pro := repo.addPlan(&models.Plan{Name: "Pro", Interval: enums.PlanIntervalMonth, Price: decimal.NewFromInt(30), Currency: enums.CurrencyUSD, StripePriceID: &proPrice, IsActive: true})
	lifetime := repo.addPlan(&models.Plan{Name: "Lifetime", Interval: enums.PlanIntervalLifetime, Price: decimal.NewFromInt(499), Currency: enums.CurrencyUSD, IsActive: true})

	stripeID := "sub_live"
	repo.occupying[user.ID] = &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		PlanID:               pro.ID,
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusActive,
	}

	svc := newSubscriptionService(t, repo, userStore, newStubStripeSubClient())

	_, err := svc.ChangePlan(context.Background(), user.ID, ChangePlanInput{PlanID: lifetime.ID})
	expectCode(t, err, pkgerrors.CodeStateConflict)
}

func TestCancelSchedulesAtPeriodEnd(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	stripeID := "sub_live"
	repo.occupying[user.ID] = &models.Subscription{
		ID:                   uuid.New(),
		UserID:               user.ID,
		PlanID:               uuid.New(),
		StripeSubscriptionID: &stripeID,
		Status:               enums.SubscriptionStatusActive,
	}

	client := newStubStripeSubClient()
	remote := remoteSubscription(stripeID, stripe.SubscriptionStatusActive, "price_pro")
	remote.CancelAtPeriodEnd = true
	client.updateResp = remote

	svc := newSubscriptionService(t, repo, userStore, client)

	sub, err := svc.Cancel(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.Status != enums.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled status, got %q", sub.Status)
	}
	if !sub.CancelAtPeriodEnd {
		t.Fatalf("expected cancel_at_period_end set")
	}
	if sub.CanceledAt == nil {
		t.Fatalf("expected canceled_at recorded")
	}
	params := client.updates[stripeID]
	if params == nil || params.CancelAtPeriodEnd == nil || !*params.CancelAtPeriodEnd {
		t.Fatalf("expected stripe cancellation scheduled")
	}
}

func TestReactivateWithinPeriod(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	stripeID := "sub_live"
	periodEnd := time.Now().UTC().Add(10 * 24 * time.Hour)
	repo.byUser[user.ID] = []models.Subscription{
		{
			ID:                   uuid.New(),
			UserID:               user.ID,
			PlanID:               uuid.New(),
			StripeSubscriptionID: &stripeID,
			Status:               enums.SubscriptionStatusCanceled,
			CancelAtPeriodEnd:    true,
			CurrentPeriodEnd:     &periodEnd,
		},
	}

	client := newStubStripeSubClient()
	client.updateResp = remoteSubscription(stripeID, stripe.SubscriptionStatusActive, "price_pro")

	svc := newSubscriptionService(t, repo, userStore, client)

	sub, err := svc.Reactivate(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected active status, got %q", sub.Status)
	}
	if sub.CancelAtPeriodEnd {
		t.Fatalf("expected cancel flag cleared")
	}
	if sub.CanceledAt != nil {
		t.Fatalf("expected canceled_at cleared")
	}
	params := client.updates[stripeID]
	if params == nil || params.CancelAtPeriodEnd == nil || *params.CancelAtPeriodEnd {
		t.Fatalf("expected stripe cancel flag cleared")
	}
}

func TestReactivateAfterPeriodElapsed(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	stripeID := "sub_live"
	periodEnd := time.Now().UTC().Add(-time.Hour)
	repo.byUser[user.ID] = []models.Subscription{
		{
			ID:                   uuid.New(),
			UserID:               user.ID,
			StripeSubscriptionID: &stripeID,
			Status:               enums.SubscriptionStatusCanceled,
			CancelAtPeriodEnd:    true,
			CurrentPeriodEnd:     &periodEnd,
		},
	}

	svc := newSubscriptionService(t, repo, userStore, newStubStripeSubClient())

	_, err := svc.Reactivate(context.Background(), user.ID)
	expectCode(t, err, pkgerrors.CodeStateConflict)
}

func TestGetCurrentFallsBackToScheduledCancellation(t *testing.T) {
	repo := newStubBillingRepo()
	userStore := newStubUserStore()
	user := userStore.add(&models.User{Email: "jo@example.com"})
	periodEnd := time.Now().UTC().Add(48 * time.Hour)
	canceled := models.Subscription{
		ID:               uuid.New(),
		UserID:           user.ID,
		Status:           enums.SubscriptionStatusCanceled,
		CurrentPeriodEnd: &periodEnd,
	}
	repo.byUser[user.ID] = []models.Subscription{canceled}

	svc := newSubscriptionService(t, repo, userStore, newStubStripeSubClient())

	sub, err := svc.GetCurrent(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if sub.ID != canceled.ID {
		t.Fatalf("expected canceled-but-running subscription returned")
	}
}

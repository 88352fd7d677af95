package plans

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"

	"github.com/subplane/subplane-backend/internal/billing"
	"github.com/subplane/subplane-backend/pkg/db"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
)

// Service defines the plan catalog surface.
type Service interface {
	Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error)
	Update(ctx context.Context, id uuid.UUID, input UpdatePlanInput) (*models.Plan, error)
	Deactivate(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	List(ctx context.Context, includeInactive bool) ([]models.Plan, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

// ServiceParams groups dependencies for the plan service.
type ServiceParams struct {
	BillingRepo  billing.Repository
	StripeClient StripeCatalogClient
}

// CreatePlanInput captures the data required to publish a plan.
type CreatePlanInput struct {
	Name        string
	Description *string
	Interval    enums.PlanInterval
	Price       decimal.Decimal
	Currency    enums.Currency
	TrialDays   int
	Features    []string
	IsDefault   bool
}

// UpdatePlanInput captures a partial plan update. A price change on a
// recurring plan issues a new processor price and retires the old one;
// existing subscriptions keep billing on the price they signed up with.
type UpdatePlanInput struct {
	Name        *string
	Description *string
	Price       *decimal.Decimal
	TrialDays   *int
	Features    []string
}

type service struct {
	repo   billing.Repository
	stripe StripeCatalogClient
}

// NewService builds a plan service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.BillingRepo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.StripeClient == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	return &service{repo: params.BillingRepo, stripe: params.StripeClient}, nil
}

func (s *service) Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan name is required")
	}
	if !input.Interval.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid plan interval")
	}
	if input.Price.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan price cannot be negative")
	}
	if input.Interval == enums.PlanIntervalFree && !input.Price.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "free plans must have a zero price")
	}
	if input.Interval.Paid() && input.Price.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "paid plans require a positive price")
	}
	if input.TrialDays < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "trial days cannot be negative")
	}

	currency := input.Currency
	if currency == "" {
		currency = enums.CurrencyUSD
	}
	if !currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid currency")
	}

	plan := &models.Plan{
		Name:        name,
		Description: input.Description,
		Interval:    input.Interval,
		Price:       input.Price,
		Currency:    currency,
		TrialDays:   input.TrialDays,
		Features:    input.Features,
		IsDefault:   input.IsDefault,
		IsActive:    true,
	}

	if input.Interval.Paid() {
		productID, priceID, err := s.publishToStripe(ctx, plan)
		if err != nil {
			return nil, err
		}
		plan.StripeProductID = &productID
		plan.StripePriceID = &priceID
	}

	if err := s.repo.CreatePlan(ctx, plan); err != nil {
		if db.IsUniqueViolation(err, "uniq_plans_active_name") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "a plan with this name already exists")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist plan")
	}
	return plan, nil
}

func (s *service) Update(ctx context.Context, id uuid.UUID, input UpdatePlanInput) (*models.Plan, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}

	plan, err := s.repo.FindPlanByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}

	if input.Name != nil {
		trimmed := strings.TrimSpace(*input.Name)
		if trimmed == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan name cannot be empty")
		}
		plan.Name = trimmed
	}
	if input.Description != nil {
		plan.Description = input.Description
	}
	if input.TrialDays != nil {
		if *input.TrialDays < 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "trial days cannot be negative")
		}
		plan.TrialDays = *input.TrialDays
	}
	if input.Features != nil {
		plan.Features = input.Features
	}

	if input.Price != nil && !input.Price.Equal(plan.Price) {
		if input.Price.IsNegative() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan price cannot be negative")
		}
		if plan.Interval == enums.PlanIntervalFree {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "cannot change the price of a free plan")
		}
		if input.Price.IsZero() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "paid plans require a positive price")
		}
		if err := s.rotatePrice(ctx, plan, *input.Price); err != nil {
			return nil, err
		}
	}

	if err := s.repo.UpdatePlan(ctx, plan); err != nil {
		if db.IsUniqueViolation(err, "uniq_plans_active_name") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "a plan with this name already exists")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist plan")
	}
	return plan, nil
}

func (s *service) Deactivate(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}

	plan, err := s.repo.FindPlanByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	if !plan.IsActive {
		return plan, nil
	}

	if plan.StripePriceID != nil {
		if _, err := s.stripe.UpdatePrice(ctx, *plan.StripePriceID, &stripe.PriceParams{
			Active: stripe.Bool(false),
		}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deactivate stripe price")
		}
	}
	if plan.StripeProductID != nil {
		if _, err := s.stripe.UpdateProduct(ctx, *plan.StripeProductID, &stripe.ProductParams{
			Active: stripe.Bool(false),
		}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deactivate stripe product")
		}
	}

	plan.IsActive = false
	if err := s.repo.UpdatePlan(ctx, plan); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist plan")
	}
	return plan, nil
}

func (s *service) List(ctx context.Context, includeInactive bool) ([]models.Plan, error) {
	query := billing.ListPlansQuery{}
	if !includeInactive {
		active := true
		query.IsActive = &active
	}
	plans, err := s.repo.ListPlans(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list plans")
	}
	return plans, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	plan, err := s.repo.FindPlanByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	return plan, nil
}

// publishToStripe creates the product and price for a new paid plan. Lifetime
// plans get a one-time price; recurring plans get a recurring one.
func (s *service) publishToStripe(ctx context.Context, plan *models.Plan) (productID, priceID string, err error) {
	productParams := &stripe.ProductParams{
		Name: stripe.String(plan.Name),
	}
	if plan.Description != nil && *plan.Description != "" {
		productParams.Description = plan.Description
	}
	prod, err := s.stripe.CreateProduct(ctx, productParams)
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe product")
	}

	priceParams := &stripe.PriceParams{
		Product:    stripe.String(prod.ID),
		UnitAmount: stripe.Int64(amountCents(plan.Price)),
		Currency:   stripe.String(plan.Currency.String()),
	}
	if plan.Interval.Recurring() {
		priceParams.Recurring = &stripe.PriceRecurringParams{
			Interval: stripe.String(string(plan.Interval)),
		}
	}
	pr, err := s.stripe.CreatePrice(ctx, priceParams)
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe price")
	}
	return prod.ID, pr.ID, nil
}

// rotatePrice publishes a replacement price and retires the previous one.
func (s *service) rotatePrice(ctx context.Context, plan *models.Plan, newPrice decimal.Decimal) error {
	if plan.StripeProductID == nil {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "plan has no processor product")
	}

	priceParams := &stripe.PriceParams{
		Product:    plan.StripeProductID,
		UnitAmount: stripe.Int64(amountCents(newPrice)),
		Currency:   stripe.String(plan.Currency.String()),
	}
	if plan.Interval.Recurring() {
		priceParams.Recurring = &stripe.PriceRecurringParams{
			Interval: stripe.String(string(plan.Interval)),
		}
	}
	created, err := s.stripe.CreatePrice(ctx, priceParams)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create replacement stripe price")
	}

	if plan.StripePriceID != nil {
		if _, err := s.stripe.UpdatePrice(ctx, *plan.StripePriceID, &stripe.PriceParams{
			Active: stripe.Bool(false),
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retire previous stripe price")
		}
	}

	plan.StripePriceID = &created.ID
	plan.Price = newPrice
	return nil
}

func amountCents(price decimal.Decimal) int64 {
	return price.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

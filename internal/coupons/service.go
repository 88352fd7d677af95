package coupons

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"

	"github.com/subplane/subplane-backend/internal/billing"
	"github.com/subplane/subplane-backend/pkg/db"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
)

// Service defines the coupon ledger surface.
type Service interface {
	Create(ctx context.Context, input CreateCouponInput) (*models.Coupon, error)
	Update(ctx context.Context, id uuid.UUID, input UpdateCouponInput) (*models.Coupon, error)
	List(ctx context.Context, includeInactive bool) ([]models.Coupon, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Coupon, error)
	// Deactivate retires a coupon so it can no longer be redeemed.
	Deactivate(ctx context.Context, id uuid.UUID) (*models.Coupon, error)
	// Validate checks a coupon against a plan without consuming a redemption.
	Validate(ctx context.Context, code string, planID uuid.UUID) (*models.Coupon, error)
}

// ServiceParams groups dependencies for the coupon service.
type ServiceParams struct {
	BillingRepo  billing.Repository
	StripeClient StripeCouponClient
}

// CreateCouponInput captures the data required to mint a coupon. Codes are
// uppercased and reused as the Stripe coupon id.
type CreateCouponInput struct {
	Code            string
	Description     *string
	DiscountType    enums.DiscountType
	PercentOff      *decimal.Decimal
	AmountOff       *decimal.Decimal
	Currency        *enums.Currency
	MaxRedemptions  *int
	ApplicablePlans []uuid.UUID
	ValidFrom       *time.Time
	ValidUntil      *time.Time
}

// UpdateCouponInput captures a partial coupon update. Code, discount type and
// the redemption counter are immutable; changing the discount value replaces
// the Stripe coupon behind the same code.
type UpdateCouponInput struct {
	Description     *string
	PercentOff      *decimal.Decimal
	AmountOff       *decimal.Decimal
	MaxRedemptions  *int
	ApplicablePlans *[]uuid.UUID
	ValidFrom       *time.Time
	ValidUntil      *time.Time
	IsActive        *bool
}

type service struct {
	repo   billing.Repository
	stripe StripeCouponClient
	now    func() time.Time
}

// NewService builds a coupon service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.BillingRepo == nil {
		return nil, fmt.Errorf("billing repo required")
	}
	if params.StripeClient == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	return &service{
		repo:   params.BillingRepo,
		stripe: params.StripeClient,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateCouponInput) (*models.Coupon, error) {
	code := strings.ToUpper(strings.TrimSpace(input.Code))
	if code == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon code is required")
	}
	if !input.DiscountType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid discount type")
	}

	switch input.DiscountType {
	case enums.DiscountTypePercent:
		if input.PercentOff == nil || input.PercentOff.LessThanOrEqual(decimal.Zero) ||
			input.PercentOff.GreaterThan(decimal.NewFromInt(100)) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "percent_off must be between 0 and 100")
		}
		input.AmountOff = nil
		input.Currency = nil
	case enums.DiscountTypeFixedAmount:
		if input.AmountOff == nil || input.AmountOff.LessThanOrEqual(decimal.Zero) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount_off must be positive")
		}
		if input.Currency == nil || !input.Currency.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency is required for fixed amount coupons")
		}
		input.PercentOff = nil
	}

	if input.MaxRedemptions != nil && *input.MaxRedemptions <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "max_redemptions must be positive")
	}
	if input.ValidUntil != nil && input.ValidUntil.Before(s.now()) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "valid_until must be in the future")
	}
	if input.ValidFrom != nil && input.ValidUntil != nil && input.ValidUntil.Before(*input.ValidFrom) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "valid_until must be after valid_from")
	}

	applicablePlans, err := s.resolvePlanSet(ctx, input.ApplicablePlans)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindCouponByCode(ctx, code)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "a coupon with this code already exists")
	}

	created, err := s.stripe.Create(ctx, s.stripeParams(code, input.DiscountType, input.PercentOff, input.AmountOff, input.Currency, input.MaxRedemptions, input.ValidUntil))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe coupon")
	}

	coupon := &models.Coupon{
		Code:            code,
		Description:     input.Description,
		DiscountType:    input.DiscountType,
		PercentOff:      input.PercentOff,
		AmountOff:       input.AmountOff,
		Currency:        input.Currency,
		MaxRedemptions:  input.MaxRedemptions,
		ApplicablePlans: applicablePlans,
		ValidFrom:       input.ValidFrom,
		ValidUntil:      input.ValidUntil,
		StripeCouponID:  &created.ID,
		IsActive:        true,
	}

	if err := s.repo.CreateCoupon(ctx, coupon); err != nil {
		// Roll the remote coupon back so the code stays reusable.
		_, _ = s.stripe.Delete(ctx, created.ID)
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "a coupon with this code already exists")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist coupon")
	}
	return coupon, nil
}

func (s *service) Update(ctx context.Context, id uuid.UUID, input UpdateCouponInput) (*models.Coupon, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon id is required")
	}

	coupon, err := s.repo.FindCouponByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	if coupon == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
	}

	if input.Description != nil {
		coupon.Description = input.Description
	}
	if input.MaxRedemptions != nil {
		if *input.MaxRedemptions <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "max_redemptions must be positive")
		}
		if *input.MaxRedemptions < coupon.TimesRedeemed {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "max_redemptions cannot drop below redemptions already used")
		}
		coupon.MaxRedemptions = input.MaxRedemptions
	}
	if input.ApplicablePlans != nil {
		planSet, err := s.resolvePlanSet(ctx, *input.ApplicablePlans)
		if err != nil {
			return nil, err
		}
		coupon.ApplicablePlans = planSet
	}
	if input.ValidFrom != nil {
		coupon.ValidFrom = input.ValidFrom
	}
	if input.ValidUntil != nil {
		coupon.ValidUntil = input.ValidUntil
	}
	if input.IsActive != nil {
		coupon.IsActive = *input.IsActive
	}

	valueChanged := false
	switch coupon.DiscountType {
	case enums.DiscountTypePercent:
		if input.AmountOff != nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount_off not allowed on percent coupons")
		}
		if input.PercentOff != nil && (coupon.PercentOff == nil || !input.PercentOff.Equal(*coupon.PercentOff)) {
			if input.PercentOff.LessThanOrEqual(decimal.Zero) || input.PercentOff.GreaterThan(decimal.NewFromInt(100)) {
				return nil, pkgerrors.New(pkgerrors.CodeValidation, "percent_off must be between 0 and 100")
			}
			coupon.PercentOff = input.PercentOff
			valueChanged = true
		}
	case enums.DiscountTypeFixedAmount:
		if input.PercentOff != nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "percent_off not allowed on fixed amount coupons")
		}
		if input.AmountOff != nil && (coupon.AmountOff == nil || !input.AmountOff.Equal(*coupon.AmountOff)) {
			if input.AmountOff.LessThanOrEqual(decimal.Zero) {
				return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount_off must be positive")
			}
			coupon.AmountOff = input.AmountOff
			valueChanged = true
		}
	}

	// Stripe coupons are immutable, so a value change recreates the remote
	// coupon under the same code.
	if valueChanged && coupon.StripeCouponID != nil {
		if _, err := s.stripe.Delete(ctx, *coupon.StripeCouponID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete stripe coupon")
		}
		recreated, err := s.stripe.Create(ctx, s.stripeParams(coupon.Code, coupon.DiscountType, coupon.PercentOff, coupon.AmountOff, coupon.Currency, coupon.MaxRedemptions, coupon.ValidUntil))
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "recreate stripe coupon")
		}
		coupon.StripeCouponID = &recreated.ID
	}

	if err := s.repo.UpdateCoupon(ctx, coupon); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist coupon")
	}
	return coupon, nil
}

func (s *service) List(ctx context.Context, includeInactive bool) ([]models.Coupon, error) {
	query := billing.ListCouponsQuery{}
	if !includeInactive {
		active := true
		query.IsActive = &active
	}
	coupons, err := s.repo.ListCoupons(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list coupons")
	}
	return coupons, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Coupon, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon id is required")
	}
	coupon, err := s.repo.FindCouponByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	if coupon == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
	}
	return coupon, nil
}

// Deactivate retires the coupon locally. The Stripe coupon stays in place
// since every checkout re-validates against the local ledger first.
func (s *service) Deactivate(ctx context.Context, id uuid.UUID) (*models.Coupon, error) {
	active := false
	return s.Update(ctx, id, UpdateCouponInput{IsActive: &active})
}

// Validate checks existence, then redeemability, then plan applicability, in
// that order so callers get the most specific failure.
func (s *service) Validate(ctx context.Context, code string, planID uuid.UUID) (*models.Coupon, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon code is required")
	}
	if planID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}

	coupon, err := s.repo.FindCouponByCode(ctx, normalized)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	if coupon == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
	}
	if !coupon.Redeemable(s.now()) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon is no longer redeemable")
	}

	plan, err := s.repo.FindPlanByID(ctx, planID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found")
	}
	if !plan.Interval.Paid() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupons only apply to paid plans")
	}
	if !coupon.AppliesTo(planID) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon does not apply to this plan")
	}
	if coupon.DiscountType == enums.DiscountTypeFixedAmount &&
		coupon.Currency != nil && *coupon.Currency != plan.Currency {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon currency does not match the plan")
	}

	return coupon, nil
}

// resolvePlanSet verifies every referenced plan exists and packs the ids into
// the array column representation.
func (s *service) resolvePlanSet(ctx context.Context, planIDs []uuid.UUID) (pq.StringArray, error) {
	set := make(pq.StringArray, 0, len(planIDs))
	for _, planID := range planIDs {
		if planID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "applicable plan id cannot be empty")
		}
		plan, err := s.repo.FindPlanByID(ctx, planID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
		}
		if plan == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("applicable plan %s not found", planID))
		}
		set = append(set, planID.String())
	}
	return set, nil
}

func (s *service) stripeParams(
	code string,
	discountType enums.DiscountType,
	percentOff, amountOff *decimal.Decimal,
	currency *enums.Currency,
	maxRedemptions *int,
	validUntil *time.Time,
) *stripe.CouponParams {
	params := &stripe.CouponParams{
		ID:       stripe.String(code),
		Name:     stripe.String(code),
		Duration: stripe.String(string(stripe.CouponDurationOnce)),
	}
	switch discountType {
	case enums.DiscountTypePercent:
		if percentOff != nil {
			params.PercentOff = stripe.Float64(percentOff.InexactFloat64())
		}
	case enums.DiscountTypeFixedAmount:
		if amountOff != nil {
			params.AmountOff = stripe.Int64(amountOff.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
		}
		if currency != nil {
			params.Currency = stripe.String(currency.String())
		}
	}
	if maxRedemptions != nil {
		params.MaxRedemptions = stripe.Int64(int64(*maxRedemptions))
	}
	if validUntil != nil {
		params.RedeemBy = stripe.Int64(validUntil.Unix())
	}
	return params
}

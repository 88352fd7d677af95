package controllers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/subplane/subplane-backend/api/responses"
	"github.com/subplane/subplane-backend/api/validators"
	"github.com/subplane/subplane-backend/internal/coupons"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
	"github.com/subplane/subplane-backend/pkg/logger"
)

type createCouponRequest struct {
	Code              string           `json:"code" validate:"required"`
	Description       *string          `json:"description,omitempty"`
	DiscountType      string           `json:"discount_type" validate:"required"`
	PercentOff        *decimal.Decimal `json:"percent_off,omitempty"`
	AmountOff         *decimal.Decimal `json:"amount_off,omitempty"`
	Currency          *string          `json:"currency,omitempty"`
	MaxRedemptions    *int             `json:"max_redemptions,omitempty"`
	ApplicablePlanIDs []uuid.UUID      `json:"applicable_plan_ids,omitempty"`
	ValidFrom         *time.Time       `json:"valid_from,omitempty"`
	ValidUntil        *time.Time       `json:"valid_until,omitempty"`
}

type updateCouponRequest struct {
	Description       *string          `json:"description,omitempty"`
	PercentOff        *decimal.Decimal `json:"percent_off,omitempty"`
	AmountOff         *decimal.Decimal `json:"amount_off,omitempty"`
	MaxRedemptions    *int             `json:"max_redemptions,omitempty"`
	ApplicablePlanIDs *[]uuid.UUID     `json:"applicable_plan_ids,omitempty"`
	ValidFrom         *time.Time       `json:"valid_from,omitempty"`
	ValidUntil        *time.Time       `json:"valid_until,omitempty"`
	IsActive          *bool            `json:"is_active,omitempty"`
}

type validateCouponRequest struct {
	Code   string    `json:"code" validate:"required"`
	PlanID uuid.UUID `json:"plan_id" validate:"required"`
}

type couponResponse struct {
	ID                uuid.UUID  `json:"id"`
	Code              string     `json:"code"`
	Description       *string    `json:"description,omitempty"`
	DiscountType      string     `json:"discount_type"`
	PercentOff        *string    `json:"percent_off,omitempty"`
	AmountOff         *string    `json:"amount_off,omitempty"`
	Currency          *string    `json:"currency,omitempty"`
	MaxRedemptions    *int       `json:"max_redemptions,omitempty"`
	TimesRedeemed     int        `json:"times_redeemed"`
	ApplicablePlanIDs []string   `json:"applicable_plan_ids,omitempty"`
	ValidFrom         *time.Time `json:"valid_from,omitempty"`
	ValidUntil        *time.Time `json:"valid_until,omitempty"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
}

// couponValidationResponse reports applicability without consuming a
// redemption. Invalid coupons are a 200 with a reason, not an error.
type couponValidationResponse struct {
	Valid  bool            `json:"valid"`
	Reason string          `json:"reason,omitempty"`
	Coupon *couponResponse `json:"coupon,omitempty"`
}

func CreateCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		var payload createCouponRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		discountType, err := enums.ParseDiscountType(payload.DiscountType)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid discount type"))
			return
		}

		input := coupons.CreateCouponInput{
			Code:            payload.Code,
			Description:     payload.Description,
			DiscountType:    discountType,
			PercentOff:      payload.PercentOff,
			AmountOff:       payload.AmountOff,
			MaxRedemptions:  payload.MaxRedemptions,
			ApplicablePlans: payload.ApplicablePlanIDs,
			ValidFrom:       payload.ValidFrom,
			ValidUntil:      payload.ValidUntil,
		}
		if payload.Currency != nil {
			currency := enums.Currency(strings.ToLower(*payload.Currency))
			input.Currency = &currency
		}

		coupon, err := svc.Create(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newCouponResponse(coupon))
	}
}

func UpdateCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		couponID, err := parsePathUUID(r, "couponId", "invalid coupon id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload updateCouponRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		coupon, err := svc.Update(r.Context(), couponID, coupons.UpdateCouponInput{
			Description:     payload.Description,
			PercentOff:      payload.PercentOff,
			AmountOff:       payload.AmountOff,
			MaxRedemptions:  payload.MaxRedemptions,
			ApplicablePlans: payload.ApplicablePlanIDs,
			ValidFrom:       payload.ValidFrom,
			ValidUntil:      payload.ValidUntil,
			IsActive:        payload.IsActive,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCouponResponse(coupon))
	}
}

func DeactivateCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		couponID, err := parsePathUUID(r, "couponId", "invalid coupon id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		coupon, err := svc.Deactivate(r.Context(), couponID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCouponResponse(coupon))
	}
}

func ListCoupons(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		includeInactive := false
		if raw := strings.TrimSpace(r.URL.Query().Get("includeInactive")); raw != "" {
			value, err := strconv.ParseBool(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid includeInactive value"))
				return
			}
			includeInactive = value
		}

		items, err := svc.List(r.Context(), includeInactive)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := make([]*couponResponse, 0, len(items))
		for i := range items {
			resp = append(resp, newCouponResponse(&items[i]))
		}
		responses.WriteSuccess(w, resp)
	}
}

func GetCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		couponID, err := parsePathUUID(r, "couponId", "invalid coupon id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		coupon, err := svc.Get(r.Context(), couponID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCouponResponse(coupon))
	}
}

// ValidateCoupon checks a code against a plan. Inapplicable coupons come back
// as valid=false with the rejection reason rather than an error status.
func ValidateCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		var payload validateCouponRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		coupon, err := svc.Validate(r.Context(), payload.Code, payload.PlanID)
		if err != nil {
			if appErr := pkgerrors.As(err); appErr != nil {
				switch appErr.Code() {
				case pkgerrors.CodeNotFound, pkgerrors.CodeStateConflict, pkgerrors.CodeValidation:
					responses.WriteSuccess(w, couponValidationResponse{Valid: false, Reason: appErr.Message()})
					return
				}
			}
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, couponValidationResponse{Valid: true, Coupon: newCouponResponse(coupon)})
	}
}

func newCouponResponse(coupon *models.Coupon) *couponResponse {
	if coupon == nil {
		return nil
	}
	resp := &couponResponse{
		ID:                coupon.ID,
		Code:              coupon.Code,
		Description:       coupon.Description,
		DiscountType:      string(coupon.DiscountType),
		MaxRedemptions:    coupon.MaxRedemptions,
		TimesRedeemed:     coupon.TimesRedeemed,
		ApplicablePlanIDs: coupon.ApplicablePlans,
		ValidFrom:         coupon.ValidFrom,
		ValidUntil:        coupon.ValidUntil,
		IsActive:          coupon.IsActive,
		CreatedAt:         coupon.CreatedAt,
	}
	if coupon.PercentOff != nil {
		value := coupon.PercentOff.StringFixed(2)
		resp.PercentOff = &value
	}
	if coupon.AmountOff != nil {
		value := coupon.AmountOff.StringFixed(2)
		resp.AmountOff = &value
	}
	if coupon.Currency != nil {
		value := string(*coupon.Currency)
		resp.Currency = &value
	}
	return resp
}

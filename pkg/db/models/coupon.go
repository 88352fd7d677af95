package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/subplane/subplane-backend/pkg/enums"
)

// Coupon mirrors a Stripe coupon plus the local redemption bookkeeping. The
// code doubles as the Stripe coupon id (uppercased) so checkout flows can pass
// it straight through.
type Coupon struct {
	ID              uuid.UUID          `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Code            string             `gorm:"column:code;not null;uniqueIndex"`
	Description     *string            `gorm:"column:description"`
	DiscountType    enums.DiscountType `gorm:"column:discount_type;type:discount_type;not null"`
	PercentOff      *decimal.Decimal   `gorm:"column:percent_off;type:numeric(5,2)"`
	AmountOff       *decimal.Decimal   `gorm:"column:amount_off;type:numeric(12,2)"`
	Currency        *enums.Currency    `gorm:"column:currency"`
	MaxRedemptions  *int               `gorm:"column:max_redemptions"`
	TimesRedeemed   int                `gorm:"column:times_redeemed;not null;default:0"`
	ApplicablePlans pq.StringArray     `gorm:"column:applicable_plans;type:text[];default:ARRAY[]::text[]"`
	ValidFrom       *time.Time         `gorm:"column:valid_from"`
	ValidUntil      *time.Time         `gorm:"column:valid_until"`
	StripeCouponID  *string            `gorm:"column:stripe_coupon_id;uniqueIndex"`
	IsActive        bool               `gorm:"column:is_active;not null;default:true"`
	CreatedAt       time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// Redeemable reports whether the coupon can still be applied at the given
// instant. Plan applicability is checked separately by the service layer.
func (c Coupon) Redeemable(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return false
	}
	if c.MaxRedemptions != nil && c.TimesRedeemed >= *c.MaxRedemptions {
		return false
	}
	return true
}

// AppliesTo reports whether the coupon may discount the given plan. An empty
// plan set means the coupon applies to every plan.
func (c Coupon) AppliesTo(planID uuid.UUID) bool {
	if len(c.ApplicablePlans) == 0 {
		return true
	}
	for _, id := range c.ApplicablePlans {
		if id == planID.String() {
			return true
		}
	}
	return false
}

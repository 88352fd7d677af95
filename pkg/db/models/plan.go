package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/subplane/subplane-backend/pkg/enums"
)

// Plan captures the local catalog entry for a subscription plan. The Stripe
// identifiers are nil for free plans, which never reach the processor.
type Plan struct {
	ID              uuid.UUID          `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name            string             `gorm:"column:name;not null"`
	Description     *string            `gorm:"column:description"`
	Interval        enums.PlanInterval `gorm:"column:interval;type:plan_interval;not null"`
	Price           decimal.Decimal    `gorm:"column:price;type:numeric(12,2);not null"`
	Currency        enums.Currency     `gorm:"column:currency;not null;default:'usd'"`
	TrialDays       int                `gorm:"column:trial_days;not null;default:0"`
	Features        pq.StringArray     `gorm:"column:features;type:text[];default:ARRAY[]::text[]"`
	StripeProductID *string            `gorm:"column:stripe_product_id;uniqueIndex"`
	StripePriceID   *string            `gorm:"column:stripe_price_id;uniqueIndex"`
	IsDefault       bool               `gorm:"column:is_default;not null;default:false"`
	IsActive        bool               `gorm:"column:is_active;not null;default:true"`
	CreatedAt       time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

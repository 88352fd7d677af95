package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/subplane/subplane-backend/pkg/enums"
)

// Subscription persists processor subscription state per user. Free-plan
// enrollments have no StripeSubscriptionID and live entirely locally.
// Lifetime purchases carry the payment intent that funded them instead of a
// processor subscription.
//
// A partial unique index (uniq_subscriptions_user_occupying) guarantees at
// most one active/trialing row per user at the database level.
type Subscription struct {
	ID                    uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID                uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	PlanID                uuid.UUID                `gorm:"column:plan_id;type:uuid;not null"`
	StripeSubscriptionID  *string                  `gorm:"column:stripe_subscription_id;uniqueIndex"`
	StripePaymentIntentID *string                  `gorm:"column:stripe_payment_intent_id;uniqueIndex"`
	Status                enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null;default:'incomplete'"`
	CancelAtPeriodEnd     bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CurrentPeriodStart    *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd      *time.Time               `gorm:"column:current_period_end"`
	TrialEnd              *time.Time               `gorm:"column:trial_end"`
	CanceledAt            *time.Time               `gorm:"column:canceled_at"`
	LastBilledAt          *time.Time               `gorm:"column:last_billed_at"`
	CouponCode            *string                  `gorm:"column:coupon_code"`
	CreatedAt             time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

package coupons

import (
	"context"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/coupon"

	pkgstripe "github.com/subplane/subplane-backend/pkg/stripe"
)

// StripeCouponClient exposes the subset of Stripe operations required by the coupon service.
type StripeCouponClient interface {
	Create(ctx context.Context, params *stripe.CouponParams) (*stripe.Coupon, error)
	Delete(ctx context.Context, id string) (*stripe.Coupon, error)
}

type stripeClientWrapper struct{}

// NewStripeClient wraps the provided Stripe client so the coupon service can be tested.
func NewStripeClient(api *pkgstripe.Client) StripeCouponClient {
	if api == nil {
		return nil
	}
	return &stripeClientWrapper{}
}

func (w *stripeClientWrapper) Create(ctx context.Context, params *stripe.CouponParams) (*stripe.Coupon, error) {
	if params != nil {
		params.Context = ctx
	}
	return coupon.New(params)
}

func (w *stripeClientWrapper) Delete(ctx context.Context, id string) (*stripe.Coupon, error) {
	params := &stripe.CouponParams{}
	params.Context = ctx
	return coupon.Del(id, params)
}

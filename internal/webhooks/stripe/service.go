package stripewebhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/subplane/subplane-backend/internal/subscriptions"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
	"github.com/subplane/subplane-backend/pkg/logger"
)

// ServiceParams groups dependencies for the webhook service.
type ServiceParams struct {
	Lifecycle subscriptions.Lifecycle
	Logger    *logger.Logger
}

// Service translates verified Stripe events into lifecycle transitions.
type Service struct {
	lifecycle subscriptions.Lifecycle
	logg      *logger.Logger
}

// NewService builds the webhook service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Lifecycle == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "lifecycle engine required")
	}
	return &Service{
		lifecycle: params.Lifecycle,
		logg:      params.Logger,
	}, nil
}

// HandleEvent dispatches a verified event. Unknown event kinds are
// acknowledged without work so Stripe stops redelivering them.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		return s.lifecycle.ApplySubscriptionUpdated(ctx, sub)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		return s.lifecycle.ApplySubscriptionDeleted(ctx, sub)
	case stripe.EventTypeInvoicePaid:
		return s.lifecycle.ApplyInvoicePaymentSucceeded(ctx, subscriptionIDFromInvoice(event), invoicePeriodEnd(event))
	case stripe.EventTypeInvoicePaymentFailed:
		return s.lifecycle.ApplyInvoicePaymentFailed(ctx, subscriptionIDFromInvoice(event))
	case stripe.EventTypePaymentIntentSucceeded:
		return s.lifecycle.ApplyPaymentIntentSucceeded(ctx, event.GetObjectValue("id"))
	default:
		if s.logg != nil {
			s.logg.Info(s.logg.WithField(ctx, "event_type", string(event.Type)),
				"unhandled stripe event acknowledged")
		}
		return nil
	}
}

func decodeSubscription(event *stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription event")
	}
	return &sub, nil
}

// subscriptionIDFromInvoice pulls the subscription reference off an invoice
// payload. One-off invoices carry none; those events are acknowledged as
// no-ops downstream.
func subscriptionIDFromInvoice(event *stripe.Event) string {
	if id := event.GetObjectValue("subscription"); id != "" {
		return id
	}
	// Newer API versions nest the reference under the invoice parent.
	return event.GetObjectValue("parent", "subscription_details", "subscription")
}

// invoicePeriodEnd decodes the billing period end off a paid invoice so the
// local row can be extended to what the processor actually billed.
func invoicePeriodEnd(event *stripe.Event) *time.Time {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil
	}
	if invoice.PeriodEnd == 0 {
		return nil
	}
	t := time.Unix(invoice.PeriodEnd, 0).UTC()
	return &t
}

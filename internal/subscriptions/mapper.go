package subscriptions

import (
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
)

// mapStripeStatus translates processor statuses into the local state machine.
// Stripe's terminal "canceled" maps to expired: locally, canceled means a
// cancellation is scheduled while the processor subscription is still live.
func mapStripeStatus(status stripe.SubscriptionStatus) enums.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusIncomplete:
		return enums.SubscriptionStatusIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return enums.SubscriptionStatusIncompleteExpired
	case stripe.SubscriptionStatusTrialing:
		return enums.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusActive:
		return enums.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusPaused:
		return enums.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return enums.SubscriptionStatusUnpaid
	case stripe.SubscriptionStatusCanceled:
		return enums.SubscriptionStatusExpired
	default:
		return enums.SubscriptionStatusIncomplete
	}
}

// applyStripeSubscription copies processor state onto the local row. Billing
// periods live on the subscription items.
func applyStripeSubscription(sub *models.Subscription, remote *stripe.Subscription) {
	if remote == nil {
		return
	}

	sub.StripeSubscriptionID = &remote.ID
	sub.CancelAtPeriodEnd = remote.CancelAtPeriodEnd

	status := mapStripeStatus(remote.Status)
	if status == enums.SubscriptionStatusActive && remote.CancelAtPeriodEnd {
		status = enums.SubscriptionStatusCanceled
	}
	sub.Status = status

	if remote.Items != nil && len(remote.Items.Data) > 0 {
		item := remote.Items.Data[0]
		sub.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		sub.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	sub.TrialEnd = unixTime(remote.TrialEnd)
	sub.CanceledAt = unixTime(remote.CanceledAt)
}

// clientSecret extracts the payment client secret from an expanded
// latest_invoice.confirmation_secret, if present.
func clientSecret(remote *stripe.Subscription) string {
	if remote == nil || remote.LatestInvoice == nil || remote.LatestInvoice.ConfirmationSecret == nil {
		return ""
	}
	return remote.LatestInvoice.ConfirmationSecret.ClientSecret
}

// firstItemID returns the id of the subscription's single price item.
func firstItemID(remote *stripe.Subscription) string {
	if remote == nil || remote.Items == nil || len(remote.Items.Data) == 0 {
		return ""
	}
	return remote.Items.Data[0].ID
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/subplane/subplane-backend/internal/subscriptions"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/logger"
	pkgredis "github.com/subplane/subplane-backend/pkg/redis"
)

const (
	defaultExpiryLimit      = 250
	defaultEndingSoonWindow = 7 * 24 * time.Hour
	endingSoonScope         = "ending-soon"
)

// SubscriptionExpiryJobParams configures the subscription expiry sweep.
type SubscriptionExpiryJobParams struct {
	Logger           *logger.Logger
	Lifecycle        subscriptions.Lifecycle
	IdempotencyStore pkgredis.IdempotencyStore
	Limit            int
	EndingSoonWindow time.Duration
}

// NewSubscriptionExpiryJob builds the sweep that finalizes lapsed scheduled
// cancellations and warns users whose subscription ends within the window.
func NewSubscriptionExpiryJob(params SubscriptionExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle engine required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultExpiryLimit
	}
	window := params.EndingSoonWindow
	if window <= 0 {
		window = defaultEndingSoonWindow
	}
	return &subscriptionExpiryJob{
		logg:      params.Logger,
		lifecycle: params.Lifecycle,
		store:     params.IdempotencyStore,
		limit:     limit,
		window:    window,
	}, nil
}

type subscriptionExpiryJob struct {
	logg      *logger.Logger
	lifecycle subscriptions.Lifecycle
	store     pkgredis.IdempotencyStore
	limit     int
	window    time.Duration
}

func (j *subscriptionExpiryJob) Name() string {
	return "subscription-expiry"
}

func (j *subscriptionExpiryJob) Run(ctx context.Context) error {
	var errs error

	expired, err := j.lifecycle.ExpireDueCancellations(ctx, j.limit)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("expire due cancellations: %w", err))
	} else if expired > 0 {
		j.logg.Info(j.logg.WithField(ctx, "count", expired), "expired lapsed subscriptions")
	}

	if err := j.warnEndingSoon(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("ending soon sweep: %w", err))
	}
	return errs
}

// warnEndingSoon notifies each ending subscription at most once per billing
// period; the claim key includes the period end so a reactivate+recancel with
// a new period warns again.
func (j *subscriptionExpiryJob) warnEndingSoon(ctx context.Context) error {
	ending, err := j.lifecycle.ListEndingSoon(ctx, j.window, j.limit)
	if err != nil {
		return err
	}

	var errs error
	for i := range ending {
		sub := &ending[i]
		claimed, err := j.claim(ctx, sub)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !claimed {
			continue
		}
		if err := j.lifecycle.NotifyEndingSoon(ctx, sub); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("notify %s: %w", sub.ID, err))
		}
	}
	return errs
}

func (j *subscriptionExpiryJob) claim(ctx context.Context, sub *models.Subscription) (bool, error) {
	if j.store == nil || sub.CurrentPeriodEnd == nil {
		return true, nil
	}
	key := j.store.IdempotencyKey(endingSoonScope,
		fmt.Sprintf("%s:%d", sub.ID, sub.CurrentPeriodEnd.Unix()))
	ttl := j.window + 24*time.Hour
	return j.store.SetNX(ctx, key, "1", ttl)
}

package stripewebhook

import (
	"context"
	"time"

	pkgredis "github.com/subplane/subplane-backend/pkg/redis"
)

const idempotencyScope = "stripe-webhook"

// IdempotencyGuard drops webhook events that were already processed. Stripe
// retries deliveries, so each event id is claimed with SETNX before handling
// and released again when handling fails.
type IdempotencyGuard struct {
	store pkgredis.IdempotencyStore
	ttl   time.Duration
}

// NewIdempotencyGuard builds a guard over the provided store. The TTL bounds
// how long processed event ids are remembered.
func NewIdempotencyGuard(store pkgredis.IdempotencyStore, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{store: store, ttl: ttl}
}

// CheckAndMark claims the event id. It returns false when another delivery of
// the same event already claimed it.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if g == nil || g.store == nil || eventID == "" {
		return true, nil
	}
	return g.store.SetNX(ctx, g.store.IdempotencyKey(idempotencyScope, eventID), "1", g.ttl)
}

// Release frees the claim so Stripe's retry can reprocess the event.
func (g *IdempotencyGuard) Release(ctx context.Context, eventID string) error {
	if g == nil || g.store == nil || eventID == "" {
		return nil
	}
	return g.store.Del(ctx, g.store.IdempotencyKey(idempotencyScope, eventID))
}

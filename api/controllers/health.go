package controllers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/subplane/subplane-backend/api/responses"
	"github.com/subplane/subplane-backend/pkg/config"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
	"github.com/subplane/subplane-backend/pkg/logger"
)

const readyProbeTimeout = 5 * time.Second

type dependencyPinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-SubPlane-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings the backing stores. Nil pingers are skipped so the probe
// stays useful in partially wired environments (tests, local tooling).
func HealthReady(cfg *config.Config, logg *logger.Logger, db dependencyPinger, cache dependencyPinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-SubPlane-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
		defer cancel()

		var probeErr error
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				probeErr = multierr.Append(probeErr, err)
			}
		}
		if cache != nil {
			if err := cache.Ping(ctx); err != nil {
				probeErr = multierr.Append(probeErr, err)
			}
		}

		if probeErr != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, probeErr, "readiness probe failed"))
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}

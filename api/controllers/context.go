package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/subplane/subplane-backend/api/middleware"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
)

// resolveUserID pulls the authenticated user out of the request context.
func resolveUserID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user context")
	}
	return userID, nil
}

package controllers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/subplane/subplane-backend/api/responses"
	"github.com/subplane/subplane-backend/api/validators"
	"github.com/subplane/subplane-backend/internal/plans"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
	"github.com/subplane/subplane-backend/pkg/logger"
)

type createPlanRequest struct {
	Name        string          `json:"name" validate:"required"`
	Description *string         `json:"description,omitempty"`
	Interval    string          `json:"interval" validate:"required"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency,omitempty"`
	TrialDays   int             `json:"trial_days,omitempty" validate:"min=0"`
	Features    []string        `json:"features,omitempty"`
	IsDefault   bool            `json:"is_default,omitempty"`
}

type updatePlanRequest struct {
	Name        *string          `json:"name,omitempty"`
	Description *string          `json:"description,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	TrialDays   *int             `json:"trial_days,omitempty"`
	Features    []string         `json:"features,omitempty"`
}

type planResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	Interval    string    `json:"interval"`
	Price       string    `json:"price"`
	Currency    string    `json:"currency"`
	TrialDays   int       `json:"trial_days"`
	Features    []string  `json:"features"`
	IsDefault   bool      `json:"is_default"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

func CreatePlan(svc plans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		var payload createPlanRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		interval, err := enums.ParsePlanInterval(payload.Interval)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid plan interval"))
			return
		}

		input := plans.CreatePlanInput{
			Name:        payload.Name,
			Description: payload.Description,
			Interval:    interval,
			Price:       payload.Price,
			Currency:    enums.Currency(strings.ToLower(payload.Currency)),
			TrialDays:   payload.TrialDays,
			Features:    payload.Features,
			IsDefault:   payload.IsDefault,
		}

		plan, err := svc.Create(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newPlanResponse(plan))
	}
}

func UpdatePlan(svc plans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		planID, err := parsePathUUID(r, "planId", "invalid plan id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload updatePlanRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		plan, err := svc.Update(r.Context(), planID, plans.UpdatePlanInput{
			Name:        payload.Name,
			Description: payload.Description,
			Price:       payload.Price,
			TrialDays:   payload.TrialDays,
			Features:    payload.Features,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

func DeactivatePlan(svc plans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		planID, err := parsePathUUID(r, "planId", "invalid plan id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		plan, err := svc.Deactivate(r.Context(), planID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

func ListPlans(svc plans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		includeInactive := false
		if raw := strings.TrimSpace(r.URL.Query().Get("includeInactive")); raw != "" {
			value, err := strconv.ParseBool(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid includeInactive value"))
				return
			}
			includeInactive = value
		}

		items, err := svc.List(r.Context(), includeInactive)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := make([]*planResponse, 0, len(items))
		for i := range items {
			resp = append(resp, newPlanResponse(&items[i]))
		}
		responses.WriteSuccess(w, resp)
	}
}

func GetPlan(svc plans.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan service unavailable"))
			return
		}

		planID, err := parsePathUUID(r, "planId", "invalid plan id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		plan, err := svc.Get(r.Context(), planID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

func newPlanResponse(plan *models.Plan) *planResponse {
	if plan == nil {
		return nil
	}
	return &planResponse{
		ID:          plan.ID,
		Name:        plan.Name,
		Description: plan.Description,
		Interval:    string(plan.Interval),
		Price:       plan.Price.StringFixed(2),
		Currency:    string(plan.Currency),
		TrialDays:   plan.TrialDays,
		Features:    []string(plan.Features),
		IsDefault:   plan.IsDefault,
		IsActive:    plan.IsActive,
		CreatedAt:   plan.CreatedAt,
	}
}

func parsePathUUID(r *http.Request, param, message string) (uuid.UUID, error) {
	value, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, message)
	}
	return value, nil
}

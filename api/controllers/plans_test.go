package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/subplane/subplane-backend/internal/plans"
	"github.com/subplane/subplane-backend/pkg/db/models"
	"github.com/subplane/subplane-backend/pkg/enums"
)

type fakePlanService struct {
	createInput plans.CreatePlanInput
	created     *models.Plan
	createErr   error
	listed      []models.Plan
}

func (f *fakePlanService) Create(_ context.Context, input plans.CreatePlanInput) (*models.Plan, error) {
	f.createInput = input
	return f.created, f.createErr
}

func (f *fakePlanService) Update(_ context.Context, _ uuid.UUID, _ plans.UpdatePlanInput) (*models.Plan, error) {
	return f.created, f.createErr
}

func (f *fakePlanService) Deactivate(_ context.Context, _ uuid.UUID) (*models.Plan, error) {
	return f.created, f.createErr
}

func (f *fakePlanService) List(_ context.Context, _ bool) ([]models.Plan, error) {
	return f.listed, nil
}

func (f *fakePlanService) Get(_ context.Context, _ uuid.UUID) (*models.Plan, error) {
	return f.created, f.createErr
}

func TestCreatePlanParsesRequest(t *testing.T) {
	service := &fakePlanService{
		created: &models.Plan{
			ID:       uuid.New(),
			Name:     "Pro",
			Interval: enums.PlanIntervalMonth,
			Price:    decimal.RequireFromString("29.99"),
			Currency: enums.CurrencyUSD,
			IsActive: true,
		},
	}
	handler := CreatePlan(service, nil)

	body, _ := json.Marshal(map[string]any{
		"name":     "Pro",
		"interval": "month",
		"price":    "29.99",
		"currency": "USD",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/plans", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if service.createInput.Interval != enums.PlanIntervalMonth {
		t.Fatalf("expected month interval, got %s", service.createInput.Interval)
	}
	if !service.createInput.Price.Equal(decimal.RequireFromString("29.99")) {
		t.Fatalf("unexpected price %s", service.createInput.Price)
	}
	if service.createInput.Currency != enums.CurrencyUSD {
		t.Fatalf("expected lowercased currency, got %s", service.createInput.Currency)
	}

	var envelope struct {
		Data planResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.Price != "29.99" {
		t.Fatalf("expected price formatted to two decimals, got %q", envelope.Data.Price)
	}
}

func TestCreatePlanRejectsUnknownInterval(t *testing.T) {
	service := &fakePlanService{}
	handler := CreatePlan(service, nil)

	body, _ := json.Marshal(map[string]any{
		"name":     "Pro",
		"interval": "weekly",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/plans", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestListPlansRejectsBadIncludeInactive(t *testing.T) {
	handler := ListPlans(&fakePlanService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/plans?includeInactive=sometimes", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
}

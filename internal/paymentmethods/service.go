package paymentmethods

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/subplane/subplane-backend/internal/users"
	"github.com/subplane/subplane-backend/pkg/db/models"
	pkgerrors "github.com/subplane/subplane-backend/pkg/errors"
)

// Service manages the Stripe customer and card lifecycle for a user.
type Service interface {
	// EnsureCustomer returns the user's Stripe customer id, creating the
	// customer on first use.
	EnsureCustomer(ctx context.Context, userID uuid.UUID) (string, error)
	// SetupIntent mints a client secret the frontend uses to collect a card
	// off-session.
	SetupIntent(ctx context.Context, userID uuid.UUID) (string, error)
	List(ctx context.Context, userID uuid.UUID) ([]*stripe.PaymentMethod, error)
	Attach(ctx context.Context, userID uuid.UUID, paymentMethodID string) (*stripe.PaymentMethod, error)
	Detach(ctx context.Context, userID uuid.UUID, paymentMethodID string) error
	SetDefault(ctx context.Context, userID uuid.UUID, paymentMethodID string) error
}

// ServiceParams groups dependencies for the payment method service.
type ServiceParams struct {
	UsersRepo    users.Repository
	StripeClient StripePaymentClient
}

type service struct {
	users  users.Repository
	stripe StripePaymentClient
}

// NewService builds a payment method service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.UsersRepo == nil {
		return nil, fmt.Errorf("users repo required")
	}
	if params.StripeClient == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	return &service{users: params.UsersRepo, stripe: params.StripeClient}, nil
}

func (s *service) EnsureCustomer(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(strings.TrimSpace(user.FirstName + " " + user.LastName)),
		Metadata: map[string]string{
			"user_id": user.ID.String(),
		},
	}
	created, err := s.stripe.CreateCustomer(ctx, params)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create stripe customer")
	}

	if err := s.users.SetStripeCustomerID(ctx, user.ID, created.ID); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist stripe customer id")
	}
	return created.ID, nil
}

func (s *service) SetupIntent(ctx context.Context, userID uuid.UUID) (string, error) {
	customerID, err := s.EnsureCustomer(ctx, userID)
	if err != nil {
		return "", err
	}

	intent, err := s.stripe.CreateSetupIntent(ctx, &stripe.SetupIntentParams{
		Customer: stripe.String(customerID),
		Usage:    stripe.String(string(stripe.SetupIntentUsageOffSession)),
		PaymentMethodTypes: []*string{
			stripe.String(string(stripe.PaymentMethodTypeCard)),
		},
	})
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create setup intent")
	}
	return intent.ClientSecret, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]*stripe.PaymentMethod, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return nil, nil
	}

	methods, err := s.stripe.ListPaymentMethods(ctx, *user.StripeCustomerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payment methods")
	}
	return methods, nil
}

func (s *service) Attach(ctx context.Context, userID uuid.UUID, paymentMethodID string) (*stripe.PaymentMethod, error) {
	if strings.TrimSpace(paymentMethodID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment method id is required")
	}
	customerID, err := s.EnsureCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}

	attached, err := s.stripe.AttachPaymentMethod(ctx, paymentMethodID, customerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attach payment method")
	}
	return attached, nil
}

func (s *service) Detach(ctx context.Context, userID uuid.UUID, paymentMethodID string) error {
	if strings.TrimSpace(paymentMethodID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment method id is required")
	}
	if err := s.verifyOwnership(ctx, userID, paymentMethodID); err != nil {
		return err
	}

	if _, err := s.stripe.DetachPaymentMethod(ctx, paymentMethodID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "detach payment method")
	}
	return nil
}

func (s *service) SetDefault(ctx context.Context, userID uuid.UUID, paymentMethodID string) error {
	if strings.TrimSpace(paymentMethodID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment method id is required")
	}
	if err := s.verifyOwnership(ctx, userID, paymentMethodID); err != nil {
		return err
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}

	_, err = s.stripe.UpdateCustomer(ctx, *user.StripeCustomerID, &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set default payment method")
	}
	return nil
}

func (s *service) loadUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if user == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return user, nil
}

// verifyOwnership rejects payment method ids that belong to another customer.
func (s *service) verifyOwnership(ctx context.Context, userID uuid.UUID, paymentMethodID string) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment method not found")
	}

	method, err := s.stripe.GetPaymentMethod(ctx, paymentMethodID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment method")
	}
	if method.Customer == nil || method.Customer.ID != *user.StripeCustomerID {
		return pkgerrors.New(pkgerrors.CodeForbidden, "payment method does not belong to this user")
	}
	return nil
}

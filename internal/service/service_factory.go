package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/admin"
	"trust-service/internal/audit"
	"trust-service/internal/clock"
	"trust-service/internal/config"
	"trust-service/internal/consent"
	"trust-service/internal/governor"
	"trust-service/internal/hashing"
	"trust-service/internal/notify"
	"trust-service/internal/payment"
	"trust-service/internal/repository"
	"trust-service/internal/session"
)

// Dependencies are the infrastructure pieces the domain services share
type Dependencies struct {
	Config   *config.Config
	Backend  *repository.Backend
	Sessions session.Store
	Attempts AttemptTracker
	Hasher   *hashing.Hasher
	Cipher   consent.FieldCipher
	Sender   notify.Sender
	Payments payment.Provider
	Location *time.Location
	Clock    clock.Clock
	Trail    *audit.Trail
	Logger   *zap.Logger
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps Dependencies

	governor *governor.Governor
	consent  *consent.Service
	accounts *AccountService
	admin    *admin.Authenticator
}

// NewServiceFactory wires every domain service from deps
func NewServiceFactory(deps Dependencies) (*ServiceFactory, error) {
	cfg := deps.Config
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}

	f := &ServiceFactory{deps: deps}

	f.governor = governor.New(deps.Backend.Accounts, governor.Config{
		PerMinuteLimit: cfg.Governor.PerMinuteLimit,
		PerHourLimit:   cfg.Governor.PerHourLimit,
		Cooldown:       cfg.Governor.Cooldown,
		Location:       deps.Location,
	}, deps.Clock, deps.Trail, deps.Logger)

	f.consent = consent.NewService(consent.Dependencies{
		Accounts: deps.Backend.Accounts,
		Requests: deps.Backend.Consents,
		Sessions: deps.Sessions,
		Sender:   deps.Sender,
		Payments: deps.Payments,
		Cipher:   deps.Cipher,
		Clock:    deps.Clock,
		Trail:    deps.Trail,
		Logger:   deps.Logger,
	}, consent.Config{
		RequestTTL:           cfg.Consent.RequestTTL,
		PublicBaseURL:        cfg.Consent.PublicBaseURL,
		ChargeAmountCents:    cfg.Consent.ChargeAmountCents,
		ChargeCurrency:       cfg.Consent.ChargeCurrency,
		RequireAdminApproval: cfg.Consent.RequireAdminApproval,
		Location:             deps.Location,
	})

	f.accounts = NewAccountService(
		deps.Backend.Accounts,
		deps.Sessions,
		f.consent,
		deps.Hasher,
		deps.Attempts,
		deps.Clock,
		deps.Location,
		deps.Trail,
		deps.Logger,
	)

	auth, err := admin.NewAuthenticator(admin.Config{
		Secret:              cfg.Admin.Secret,
		SigningSecret:       cfg.Admin.SigningSecret,
		TokenTTL:            cfg.Admin.TokenTTL,
		CodeTTL:             cfg.Admin.CodeTTL,
		Email:               cfg.Admin.Email,
		SecondFactorEnabled: cfg.Admin.SecondFactorEnabled,
		DisableKeyHeader:    cfg.Admin.DisableKeyHeader,
	}, deps.Hasher, deps.Sender, deps.Clock, deps.Trail, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin authenticator: %w", err)
	}
	f.admin = auth

	return f, nil
}

func (f *ServiceFactory) Governor() *governor.Governor {
	return f.governor
}

func (f *ServiceFactory) Consent() *consent.Service {
	return f.consent
}

func (f *ServiceFactory) Accounts() *AccountService {
	return f.accounts
}

func (f *ServiceFactory) Admin() *admin.Authenticator {
	return f.admin
}

func (f *ServiceFactory) Trail() *audit.Trail {
	return f.deps.Trail
}

func (f *ServiceFactory) Sessions() session.Store {
	return f.deps.Sessions
}

// Cleanup flushes and closes the session store
func (f *ServiceFactory) Cleanup() {
	if f.deps.Sessions == nil {
		return
	}
	if err := f.deps.Sessions.Close(); err != nil {
		f.deps.Logger.Error("Failed to close session store", zap.Error(err))
	}
}

package consent

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/apperr"
	"trust-service/internal/models"
	"trust-service/internal/util"
)

const (
	SettingPublicSharing = "public_sharing"
	SettingMultiplayer   = "multiplayer"
)

// Export is the full data snapshot handed to a guardian.
type Export struct {
	Account         models.Summary           `json:"account"`
	AgeBracket      models.AgeBracket        `json:"age_bracket"`
	GuardianEmail   string                   `json:"guardian_email"`
	ConsentMethod   models.ConsentMethod     `json:"consent_method,omitempty"`
	ConsentElevated bool                     `json:"consent_elevated"`
	VerifiedAt      *time.Time               `json:"verified_at,omitempty"`
	Requests        []*models.ConsentRequest `json:"consent_requests"`
	ExportedAt      time.Time                `json:"exported_at"`
}

func (s *Service) Summary(ctx context.Context, guardianToken string) (models.Summary, error) {
	account, err := s.accountByGuardianToken(ctx, guardianToken)
	if err != nil {
		return models.Summary{}, err
	}
	return account.Summary(s.clock.Now(), s.cfg.Location), nil
}

// ToggleSetting flips one guardian-controlled feature flag. Turning a
// feature on requires granted consent.
func (s *Service) ToggleSetting(ctx context.Context, guardianToken, name string, enabled bool) (models.Settings, error) {
	account, err := s.accountByGuardianToken(ctx, guardianToken)
	if err != nil {
		return models.Settings{}, err
	}

	var flag *bool
	switch name {
	case SettingPublicSharing:
		flag = &account.Settings.PublicSharing
	case SettingMultiplayer:
		flag = &account.Settings.Multiplayer
	default:
		return models.Settings{}, ErrUnknownSetting
	}

	if enabled && account.Consent.Status != models.ConsentGranted {
		return models.Settings{}, ErrConsentNotGranted
	}

	*flag = enabled
	account.UpdatedAt = s.clock.Now()
	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return models.Settings{}, apperr.Backend("save account", err)
	}

	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventSettingChanged,
		AccountID: account.ID,
		Actor:     "guardian",
		Details:   map[string]string{"setting": name, "enabled": strconv.FormatBool(enabled)},
	})
	return account.Settings, nil
}

func (s *Service) Export(ctx context.Context, guardianToken string) (*Export, error) {
	account, err := s.accountByGuardianToken(ctx, guardianToken)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	export := &Export{
		Account:         account.Summary(now, s.cfg.Location),
		AgeBracket:      account.AgeBracket,
		ConsentMethod:   account.Consent.Method,
		ConsentElevated: account.Consent.Elevated,
		VerifiedAt:      account.Consent.VerifiedAt,
		ExportedAt:      now,
	}

	if account.Consent.GuardianEmail != nil {
		email, err := s.cipher.DecryptField(ctx, account.Consent.GuardianEmail)
		if err != nil {
			s.logger.Error("Failed to decrypt guardian email for export",
				util.AccountID(account.ID),
				zap.Error(err))
			return nil, apperr.Backend("decrypt guardian email", err)
		}
		export.GuardianEmail = email
	}

	requests, err := s.requests.ListConsentRequests(ctx, account.ID)
	if err != nil {
		return nil, apperr.Backend("list consent requests", err)
	}
	export.Requests = requests

	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventDataExported,
		AccountID: account.ID,
		Actor:     "guardian",
	})
	return export, nil
}

// Delete erases the account on the guardian's instruction.
func (s *Service) Delete(ctx context.Context, guardianToken string) error {
	account, err := s.accountByGuardianToken(ctx, guardianToken)
	if err != nil {
		return err
	}
	return s.erase(ctx, account, "guardian")
}

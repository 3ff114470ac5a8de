package consent

import "trust-service/internal/apperr"

var (
	ErrRequestNotFound      = apperr.New(apperr.ErrNotFound, "consent_not_found", "Consent request not found")
	ErrConsentExpired       = apperr.New(apperr.ErrValidation, "consent_expired", "This consent link has expired")
	ErrAlreadyResolved      = apperr.New(apperr.ErrConflict, "consent_already_resolved", "This consent request has already been answered")
	ErrConsentRevoked       = apperr.New(apperr.ErrConflict, "consent_revoked", "Consent for this account was revoked")
	ErrNotRevocable         = apperr.New(apperr.ErrConflict, "consent_not_revocable", "Only granted consent can be revoked")
	ErrConsentNotGranted    = apperr.New(apperr.ErrForbidden, "consent_not_granted", "Parental consent has not been granted")
	ErrGuardianTokenInvalid = apperr.New(apperr.ErrUnauthorized, "guardian_token_invalid", "Guardian link is invalid")
	ErrInvalidGuardianEmail = apperr.Validation("invalid_guardian_email", "A valid parent or guardian email address is required")
	ErrUnknownSetting       = apperr.Validation("unknown_setting", "Unknown setting")
	ErrChargeNotFound       = apperr.New(apperr.ErrNotFound, "charge_not_found", "Verification charge not found")
	ErrChargeMismatch       = apperr.Validation("charge_mismatch", "Verification charge does not belong to this request")
	ErrChargeNotSucceeded   = apperr.Validation("charge_not_succeeded", "Card verification did not succeed")
	ErrAccountNotFound      = apperr.New(apperr.ErrNotFound, "account_not_found", "Account not found")
)

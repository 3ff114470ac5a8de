package service

import "trust-service/internal/apperr"

var (
	ErrInvalidCredentials = apperr.New(apperr.ErrUnauthorized, "invalid_credentials", "Invalid username or password")
	ErrTooManyAttempts    = apperr.New(apperr.ErrQuotaExceeded, "too_many_attempts", "Too many failed login attempts. Please try again later.")
	ErrConsentPending     = apperr.New(apperr.ErrForbidden, "consent_pending", "A parent or guardian needs to approve this account. We've emailed them a link.")
	ErrPendingApproval    = apperr.New(apperr.ErrForbidden, "pending_approval", "This account is waiting for approval by a moderator.")
	ErrAccountDenied      = apperr.New(apperr.ErrForbidden, "account_denied", "This account was not approved.")
	ErrAccountSuspended   = apperr.New(apperr.ErrForbidden, "account_suspended", "This account is suspended.")
	ErrConsentRevoked     = apperr.New(apperr.ErrForbidden, "consent_revoked", "A parent or guardian has withdrawn consent for this account.")
	ErrUsernameTaken      = apperr.New(apperr.ErrConflict, "username_taken", "That username is already taken")
	ErrInvalidUsername    = apperr.Validation("invalid_username", "Usernames are 3 to 32 letters, digits, '.', '_' or '-'")
	ErrWeakPassword       = apperr.Validation("weak_password", "Passwords must be at least 8 characters")
	ErrInvalidDisplayName = apperr.Validation("invalid_display_name", "Display name contains characters that are not allowed")
	ErrInvalidAgeBracket  = apperr.Validation("invalid_age_bracket", "Age bracket must be under_13, 13_17 or adult")
	ErrGuardianRequired   = apperr.Validation("guardian_email_required", "Accounts for children under 13 need a parent or guardian email")
	ErrInvalidTier        = apperr.Validation("invalid_tier", "Unknown membership tier")
	ErrConsentRequired    = apperr.New(apperr.ErrConflict, "consent_required", "Parental consent must be granted before this account can be approved")
	ErrAccountNotFound    = apperr.New(apperr.ErrNotFound, "account_not_found", "Account not found")
)

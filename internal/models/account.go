package models

import "time"

type AccountStatus string

const (
	StatusPending             AccountStatus = "pending"
	StatusApproved            AccountStatus = "approved"
	StatusDenied              AccountStatus = "denied"
	StatusSuspended           AccountStatus = "suspended"
	StatusDeleted             AccountStatus = "deleted"
	StatusPendingVerification AccountStatus = "pending_verification"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusSuspended, StatusDeleted, StatusPendingVerification:
		return true
	}
	return false
}

type ConsentStatus string

const (
	ConsentNotRequired ConsentStatus = "not_required"
	ConsentPending     ConsentStatus = "pending"
	ConsentGranted     ConsentStatus = "granted"
	ConsentDenied      ConsentStatus = "denied"
	ConsentRevoked     ConsentStatus = "revoked"
)

type Tier string

const (
	TierFree    Tier = "free"
	TierCreator Tier = "creator"
	TierPro     Tier = "pro"
)

type AgeBracket string

const (
	AgeUnder13 AgeBracket = "under_13"
	AgeTeen    AgeBracket = "13_17"
	AgeAdult   AgeBracket = "adult"
)

func (a AgeBracket) Valid() bool {
	return a == AgeUnder13 || a == AgeTeen || a == AgeAdult
}

// RequiresConsent reports whether signup must go through verifiable
// parental consent.
func (a AgeBracket) RequiresConsent() bool {
	return a == AgeUnder13
}

// Credential is an argon2id password hash as produced by hashing.Hasher.
type Credential struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// EncryptedValue is an envelope-encrypted field as produced by
// encryption.EncryptionManager.
type EncryptedValue struct {
	Ciphertext   string `json:"ciphertext"`
	EncryptedDEK string `json:"encrypted_dek"`
	KeyID        string `json:"key_id"`
	Version      string `json:"version"`
}

type MembershipInfo struct {
	Tier      Tier       `json:"tier"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type ConsentInfo struct {
	Status        ConsentStatus   `json:"status"`
	Method        ConsentMethod   `json:"method,omitempty"`
	Elevated      bool            `json:"elevated"`
	VerifiedAt    *time.Time      `json:"verified_at,omitempty"`
	RevokedAt     *time.Time      `json:"revoked_at,omitempty"`
	GuardianEmail *EncryptedValue `json:"guardian_email,omitempty"`
	GuardianToken string          `json:"guardian_token,omitempty"`
}

// Settings are the guardian-controlled feature flags.
type Settings struct {
	PublicSharing bool `json:"public_sharing"`
	Multiplayer   bool `json:"multiplayer"`
}

type Account struct {
	ID             string         `json:"id" db:"account_id"`
	Username       string         `json:"username" db:"username"`
	DisplayName    string         `json:"display_name" db:"display_name"`
	Credential     Credential     `json:"credential"`
	Status         AccountStatus  `json:"status" db:"status"`
	SuspendedUntil *time.Time     `json:"suspended_until,omitempty" db:"suspended_until"`
	AgeBracket     AgeBracket     `json:"age_bracket" db:"age_bracket"`
	Membership     MembershipInfo `json:"membership"`
	Consent        ConsentInfo    `json:"consent"`
	Settings       Settings       `json:"settings"`
	Usage          UsageCounters  `json:"usage"`
	RateLimit      RateLimitState `json:"rate_limit"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// NewAccount returns an account with every nested value object at its
// explicit default.
func NewAccount(id, username, displayName string, bracket AgeBracket, now time.Time) *Account {
	return &Account{
		ID:          id,
		Username:    username,
		DisplayName: displayName,
		Status:      StatusApproved,
		AgeBracket:  bracket,
		Membership:  MembershipInfo{Tier: TierFree},
		Consent:     ConsentInfo{Status: ConsentNotRequired},
		Usage:       NewUsageCounters(now, time.UTC),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy, so stores never hand out aliases of their state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.SuspendedUntil != nil {
		t := *a.SuspendedUntil
		c.SuspendedUntil = &t
	}
	if a.Membership.UpdatedAt != nil {
		t := *a.Membership.UpdatedAt
		c.Membership.UpdatedAt = &t
	}
	if a.Consent.VerifiedAt != nil {
		t := *a.Consent.VerifiedAt
		c.Consent.VerifiedAt = &t
	}
	if a.Consent.RevokedAt != nil {
		t := *a.Consent.RevokedAt
		c.Consent.RevokedAt = &t
	}
	if a.Consent.GuardianEmail != nil {
		g := *a.Consent.GuardianEmail
		c.Consent.GuardianEmail = &g
	}
	c.RateLimit = a.RateLimit.clone()
	return &c
}

// Summary is the non-sensitive view returned to the account owner and the
// guardian dashboard.
type Summary struct {
	ID            string        `json:"id"`
	Username      string        `json:"username"`
	DisplayName   string        `json:"display_name"`
	Status        AccountStatus `json:"status"`
	Tier          Tier          `json:"tier"`
	ConsentStatus ConsentStatus `json:"consent_status"`
	ConsentMethod ConsentMethod `json:"consent_method,omitempty"`
	Settings      Settings      `json:"settings"`
	Usage         UsageCounters `json:"usage"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Summary reads the usage counters as of now, so a stale period shows as
// zero without touching the stored record.
func (a *Account) Summary(now time.Time, loc *time.Location) Summary {
	usage := a.Usage
	usage.Reset(now, loc)
	return Summary{
		ID:            a.ID,
		Username:      a.Username,
		DisplayName:   a.DisplayName,
		Status:        a.Status,
		Tier:          a.Membership.Tier,
		ConsentStatus: a.Consent.Status,
		ConsentMethod: a.Consent.Method,
		Settings:      a.Settings,
		Usage:         usage,
		CreatedAt:     a.CreatedAt,
	}
}

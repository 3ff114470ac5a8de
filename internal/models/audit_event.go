package models

import "time"

type AuditEventType string

const (
	EventLogin            AuditEventType = "login"
	EventLoginFailed      AuditEventType = "login_failed"
	EventLogout           AuditEventType = "logout"
	EventRegister         AuditEventType = "register"
	EventThrottleDenied   AuditEventType = "throttle_denied"
	EventQuotaDenied      AuditEventType = "quota_denied"
	EventUsageRecorded    AuditEventType = "usage_recorded"
	EventConsentRequested AuditEventType = "consent_requested"
	EventConsentGranted   AuditEventType = "consent_granted"
	EventConsentDenied    AuditEventType = "consent_denied"
	EventConsentRevoked   AuditEventType = "consent_revoked"
	EventRefundFailed     AuditEventType = "refund_failed"
	EventSettingChanged   AuditEventType = "setting_changed"
	EventDataExported     AuditEventType = "data_exported"
	EventAccountDeleted   AuditEventType = "account_deleted"
	EventAdminLogin       AuditEventType = "admin_login"
	EventAdminLoginFailed AuditEventType = "admin_login_failed"
	EventAdminAction      AuditEventType = "admin_action"
)

// AuditEvent is one entry of the trust audit trail.
type AuditEvent struct {
	EventID   string            `json:"event_id" db:"event_id"`
	AccountID string            `json:"account_id,omitempty" db:"account_id"`
	EventDate string            `json:"event_date" db:"event_date"`
	EventTime time.Time         `json:"event_time" db:"event_time"`
	EventType AuditEventType    `json:"event_type" db:"event_type"`
	Actor     string            `json:"actor" db:"actor"`
	Reason    string            `json:"reason,omitempty" db:"reason"`
	Details   map[string]string `json:"details,omitempty" db:"details"`
}

// AuditQuery filters an audit search. Zero fields match everything.
type AuditQuery struct {
	AccountID string
	EventType AuditEventType
	Since     time.Time
	Until     time.Time
	Limit     int
}

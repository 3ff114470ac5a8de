package models

import "time"

type ConsentAction string

const (
	ConsentActionSignup       ConsentAction = "signup"
	ConsentActionDataDeletion ConsentAction = "data_deletion"
)

type ConsentRequestStatus string

const (
	RequestPending ConsentRequestStatus = "pending"
	RequestGranted ConsentRequestStatus = "granted"
	RequestDenied  ConsentRequestStatus = "denied"
)

// ConsentMethod records which verification channel resolved a request.
type ConsentMethod string

const (
	MethodEmailLink   ConsentMethod = "email_link"
	MethodPaymentCard ConsentMethod = "payment_card"
)

type ConsentRequest struct {
	Token           string               `json:"token" db:"token"`
	AccountID       string               `json:"account_id" db:"account_id"`
	GuardianAddress string               `json:"guardian_address" db:"guardian_address"`
	Action          ConsentAction        `json:"action" db:"action"`
	Status          ConsentRequestStatus `json:"status" db:"status"`
	Method          ConsentMethod        `json:"method,omitempty" db:"method"`
	CreatedAt       time.Time            `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time            `json:"expires_at" db:"expires_at"`
	RespondedAt     *time.Time           `json:"responded_at,omitempty" db:"responded_at"`
}

// Expired is evaluated at validation time; stored status does not matter.
func (r *ConsentRequest) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

func (r *ConsentRequest) Clone() *ConsentRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		c.RespondedAt = &t
	}
	return &c
}

// Resolution is the conditional transition applied to a pending request.
type Resolution struct {
	Status      ConsentRequestStatus
	Method      ConsentMethod
	RespondedAt time.Time
}

package models

import "time"

type Session struct {
	Token       string    `json:"token" db:"token"`
	AccountID   string    `json:"account_id" db:"account_id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	IssuedAt    time.Time `json:"issued_at" db:"issued_at"`
}

// Expired reports whether the session is at or past maxAge.
func (s *Session) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.IssuedAt) >= maxAge
}

// Identity is what a successful login hands to the session store.
type Identity struct {
	AccountID   string
	DisplayName string
}

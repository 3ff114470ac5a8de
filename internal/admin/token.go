package admin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const capabilityAdmin = "admin"

type tokenPayload struct {
	Capability string `json:"capability"`
	Exp        int64  `json:"exp"`
}

// Signer mints and checks stateless admin tokens of the form
// base64url(payload) "." base64url(HMAC-SHA256(payload, secret)).
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

func (s *Signer) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (s *Signer) Issue(expiresAt time.Time) (string, error) {
	payload, err := json.Marshal(tokenPayload{Capability: capabilityAdmin, Exp: expiresAt.Unix()})
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(s.sign(payload)), nil
}

// Valid reports whether token carries a correct signature and an expiry
// after now. Nothing else is consulted.
func (s *Signer) Valid(token string, now time.Time) bool {
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}

	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(encPayload)
	if err != nil {
		return false
	}
	sig, err := enc.DecodeString(encSig)
	if err != nil {
		return false
	}
	if !hmac.Equal(sig, s.sign(payload)) {
		return false
	}

	var p tokenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	return p.Capability == capabilityAdmin && p.Exp > now.Unix()
}

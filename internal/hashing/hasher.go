package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"trust-service/internal/config"
	"trust-service/internal/models"
	"trust-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

const algorithm = "argon2id-v1"

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible pepper version")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher derives argon2id hashes for account passwords and admin one-time
// codes. A purpose string is mixed in so a hash for one cannot verify the
// other.
type Hasher struct {
	params        Argon2Params
	pepper        string
	pepperVersion int
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	pepper := cfg.Hashing.Pepper
	if pepper == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			util.Fatal("Failed to generate pepper", zap.Error(err))
		}
		pepper = base64.RawURLEncoding.EncodeToString(b)
		util.Warn("HASH_PEPPER not set, using an ephemeral pepper; stored passwords will not verify after restart")
	}

	return &Hasher{
		params:        params,
		pepper:        pepper,
		pepperVersion: cfg.Hashing.PepperVersion,
	}
}

// NewTestHasher returns a hasher with cheap parameters.
func NewTestHasher() *Hasher {
	return &Hasher{
		params:        Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		pepper:        "test-pepper",
		pepperVersion: 1,
	}
}

func (h *Hasher) HashPassword(password string) (models.Credential, error) {
	return h.hashWithPepper(password, "password")
}

func (h *Hasher) VerifyPassword(password string, cred models.Credential) (bool, error) {
	return h.verifyWithPepper(password, cred, "password")
}

func (h *Hasher) HashCode(code string) (models.Credential, error) {
	return h.hashWithPepper(code, "admin-code")
}

func (h *Hasher) VerifyCode(code string, cred models.Credential) (bool, error) {
	return h.verifyWithPepper(code, cred, "admin-code")
}

func (h *Hasher) hashWithPepper(data, purpose string) (models.Credential, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return models.Credential{}, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(data+h.pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return models.Credential{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: h.pepperVersion,
		Algorithm:     algorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, cred models.Credential, purpose string) (bool, error) {
	if cred.Algorithm != algorithm {
		return false, ErrInvalidHash
	}
	if cred.PepperVersion != h.pepperVersion {
		return false, ErrIncompatibleVersion
	}

	salt, err := base64.RawURLEncoding.DecodeString(cred.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(cred.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+h.pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}


package scylla

import (
	"trust-service/internal/bucketing"
	"trust-service/internal/repository"
)

func NewBackend(client *ScyllaClient, buckets *bucketing.BucketingManager) *repository.Backend {
	return &repository.Backend{
		Accounts: NewAccountRepository(client, buckets),
		Consents: NewConsentRepository(client),
		Sessions: NewSessionRepository(client, "default"),
	}
}

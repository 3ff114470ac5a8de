package tls

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-service/internal/config"
)

func TestDevelopmentFallsBackToSelfSigned(t *testing.T) {
	cfg := &config.Config{Environment: config.EnvDevelopment}
	cfg.Server.Domain = "trust.local"
	m := NewManager(cfg)
	assert.Nil(t, m.AutocertManager())

	cert, err := m.GetCertificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "trust.local")
	assert.Len(t, leaf.IPAddresses, 2)

	again, err := m.GetCertificate(nil)
	require.NoError(t, err)
	assert.Same(t, cert, again)
}

func TestProductionRequiresRealCertificate(t *testing.T) {
	cfg := &config.Config{Environment: config.EnvProduction}
	cfg.Server.CertFile = "/nonexistent/cert.pem"
	cfg.Server.KeyFile = "/nonexistent/key.pem"

	_, err := NewManager(cfg).GetCertificate(nil)
	assert.Error(t, err)
	assert.Equal(t, uint16(0x0303), NewManager(cfg).TLSConfig().MinVersion)
}

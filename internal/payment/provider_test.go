package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProviderRoundTrip(t *testing.T) {
	var refunded bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/charges":
			var req ChargeRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, int64(50), req.AmountCents)
			assert.Equal(t, "tok", req.Metadata[MetadataConsentToken])
			_ = json.NewEncoder(w).Encode(Charge{ID: "ch_1", Status: StatusRequiresConfirmation, AmountCents: 50, Metadata: req.Metadata})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/charges/ch_1":
			_ = json.NewEncoder(w).Encode(Charge{ID: "ch_1", Status: StatusSucceeded, Metadata: map[string]string{MetadataConsentToken: "tok"}})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/charges/ch_1/refunds":
			refunded = true
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/v1/", "sk_test", srv.Client())
	ctx := context.Background()

	charge, err := p.CreateCharge(ctx, ChargeRequest{AmountCents: 50, Currency: "usd", Metadata: map[string]string{MetadataConsentToken: "tok"}})
	require.NoError(t, err)
	assert.Equal(t, "ch_1", charge.ID)

	charge, err = p.ConfirmCharge(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, charge.Status)

	require.NoError(t, p.Refund(ctx, "ch_1"))
	assert.True(t, refunded)

	_, err = p.ConfirmCharge(ctx, "missing")
	assert.ErrorIs(t, err, ErrChargeNotFound)
}

func TestHTTPProviderSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "card declined", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	_, err := NewHTTPProvider(srv.URL, "k", nil).CreateCharge(context.Background(), ChargeRequest{AmountCents: 50})
	assert.ErrorContains(t, err, "402")
	assert.ErrorContains(t, err, "card declined")
}

func TestSandboxProviderLifecycle(t *testing.T) {
	p := NewSandboxProvider()
	ctx := context.Background()

	_, err := p.CreateCharge(ctx, ChargeRequest{})
	assert.Error(t, err)

	meta := map[string]string{MetadataConsentToken: "tok"}
	charge, err := p.CreateCharge(ctx, ChargeRequest{AmountCents: 50, Currency: "usd", Metadata: meta})
	require.NoError(t, err)
	meta[MetadataConsentToken] = "mutated"
	assert.Equal(t, StatusRequiresConfirmation, charge.Status)

	assert.Error(t, p.Refund(ctx, charge.ID), "cannot refund before success")

	confirmed, err := p.ConfirmCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, confirmed.Status)
	assert.Equal(t, "tok", confirmed.Metadata[MetadataConsentToken])

	require.NoError(t, p.Refund(ctx, charge.ID))
	stored, ok := p.Charge(charge.ID)
	require.True(t, ok)
	assert.Equal(t, StatusRefunded, stored.Status)

	declined, err := p.CreateCharge(ctx, ChargeRequest{AmountCents: 50})
	require.NoError(t, err)
	p.Decline(declined.ID)
	confirmed, err = p.ConfirmCharge(ctx, declined.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, confirmed.Status)

	p.FailRefunds(errors.New("provider down"))
	assert.ErrorContains(t, p.Refund(ctx, charge.ID), "provider down")

	_, err = p.ConfirmCharge(ctx, "nope")
	assert.ErrorIs(t, err, ErrChargeNotFound)
}

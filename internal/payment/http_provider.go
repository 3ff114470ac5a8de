package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProvider talks to a JSON charges API:
//
//	POST {base}/charges
//	GET  {base}/charges/{id}
//	POST {base}/charges/{id}/refunds
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

func (p *HTTPProvider) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	var charge Charge
	if err := p.do(ctx, http.MethodPost, "/charges", req, &charge); err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}
	return &charge, nil
}

func (p *HTTPProvider) ConfirmCharge(ctx context.Context, chargeID string) (*Charge, error) {
	var charge Charge
	if err := p.do(ctx, http.MethodGet, "/charges/"+url.PathEscape(chargeID), nil, &charge); err != nil {
		return nil, fmt.Errorf("retrieve charge: %w", err)
	}
	return &charge, nil
}

func (p *HTTPProvider) Refund(ctx context.Context, chargeID string) error {
	if err := p.do(ctx, http.MethodPost, "/charges/"+url.PathEscape(chargeID)+"/refunds", struct{}{}, nil); err != nil {
		return fmt.Errorf("refund charge: %w", err)
	}
	return nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrChargeNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}

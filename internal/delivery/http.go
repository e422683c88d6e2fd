package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type HTTPConfig struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64
}

// HTTPProvider posts JSON to {BaseURL}/status and {BaseURL}/orders.
type HTTPProvider struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}

	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (p *HTTPProvider) GetStatus(ctx context.Context, query StatusQuery) (Status, error) {
	var status Status
	if err := p.post(ctx, "/status", query, &status); err != nil {
		return Status{}, err
	}
	if strings.TrimSpace(status.ProviderStatus) == "" {
		return Status{}, fmt.Errorf("delivery provider returned empty status for %s", query.ExternalID)
	}
	return status, nil
}

func (p *HTTPProvider) CreateOrder(ctx context.Context, details OrderDetails) (Order, error) {
	var order Order
	if err := p.post(ctx, "/orders", details, &order); err != nil {
		return Order{}, err
	}
	if strings.TrimSpace(order.ExternalID) == "" {
		return Order{}, fmt.Errorf("delivery provider returned no external id")
	}
	return order, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload any, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery provider error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

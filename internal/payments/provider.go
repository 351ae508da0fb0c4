package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/skillmarket/skillmarket/internal/apperr"
	"github.com/skillmarket/skillmarket/internal/config"
)

// Provider abstracts the external escrow processor. A hold freezes buyer
// funds for an order; capture releases them to the platform for payout,
// void returns them to the buyer.
type Provider interface {
	CreateHold(ctx context.Context, orderID, buyerID string, amountCents int64) (string, error)
	CaptureHold(ctx context.Context, holdRef string) error
	VoidHold(ctx context.Context, holdRef string) error
}

// HTTPProvider talks to the processor's JSON API with a bearer key.
// Transient failures (network, 5xx, 429) are retried with backoff; anything
// else surfaces immediately.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
}

func NewHTTPProvider(cfg config.PaymentsConfig) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    cfg.APIURL,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type createHoldRequest struct {
	OrderID     string `json:"order_id"`
	BuyerID     string `json:"buyer_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type createHoldResponse struct {
	HoldRef string `json:"hold_ref"`
	Status  string `json:"status"`
}

func (p *HTTPProvider) CreateHold(ctx context.Context, orderID, buyerID string, amountCents int64) (string, error) {
	body := createHoldRequest{OrderID: orderID, BuyerID: buyerID, AmountCents: amountCents, Currency: "usd"}
	var resp createHoldResponse
	if err := p.do(ctx, http.MethodPost, "/holds", body, &resp); err != nil {
		return "", err
	}
	if resp.HoldRef == "" {
		return "", apperr.External("processor returned no hold reference", nil)
	}
	return resp.HoldRef, nil
}

func (p *HTTPProvider) CaptureHold(ctx context.Context, holdRef string) error {
	return p.do(ctx, http.MethodPost, "/holds/"+holdRef+"/capture", nil, nil)
}

func (p *HTTPProvider) VoidHold(ctx context.Context, holdRef string) error {
	return p.do(ctx, http.MethodPost, "/holds/"+holdRef+"/void", nil, nil)
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	// One key per logical call: retried attempts must not double-apply on
	// the processor side.
	idempotencyKey := uuid.NewString()

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return apperr.External("payment processor request cancelled", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Idempotency-Key", idempotencyKey)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		func() {
			defer resp.Body.Close()
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				if out != nil {
					lastErr = json.NewDecoder(resp.Body).Decode(out)
				} else {
					lastErr = nil
				}
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				lastErr = fmt.Errorf("processor status=%d body=%s", resp.StatusCode, b)
			default:
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				lastErr = apperr.External(fmt.Sprintf("processor rejected request: status=%d body=%s", resp.StatusCode, b), nil)
			}
		}()

		if lastErr == nil {
			return nil
		}
		if apperr.KindOf(lastErr) == apperr.KindExternal {
			// Terminal rejection, not worth retrying.
			return lastErr
		}
	}
	return apperr.External("payment processor unreachable", lastErr)
}

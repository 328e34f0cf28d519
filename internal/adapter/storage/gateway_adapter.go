package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
)

// GatewayLedger talks to an upstream ledger gateway service over HTTP, the
// topology where the durable chain lives behind its own backend. Response
// bodies are returned raw: framing differs between gateway versions and the
// cache's normalizer is the single place that absorbs that.
type GatewayLedger struct {
	baseURL string
	client  *http.Client
}

func NewGatewayLedger(baseURL string) *GatewayLedger {
	return &GatewayLedger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *GatewayLedger) List(ctx context.Context, filter domain.Filter) (json.RawMessage, error) {
	endpoint := g.baseURL + "/properties"
	if filter.CreatedBy != "" {
		endpoint = g.baseURL + "/my-properties?user=" + url.QueryEscape(filter.CreatedBy)
	}
	return g.get(ctx, endpoint)
}

func (g *GatewayLedger) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return g.get(ctx, g.baseURL+"/properties/"+url.PathEscape(id))
}

func (g *GatewayLedger) AppendEvent(ctx context.Context, id string, ev domain.Event) (json.RawMessage, error) {
	body := map[string]any{
		"id":        id,
		"address":   ev.Address,
		"owner":     ev.Owner,
		"price":     ev.Price,
		"createdBy": ev.CreatedBy,
		"photoUrl":  ev.PhotoURL,
	}
	return g.post(ctx, g.baseURL+"/properties", body)
}

func (g *GatewayLedger) TryAcquireLease(ctx context.Context, id, holder string, ttl time.Duration) (domain.Lease, error) {
	now := time.Now().UTC()
	// The gateway contract takes an absolute expiry, as the original
	// reservation endpoint does; it re-checks the window itself.
	body := map[string]any{
		"id":        id,
		"user":      holder,
		"expiresAt": now.Add(ttl).Unix(),
	}

	payload, err := g.post(ctx, g.baseURL+"/reserve-property", body)
	if err != nil {
		return domain.Lease{}, err
	}

	var resp struct {
		Granted   bool  `json:"granted"`
		ExpiresAt int64 `json:"expiresAt"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return domain.Lease{}, fmt.Errorf("decode reserve response: %w", err)
	}
	if !resp.Granted {
		return domain.Lease{}, domain.ErrAlreadyHeld
	}

	expiresAt := now.Add(ttl)
	if resp.ExpiresAt > 0 {
		// The gateway's clock wins when it reports the granted window.
		expiresAt = time.Unix(resp.ExpiresAt, 0).UTC()
	}
	return domain.Lease{Holder: holder, AcquiredAt: now, ExpiresAt: expiresAt}, nil
}

func (g *GatewayLedger) ReleaseLease(ctx context.Context, id, holder string) error {
	_, err := g.post(ctx, g.baseURL+"/release-property", map[string]any{
		"id":   id,
		"user": holder,
	})
	return err
}

func (g *GatewayLedger) get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return g.do(req)
}

func (g *GatewayLedger) post(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req)
}

func (g *GatewayLedger) do(req *http.Request) (json.RawMessage, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("gateway %s: read body: %w", req.URL.Path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return body, nil
	case http.StatusNotFound:
		return nil, domain.ErrNotFound
	case http.StatusConflict:
		return nil, domain.ErrAlreadyHeld
	case http.StatusForbidden:
		return nil, domain.ErrNotHolder
	default:
		return nil, fmt.Errorf("gateway %s: status %d: %s", req.URL.Path, resp.StatusCode, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Package remote is an HTTP client for the billing API, used by the smoke
// tool and by services that consume invoices over the wire.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"brokercore.org/internal/billing"
)

// APIError carries a non-2xx response through the client boundary.
type APIError struct {
	Status  int      `json:"-"`
	Message string   `json:"error"`
	Fields  []string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("api: %d %s %v", e.Status, e.Message, e.Fields)
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Client talks JSON to a running billing API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken sets a pre-issued bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New constructs a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ObtainToken mints a bearer token and keeps it for subsequent calls.
func (c *Client) ObtainToken(ctx context.Context, user string, roles []string) error {
	var resp tokenResponse
	err := c.call(ctx, http.MethodPost, "/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, &resp)
	if err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

// CreatePolicyRequest mirrors the policy creation payload.
type CreatePolicyRequest struct {
	PolicyNumber  string          `json:"policy_number"`
	TPremium      decimal.Decimal `json:"t_premium"`
	TPlus1Premium decimal.Decimal `json:"tplus1_premium"`
	TPlusFPremium decimal.Decimal `json:"tplusf_premium"`
}

func (c *Client) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*billing.Policy, error) {
	var pol billing.Policy
	if err := c.call(ctx, http.MethodPost, "/v1/policies", req, &pol); err != nil {
		return nil, err
	}
	return &pol, nil
}

// AddAffiliateRequest mirrors the enrollment payload.
type AddAffiliateRequest struct {
	AffiliateID          string     `json:"affiliate_id"`
	AffiliateType        string     `json:"affiliate_type"`
	CoverageType         string     `json:"coverage_type"`
	PreviousCoverageType *string    `json:"previous_coverage_type,omitempty"`
	TierChangedAt        *time.Time `json:"tier_changed_at,omitempty"`
	AddedAt              time.Time  `json:"added_at"`
	RemovedAt            *time.Time `json:"removed_at,omitempty"`
}

func (c *Client) AddAffiliate(ctx context.Context, policyID string, req AddAffiliateRequest) (*billing.Enrollment, error) {
	var e billing.Enrollment
	if err := c.call(ctx, http.MethodPost, "/v1/policies/"+url.PathEscape(policyID)+"/affiliates", req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) CreateInvoice(ctx context.Context, req billing.CreateInvoiceRequest) (*billing.Invoice, error) {
	var inv billing.Invoice
	if err := c.call(ctx, http.MethodPost, "/v1/invoices", req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	var inv billing.Invoice
	if err := c.call(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(id), nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Validate triggers the expected-amount calculation.
func (c *Client) Validate(ctx context.Context, id string) (*billing.Invoice, error) {
	var inv billing.Invoice
	if err := c.call(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(id)+"/validate", nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) Update(ctx context.Context, id string, req billing.UpdateRequest) (*billing.Invoice, error) {
	var inv billing.Invoice
	if err := c.call(ctx, http.MethodPut, "/v1/invoices/"+url.PathEscape(id), req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

type listResponse struct {
	Invoices  []billing.Invoice `json:"invoices"`
	NextAfter uint64            `json:"next_after"`
}

func (c *Client) ListInvoices(ctx context.Context, limit int, afterSeq uint64) ([]billing.Invoice, uint64, error) {
	path := "/v1/invoices?limit=" + strconv.Itoa(limit) + "&after=" + strconv.FormatUint(afterSeq, 10)
	var resp listResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Invoices, resp.NextAfter, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

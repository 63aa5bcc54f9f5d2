package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"

	"brokercore.org/internal/auth"
	"brokercore.org/internal/billing"
	"brokercore.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("BROKERCORE_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	svc := billing.NewService(billing.NewInMemory())
	api := New(ReadyProbe{}, "test", svc, stream.New())
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) put(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPut, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func bearerHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// seedLedger creates a policy with three owners and one March invoice;
// the lagged expectation for the fixture is 1500.00 / 3.
func (c *apiClient) seedLedger(token string) billing.Invoice {
	c.t.Helper()
	resp := c.post("/v1/policies", map[string]any{
		"policy_number":  "P-001",
		"t_premium":      "500",
		"tplus1_premium": "800",
		"tplusf_premium": "1200",
	}, bearerHeaders(token))
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create policy status %d", resp.StatusCode)
	}
	pol := decode[billing.Policy](c.t, resp)

	for _, id := range []string{"a1", "a2", "a3"} {
		resp := c.post("/v1/policies/"+pol.ID+"/affiliates", map[string]any{
			"affiliate_id":   id,
			"affiliate_type": "OWNER",
			"coverage_type":  "T",
			"added_at":       "2024-06-01T00:00:00Z",
		}, bearerHeaders(token))
		if resp.StatusCode != http.StatusCreated {
			c.t.Fatalf("enroll %s status %d", id, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp = c.post("/v1/invoices", map[string]any{
		"client_id":          "c-1",
		"client_name":        "Acme Group",
		"insurer_id":         "i-1",
		"insurer_name":       "Vitalia Seguros",
		"billing_cutoff_day": 20,
		"billing_period":     "2025-03",
		"policy_ids":         []string{pol.ID},
	}, bearerHeaders(token))
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create invoice status %d", resp.StatusCode)
	}
	return decode[billing.Invoice](c.t, resp)
}

func TestAPIInvoiceLifecycleFlow(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("ops-1", []string{"broker_agent"})
	inv := c.seedLedger(token)

	resp := c.post("/v1/invoices/"+inv.ID+"/validate", nil, bearerHeaders(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d", resp.StatusCode)
	}
	calced := decode[billing.Invoice](t, resp)
	if calced.ExpectedAmount == nil || !calced.ExpectedAmount.Equal(dec("1500")) {
		t.Fatalf("expected amount = %v", calced.ExpectedAmount)
	}
	if calced.Status != billing.StatusPending {
		t.Fatalf("calculation changed status to %s", calced.Status)
	}

	resp = c.put("/v1/invoices/"+inv.ID, map[string]any{
		"status":                 "VALIDATED",
		"total_amount":           "1500",
		"actual_affiliate_count": 3,
	}, bearerHeaders(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d", resp.StatusCode)
	}
	updated := decode[billing.Invoice](t, resp)
	if updated.Status != billing.StatusValidated {
		t.Fatalf("status = %s, want VALIDATED", updated.Status)
	}
	if updated.CountMatches == nil || !*updated.CountMatches {
		t.Error("count_matches not set")
	}

	resp = c.get("/v1/invoices", url.Values{"limit": {"10"}}, bearerHeaders(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", resp.StatusCode)
	}
	list := decode[struct {
		Invoices  []billing.Invoice `json:"invoices"`
		NextAfter uint64            `json:"next_after"`
	}](t, resp)
	if len(list.Invoices) != 1 || list.Invoices[0].ID != inv.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestAPIDiscrepancyOverridesRequestedStatus(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("ops-1", []string{"broker_manager"})
	inv := c.seedLedger(token)

	resp := c.post("/v1/invoices/"+inv.ID+"/validate", nil, bearerHeaders(token))
	resp.Body.Close()

	resp = c.put("/v1/invoices/"+inv.ID, map[string]any{
		"status":                 "VALIDATED",
		"total_amount":           "1750.25",
		"actual_affiliate_count": 2,
	}, bearerHeaders(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d", resp.StatusCode)
	}
	updated := decode[billing.Invoice](t, resp)
	if updated.Status != billing.StatusDiscrepancy {
		t.Fatalf("status = %s, want DISCREPANCY", updated.Status)
	}
}

func TestAPIValidationErrorsSurfaceFields(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("ops-1", []string{"broker_agent"})
	inv := c.seedLedger(token)

	// No calculation ran, so the transition requirements are unmet.
	resp := c.put("/v1/invoices/"+inv.ID, map[string]any{
		"status":                 "VALIDATED",
		"total_amount":           "1500",
		"actual_affiliate_count": 3,
	}, bearerHeaders(token))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] == "" || body["fields"] == nil {
		t.Fatalf("error body = %v", body)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/invoices", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
}

func TestAPIForbiddenRole(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("aff-1", []string{"affiliate"})
	resp := c.post("/v1/invoices", map[string]any{
		"client_id":      "c-1",
		"insurer_id":     "i-1",
		"billing_period": "2025-03",
	}, bearerHeaders(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAPIInvoiceNotFound(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("ops-1", []string{"broker_agent"})
	resp := c.get("/v1/invoices/missing", nil, bearerHeaders(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAPIPublicEndpoints(t *testing.T) {
	c := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		resp := c.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAPITokenValidation(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/auth/token", map[string]any{"user": "", "roles": []string{"admin"}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty user: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/auth/token", map[string]any{"user": "ops-1", "roles": []string{}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no roles: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.get("/v1/invoices", nil, bearerHeaders("garbage.token.here"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIMethodNotAllowed(t *testing.T) {
	c := newTestAPI(t)
	token := c.obtainToken("ops-1", []string{"broker_agent"})
	resp := c.do(http.MethodDelete, "/v1/invoices", nil, bearerHeaders(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if resp.Header.Get("Allow") == "" {
		t.Error("missing Allow header")
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

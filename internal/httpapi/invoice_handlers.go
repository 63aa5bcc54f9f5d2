package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brokercore.org/internal/auth"
	"brokercore.org/internal/billing"
	"brokercore.org/internal/stream"
)

func actorFromRequest(r *http.Request) billing.Actor {
	uid, _ := auth.UserIDFromContext(r.Context())
	return billing.Actor{UserID: uid, Roles: auth.RolesFromContext(r.Context())}
}

// /v1/invoices — collection: create and list.
func (a *API) handleInvoices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createInvoice(w, r)
	case http.MethodGet:
		a.listInvoices(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// /v1/invoices/{id}, /v1/invoices/{id}/validate, /v1/invoices/stream
func (a *API) handleInvoiceByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/invoices/")
	if rest == "stream" {
		a.Stream(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		switch r.Method {
		case http.MethodGet:
			a.getInvoice(w, r, parts[0])
		case http.MethodPut:
			a.updateInvoice(w, r, parts[0])
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
		}
	case len(parts) == 2 && parts[1] == "validate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.calculateInvoice(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (a *API) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := a.svc.CreateInvoice(r.Context(), actorFromRequest(r), req)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) listInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	after, _ := strconv.ParseUint(q.Get("after"), 10, 64)

	invoices, next, err := a.svc.ListInvoices(r.Context(), actorFromRequest(r), limit, after)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []billing.Invoice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invoices":   invoices,
		"next_after": next,
	})
}

func (a *API) getInvoice(w http.ResponseWriter, r *http.Request, id string) {
	inv, err := a.svc.GetInvoice(r.Context(), actorFromRequest(r), id)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) updateInvoice(w http.ResponseWriter, r *http.Request, id string) {
	var req billing.UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor := actorFromRequest(r)

	var fromStatus billing.InvoiceStatus
	if prev, err := a.svc.GetInvoice(r.Context(), actor, id); err == nil {
		fromStatus = prev.Status
	}

	inv, err := a.svc.Update(r.Context(), actor, id, req)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	if a.stream != nil && fromStatus != "" && inv.Status != fromStatus {
		a.stream.Publish(stream.InvoiceEvent{
			InvoiceID:      inv.ID,
			ClientName:     inv.ClientName,
			BillingPeriod:  inv.BillingPeriod,
			Kind:           stream.KindStatusChanged,
			FromStatus:     string(fromStatus),
			ToStatus:       string(inv.Status),
			ExpectedAmount: inv.ExpectedAmount,
			Timestamp:      time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) calculateInvoice(w http.ResponseWriter, r *http.Request, id string) {
	inv, err := a.svc.Calculate(r.Context(), actorFromRequest(r), id)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	if a.stream != nil {
		a.stream.Publish(stream.InvoiceEvent{
			InvoiceID:      inv.ID,
			ClientName:     inv.ClientName,
			BillingPeriod:  inv.BillingPeriod,
			Kind:           stream.KindCalculated,
			ToStatus:       string(inv.Status),
			ExpectedAmount: inv.ExpectedAmount,
			Timestamp:      time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, inv)
}

// --- policies ---

type createPolicyRequest struct {
	PolicyNumber  string          `json:"policy_number"`
	TPremium      decimal.Decimal `json:"t_premium"`
	TPlus1Premium decimal.Decimal `json:"tplus1_premium"`
	TPlusFPremium decimal.Decimal `json:"tplusf_premium"`
}

type addAffiliateRequest struct {
	AffiliateID          string     `json:"affiliate_id"`
	AffiliateType        string     `json:"affiliate_type"`
	CoverageType         string     `json:"coverage_type"`
	PreviousCoverageType *string    `json:"previous_coverage_type,omitempty"`
	TierChangedAt        *time.Time `json:"tier_changed_at,omitempty"`
	AddedAt              time.Time  `json:"added_at"`
	RemovedAt            *time.Time `json:"removed_at,omitempty"`
}

// /v1/policies — create one premium table row.
func (a *API) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pol, err := a.svc.CreatePolicy(r.Context(), actorFromRequest(r), &billing.Policy{
		PolicyNumber:  req.PolicyNumber,
		TPremium:      req.TPremium,
		TPlus1Premium: req.TPlus1Premium,
		TPlusFPremium: req.TPlusFPremium,
	})
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pol)
}

// /v1/policies/{id}/affiliates — append one enrollment interval.
func (a *API) handlePolicyByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/policies/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "affiliates" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req addAffiliateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e := &billing.Enrollment{
		PolicyID:      parts[0],
		AffiliateID:   req.AffiliateID,
		AffiliateType: billing.AffiliateType(strings.ToUpper(req.AffiliateType)),
		CoverageType:  billing.Tier(strings.ToUpper(req.CoverageType)),
		TierChangedAt: req.TierChangedAt,
		AddedAt:       req.AddedAt,
		RemovedAt:     req.RemovedAt,
	}
	if req.PreviousCoverageType != nil {
		t := billing.Tier(strings.ToUpper(*req.PreviousCoverageType))
		e.PreviousCoverageType = &t
	}
	enr, err := a.svc.AddEnrollment(r.Context(), actorFromRequest(r), e)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enr)
}

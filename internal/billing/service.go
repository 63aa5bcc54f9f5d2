package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"brokercore.org/internal/audit"
	"brokercore.org/internal/auth"
	"brokercore.org/internal/ids"
	"brokercore.org/internal/obs"
)

// amountTolerance is the fixed rounding tolerance between the expected and
// the insurer-reported amount when deriving VALIDATED vs DISCREPANCY.
var amountTolerance = decimal.NewFromInt(1)

// defaultCutoffDay is used when an insurer carries no cutoff. Day 31
// clamps to the last day of every month, i.e. a month-end snapshot.
const defaultCutoffDay = 31

// Actor is the resolved requesting user.
type Actor struct {
	UserID string
	Roles  []string
}

// IsBroker reports whether any of the actor's roles belongs to the
// broker-employee family.
func (a Actor) IsBroker() bool {
	for _, role := range a.Roles {
		if auth.IsBrokerRole(role) {
			return true
		}
	}
	return false
}

// Store is the persistence contract of the billing engine. Mutating
// methods that take an AuditRecord must persist it in the same transaction
// as the invoice write, all-or-nothing.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice, rec *AuditRecord) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, limit int, afterSeq uint64) ([]Invoice, uint64, error)

	CreatePolicy(ctx context.Context, p *Policy) error
	AddEnrollment(ctx context.Context, e *Enrollment) error
	PoliciesForInvoice(ctx context.Context, invoiceID string) ([]Policy, error)

	// Batched enrollment loads across all policies of the invoice,
	// grouped by policy id. One query each regardless of policy count.
	OwnersCoveringDate(ctx context.Context, invoiceID string, at time.Time) (map[string][]Enrollment, error)
	OwnersChangedWithin(ctx context.Context, invoiceID string, w Window) (map[string][]Enrollment, error)
	OwnersTierChangedWithin(ctx context.Context, invoiceID string, w Window) (map[string][]Enrollment, error)
	OwnersOverlapping(ctx context.Context, invoiceID string, start, end time.Time) (map[string][]Enrollment, error)

	SaveComputation(ctx context.Context, invoiceID string, result CalculationResult, rec *AuditRecord) error
	ApplyUpdate(ctx context.Context, inv *Invoice, rec *AuditRecord) error
}

// Service sequences authorization, validation, calculation and persistence
// for the invoice lifecycle.
type Service struct {
	store     Store
	blueprint Blueprint
	model     string
	cutoffDay int
}

// Option configures Service.
type Option func(*Service)

// WithModel selects the billing model ("lagged" or "prorata"). The two
// models produce different numbers for the same ledger and are never
// merged; a deployment picks one.
func WithModel(model string) Option {
	return func(s *Service) {
		if model == ModelProRata {
			s.model = ModelProRata
			return
		}
		s.model = ModelLagged
	}
}

// WithDefaultCutoffDay overrides the fallback cutoff day.
func WithDefaultCutoffDay(day int) Option {
	return func(s *Service) {
		if day >= 1 && day <= 31 {
			s.cutoffDay = day
		}
	}
}

// WithBlueprint injects a custom lifecycle blueprint.
func WithBlueprint(bp Blueprint) Option {
	return func(s *Service) { s.blueprint = bp }
}

// NewService constructs the orchestration service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		blueprint: DefaultBlueprint(),
		model:     ModelLagged,
		cutoffDay: defaultCutoffDay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the configured billing model.
func (s *Service) Model() string { return s.model }

// CreateInvoiceRequest creates one invoice for (client, insurer, period)
// with the given enrolled policies.
type CreateInvoiceRequest struct {
	ClientID             string           `json:"client_id"`
	ClientName           string           `json:"client_name"`
	InsurerID            string           `json:"insurer_id"`
	InsurerName          string           `json:"insurer_name"`
	BillingCutoffDay     int              `json:"billing_cutoff_day"`
	BillingPeriod        string           `json:"billing_period"`
	TotalAmount          *decimal.Decimal `json:"total_amount,omitempty"`
	ActualAffiliateCount *int             `json:"actual_affiliate_count,omitempty"`
	IssueDate            *time.Time       `json:"issue_date,omitempty"`
	DueDate              *time.Time       `json:"due_date,omitempty"`
	PolicyIDs            []string         `json:"policy_ids"`
}

// CreateInvoice registers a new PENDING invoice.
func (s *Service) CreateInvoice(ctx context.Context, actor Actor, req CreateInvoiceRequest) (*Invoice, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	if !actor.IsBroker() {
		return nil, ErrForbidden
	}
	if req.ClientID == "" || req.InsurerID == "" {
		return nil, NewRuleError("client_id and insurer_id are required")
	}
	period, err := ParseBillingPeriod(req.BillingPeriod)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inv := &Invoice{
		ID:                   ids.New(),
		ClientID:             req.ClientID,
		ClientName:           req.ClientName,
		InsurerID:            req.InsurerID,
		InsurerName:          req.InsurerName,
		BillingCutoffDay:     req.BillingCutoffDay,
		BillingPeriod:        period.String(),
		Status:               StatusPending,
		PaymentStatus:        PaymentUnpaid,
		TotalAmount:          cloneDecimal(req.TotalAmount),
		ActualAffiliateCount: cloneInt(req.ActualAffiliateCount),
		IssueDate:            cloneTime(req.IssueDate),
		DueDate:              cloneTime(req.DueDate),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	for _, policyID := range req.PolicyIDs {
		inv.Policies = append(inv.Policies, InvoicePolicy{
			InvoiceID: inv.ID,
			PolicyID:  policyID,
			AddedAt:   now,
		})
	}

	rec := &AuditRecord{
		ID:           ids.New(),
		OccurredAt:   now,
		ActorUserID:  actor.UserID,
		Action:       "invoice.create",
		ResourceType: "invoice",
		ResourceID:   inv.ID,
		After:        invoiceSnapshot(inv),
		Metadata:     map[string]string{"billing_period": inv.BillingPeriod},
	}
	if err := s.store.CreateInvoice(ctx, inv, rec); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "invoice.create", map[string]any{
		"invoice_id":     inv.ID,
		"billing_period": inv.BillingPeriod,
	})
	return s.store.GetInvoice(ctx, inv.ID)
}

// GetInvoice loads one invoice with relations.
func (s *Service) GetInvoice(ctx context.Context, actor Actor, id string) (*Invoice, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	if !actor.IsBroker() {
		return nil, ErrForbidden
	}
	return s.store.GetInvoice(ctx, id)
}

// ListInvoices pages invoices by insertion sequence.
func (s *Service) ListInvoices(ctx context.Context, actor Actor, limit int, afterSeq uint64) ([]Invoice, uint64, error) {
	if actor.UserID == "" {
		return nil, 0, ErrUnauthorized
	}
	if !actor.IsBroker() {
		return nil, 0, ErrForbidden
	}
	return s.store.ListInvoices(ctx, limit, afterSeq)
}

// CreatePolicy registers a premium table row.
func (s *Service) CreatePolicy(ctx context.Context, actor Actor, p *Policy) (*Policy, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	if !actor.IsBroker() {
		return nil, ErrForbidden
	}
	if p.PolicyNumber == "" {
		return nil, NewRuleError("policy_number is required")
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.CreatedAt = time.Now().UTC()
	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddEnrollment appends one interval to the enrollment ledger.
func (s *Service) AddEnrollment(ctx context.Context, actor Actor, e *Enrollment) (*Enrollment, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	if !actor.IsBroker() {
		return nil, ErrForbidden
	}
	if e.PolicyID == "" || e.AffiliateID == "" {
		return nil, NewRuleError("policy_id and affiliate_id are required")
	}
	if e.AffiliateType == "" {
		e.AffiliateType = AffiliateOwner
	}
	if e.AddedAt.IsZero() {
		return nil, NewRuleError("added_at is required")
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if err := s.store.AddEnrollment(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Calculate runs the configured billing model for the invoice and persists
// the expected figures. Status is never touched; reviewers finalize via
// Update afterwards. Recomputation is a pure overwrite, so repeated calls
// with an unchanged ledger are idempotent.
func (s *Service) Calculate(ctx context.Context, actor Actor, invoiceID string) (*Invoice, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}
	if !actor.IsBroker() {
		return nil, ErrForbidden
	}

	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusCancelled {
		return nil, NewRuleError("cannot calculate a cancelled invoice")
	}
	period, err := ParseBillingPeriod(inv.BillingPeriod)
	if err != nil {
		return nil, err
	}
	policies, err := s.store.PoliciesForInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		obs.CountCalculation(s.model, "rejected")
		return nil, NewRuleError("invoice has no enrolled policies to calculate")
	}

	result, err := s.compute(ctx, inv, policies, period)
	if err != nil {
		obs.CountCalculation(s.model, "error")
		return nil, err
	}

	rec := &AuditRecord{
		ID:           ids.New(),
		OccurredAt:   time.Now().UTC(),
		ActorUserID:  actor.UserID,
		Action:       "invoice.calculate",
		ResourceType: "invoice",
		ResourceID:   inv.ID,
		Before:       invoiceSnapshot(inv),
		Metadata: map[string]string{
			"model":           result.Model,
			"expected_amount": result.ExpectedAmount.StringFixed(2),
			"expected_count":  fmt.Sprintf("%d", result.ExpectedAffiliateCount),
		},
	}
	if err := s.store.SaveComputation(ctx, inv.ID, result, rec); err != nil {
		obs.CountCalculation(s.model, "error")
		return nil, err
	}
	obs.CountCalculation(s.model, "ok")
	_ = audit.LogEvent(ctx, "invoice.calculate", map[string]any{
		"invoice_id":      inv.ID,
		"model":           result.Model,
		"expected_amount": result.ExpectedAmount.StringFixed(2),
		"expected_count":  result.ExpectedAffiliateCount,
	})
	return s.store.GetInvoice(ctx, inv.ID)
}

func (s *Service) compute(ctx context.Context, inv *Invoice, policies []Policy, period BillingPeriod) (CalculationResult, error) {
	result := CalculationResult{Model: s.model}

	switch s.model {
	case ModelProRata:
		owners, err := s.store.OwnersOverlapping(ctx, inv.ID, period.Start(), period.End())
		if err != nil {
			return CalculationResult{}, err
		}
		calc := ProRataCalculator{}
		for _, p := range policies {
			comp, err := calc.ComputePolicy(p, owners[p.ID], period)
			if err != nil {
				return CalculationResult{}, err
			}
			result.Policies = append(result.Policies, comp)
		}
	default:
		cutoff := inv.BillingCutoffDay
		if cutoff < 1 {
			cutoff = s.cutoffDay
		}
		baseCutoff, window := LaggedWindows(period, cutoff)
		atCutoff, err := s.store.OwnersCoveringDate(ctx, inv.ID, baseCutoff)
		if err != nil {
			return CalculationResult{}, err
		}
		changed, err := s.store.OwnersChangedWithin(ctx, inv.ID, window)
		if err != nil {
			return CalculationResult{}, err
		}
		tierChanged, err := s.store.OwnersTierChangedWithin(ctx, inv.ID, window)
		if err != nil {
			return CalculationResult{}, err
		}
		calc := LaggedCalculator{CutoffDay: cutoff}
		for _, p := range policies {
			comp, err := calc.ComputePolicy(p, LaggedInputs{
				AtCutoff:            atCutoff[p.ID],
				ChangedInWindow:     changed[p.ID],
				TierChangedInWindow: tierChanged[p.ID],
			}, period)
			if err != nil {
				return CalculationResult{}, err
			}
			result.Policies = append(result.Policies, comp)
		}
	}

	for _, comp := range result.Policies {
		result.ExpectedAmount = result.ExpectedAmount.Add(comp.ExpectedAmount)
		result.ExpectedAffiliateCount += comp.ExpectedAffiliateCount
	}
	result.ExpectedAmount = result.ExpectedAmount.Round(2)
	return result, nil
}

// Update is the strict nine-step edit algorithm. Every validation failure
// aborts before any write; the persist is one transaction with the audit
// row. When the target status is VALIDATED or DISCREPANCY the persisted
// status is re-derived from the calculated-vs-actual comparison and the
// caller's requested status never wins over the derived one.
func (s *Service) Update(ctx context.Context, actor Actor, invoiceID string, req UpdateRequest) (*Invoice, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthorized
	}

	current, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	if !s.blueprint.CanEdit(actor.Roles, current.Status) {
		return nil, ErrForbidden
	}

	if forbidden := s.blueprint.ForbiddenFields(req.ChangedFields(), current.Status); len(forbidden) > 0 {
		return nil, NewRuleError(fmt.Sprintf("fields not editable while %s", current.Status), forbidden...)
	}

	transition := false
	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, NewRuleError(fmt.Sprintf("unknown status %q", *req.Status), FieldStatus)
		}
		if *req.Status != current.Status {
			transition = true
			if !s.blueprint.CanTransition(current.Status, *req.Status) {
				return nil, NewRuleError(fmt.Sprintf("cannot transition from %s to %s", current.Status, *req.Status), FieldStatus)
			}
			if missing := s.blueprint.MissingRequirements(current, req, *req.Status); len(missing) > 0 {
				return nil, NewRuleError(fmt.Sprintf("missing requirements for transition to %s", *req.Status), missing...)
			}
		}
	}
	if req.PaymentStatus != nil && !req.PaymentStatus.Valid() {
		return nil, NewRuleError(fmt.Sprintf("unknown payment status %q", *req.PaymentStatus), FieldPaymentStatus)
	}
	if req.BillingPeriod != nil {
		if _, err := ParseBillingPeriod(*req.BillingPeriod); err != nil {
			return nil, err
		}
	}

	merged := current.Clone()
	req.applyTo(merged)
	merged.UpdatedAt = time.Now().UTC()

	target := current.Status
	if req.Status != nil {
		target = *req.Status
	}
	requested := target

	if target == StatusValidated || target == StatusDiscrepancy {
		if missing := validationInputsMissing(merged); len(missing) > 0 {
			return nil, NewRuleError("validation inputs are not populated", missing...)
		}
		countMatches := *merged.ExpectedAffiliateCount == *merged.ActualAffiliateCount
		amountMatches := merged.ExpectedAmount.Sub(*merged.TotalAmount).Abs().Cmp(amountTolerance) <= 0
		derived := StatusDiscrepancy
		if countMatches && amountMatches {
			derived = StatusValidated
		}
		merged.CountMatches = &countMatches
		merged.AmountMatches = &amountMatches
		merged.Status = derived
		if derived != requested {
			obs.Info("invoice.status_override", map[string]any{
				"invoice_id": current.ID,
				"requested":  string(requested),
				"derived":    string(derived),
			})
		}
	} else if transition {
		merged.Status = *req.Status
	}

	meta := map[string]string{}
	for _, role := range actor.Roles {
		if auth.IsBrokerRole(role) {
			meta["role"] = role
			break
		}
	}
	if merged.Status != current.Status {
		meta["transition"] = fmt.Sprintf("%s->%s", current.Status, merged.Status)
	}
	if requested != merged.Status && (requested == StatusValidated || requested == StatusDiscrepancy) {
		meta["requested_status"] = string(requested)
	}
	rec := &AuditRecord{
		ID:           ids.New(),
		OccurredAt:   merged.UpdatedAt,
		ActorUserID:  actor.UserID,
		Action:       "invoice.update",
		ResourceType: "invoice",
		ResourceID:   current.ID,
		Before:       invoiceSnapshot(current),
		After:        invoiceSnapshot(merged),
		Metadata:     meta,
	}

	if err := s.store.ApplyUpdate(ctx, merged, rec); err != nil {
		return nil, err
	}
	if merged.Status != current.Status {
		obs.CountTransition(string(current.Status), string(merged.Status))
	}
	_ = audit.LogEvent(ctx, "invoice.update", map[string]any{
		"invoice_id": current.ID,
		"from":       string(current.Status),
		"to":         string(merged.Status),
	})
	return s.store.GetInvoice(ctx, current.ID)
}

func validationInputsMissing(inv *Invoice) []string {
	var missing []string
	if inv.ExpectedAmount == nil {
		missing = append(missing, FieldExpectedAmount)
	}
	if inv.ExpectedAffiliateCount == nil {
		missing = append(missing, FieldExpectedAffiliateCount)
	}
	if inv.TotalAmount == nil {
		missing = append(missing, FieldTotalAmount)
	}
	if inv.ActualAffiliateCount == nil {
		missing = append(missing, FieldActualAffiliateCount)
	}
	return missing
}

// invoiceSnapshot serializes the scalar state of an invoice for the audit
// trail. Policy breakdowns are reproducible from the calculation inputs
// and stay out of the snapshot.
func invoiceSnapshot(inv *Invoice) json.RawMessage {
	trimmed := inv.Clone()
	trimmed.Policies = nil
	raw, err := json.Marshal(trimmed)
	if err != nil {
		return nil
	}
	return raw
}

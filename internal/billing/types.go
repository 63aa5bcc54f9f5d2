package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	StatusPending     InvoiceStatus = "PENDING"
	StatusValidated   InvoiceStatus = "VALIDATED"
	StatusDiscrepancy InvoiceStatus = "DISCREPANCY"
	StatusCancelled   InvoiceStatus = "CANCELLED"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusPending, StatusValidated, StatusDiscrepancy, StatusCancelled:
		return true
	}
	return false
}

// PaymentStatus tracks settlement independently of the lifecycle state.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "UNPAID"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
)

// Valid reports whether the payment status is known.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentUnpaid, PaymentPartial, PaymentPaid:
		return true
	}
	return false
}

// Tier is a coverage tier. Each tier has its own premium on a policy;
// dependents ride on the owner's tier price.
type Tier string

const (
	TierT      Tier = "T"      // self only
	TierTPlus1 Tier = "TPLUS1" // self + 1
	TierTPlusF Tier = "TPLUSF" // self + family
)

// Tiers lists the coverage tiers in canonical order.
var Tiers = []Tier{TierT, TierTPlus1, TierTPlusF}

// AffiliateType distinguishes billed owners from dependents.
type AffiliateType string

const (
	AffiliateOwner     AffiliateType = "OWNER"
	AffiliateDependent AffiliateType = "DEPENDENT"
)

// Billing model identifiers. Stored in every breakdown so the JSON is
// self-describing.
const (
	ModelLagged  = "lagged"
	ModelProRata = "prorata"
)

// Invoice is one billing document per (client, insurer, billing period).
// ClientName, InsurerName and BillingCutoffDay are denormalized for the
// API response and the calculator.
type Invoice struct {
	ID                     string           `json:"id"`
	Sequence               uint64           `json:"sequence"`
	ClientID               string           `json:"client_id"`
	ClientName             string           `json:"client_name"`
	InsurerID              string           `json:"insurer_id"`
	InsurerName            string           `json:"insurer_name"`
	BillingCutoffDay       int              `json:"billing_cutoff_day"`
	BillingPeriod          string           `json:"billing_period"`
	Status                 InvoiceStatus    `json:"status"`
	PaymentStatus          PaymentStatus    `json:"payment_status"`
	TotalAmount            *decimal.Decimal `json:"total_amount"`
	ActualAffiliateCount   *int             `json:"actual_affiliate_count"`
	ExpectedAmount         *decimal.Decimal `json:"expected_amount"`
	ExpectedAffiliateCount *int             `json:"expected_affiliate_count"`
	CountMatches           *bool            `json:"count_matches"`
	AmountMatches          *bool            `json:"amount_matches"`
	DiscrepancyNotes       string           `json:"discrepancy_notes"`
	IssueDate              *time.Time       `json:"issue_date"`
	DueDate                *time.Time       `json:"due_date"`
	PaymentDate            *time.Time       `json:"payment_date"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
	Policies               []InvoicePolicy  `json:"policies"`
}

// Clone returns a deep copy. Used to build before/after snapshots and the
// merged (current ∪ update) entity without mutating the loaded row.
func (inv *Invoice) Clone() *Invoice {
	out := *inv
	out.TotalAmount = cloneDecimal(inv.TotalAmount)
	out.ActualAffiliateCount = cloneInt(inv.ActualAffiliateCount)
	out.ExpectedAmount = cloneDecimal(inv.ExpectedAmount)
	out.ExpectedAffiliateCount = cloneInt(inv.ExpectedAffiliateCount)
	out.CountMatches = cloneBool(inv.CountMatches)
	out.AmountMatches = cloneBool(inv.AmountMatches)
	out.IssueDate = cloneTime(inv.IssueDate)
	out.DueDate = cloneTime(inv.DueDate)
	out.PaymentDate = cloneTime(inv.PaymentDate)
	if inv.Policies != nil {
		out.Policies = make([]InvoicePolicy, len(inv.Policies))
		for i, ip := range inv.Policies {
			out.Policies[i] = ip.clone()
		}
	}
	return &out
}

// InvoicePolicy links an invoice to one enrolled policy and carries the
// per-policy calculation output. Recomputed wholesale on every run.
type InvoicePolicy struct {
	InvoiceID              string           `json:"-"`
	PolicyID               string           `json:"policy_id"`
	PolicyNumber           string           `json:"policy_number"`
	ExpectedAmount         *decimal.Decimal `json:"expected_amount"`
	ExpectedAffiliateCount *int             `json:"expected_affiliate_count"`
	ExpectedBreakdown      json.RawMessage  `json:"expected_breakdown"`
	AddedAt                time.Time        `json:"added_at"`
}

func (ip InvoicePolicy) clone() InvoicePolicy {
	out := ip
	out.ExpectedAmount = cloneDecimal(ip.ExpectedAmount)
	out.ExpectedAffiliateCount = cloneInt(ip.ExpectedAffiliateCount)
	if ip.ExpectedBreakdown != nil {
		out.ExpectedBreakdown = append(json.RawMessage(nil), ip.ExpectedBreakdown...)
	}
	return out
}

// Policy carries the tier premium table. Read-only input to the calculator.
// A zero premium means the tier is not configured for the policy.
type Policy struct {
	ID            string          `json:"id"`
	PolicyNumber  string          `json:"policy_number"`
	TPremium      decimal.Decimal `json:"t_premium"`
	TPlus1Premium decimal.Decimal `json:"tplus1_premium"`
	TPlusFPremium decimal.Decimal `json:"tplusf_premium"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Premium returns the configured premium for the tier. The second return
// is false for an unknown tier or an unconfigured (zero) premium.
func (p Policy) Premium(tier Tier) (decimal.Decimal, bool) {
	var prem decimal.Decimal
	switch tier {
	case TierT:
		prem = p.TPremium
	case TierTPlus1:
		prem = p.TPlus1Premium
	case TierTPlusF:
		prem = p.TPlusFPremium
	default:
		return decimal.Zero, false
	}
	if prem.IsZero() {
		return decimal.Zero, false
	}
	return prem, true
}

// Enrollment is one PolicyAffiliate row: the enrollment interval of an
// affiliate on a policy, open-ended while RemovedAt is nil. Only OWNER
// rows affect billing.
type Enrollment struct {
	ID                   string        `json:"id"`
	PolicyID             string        `json:"policy_id"`
	AffiliateID          string        `json:"affiliate_id"`
	AffiliateType        AffiliateType `json:"affiliate_type"`
	CoverageType         Tier          `json:"coverage_type"`
	PreviousCoverageType *Tier         `json:"previous_coverage_type,omitempty"`
	TierChangedAt        *time.Time    `json:"tier_changed_at,omitempty"`
	AddedAt              time.Time     `json:"added_at"`
	RemovedAt            *time.Time    `json:"removed_at,omitempty"`
}

// IsOwner reports whether the enrollment is billed directly.
func (e Enrollment) IsOwner() bool { return e.AffiliateType == AffiliateOwner }

// AuditRecord is the durable append-only trail row written in the same
// transaction as every invoice mutation.
type AuditRecord struct {
	ID           string            `json:"id"`
	OccurredAt   time.Time         `json:"occurred_at"`
	ActorUserID  string            `json:"actor_user_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Before       json.RawMessage   `json:"before,omitempty"`
	After        json.RawMessage   `json:"after,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Sentinel errors surfaced through the service boundary.
var (
	ErrNotFound     = errors.New("billing: invoice not found")
	ErrUnauthorized = errors.New("billing: unauthorized")
	ErrForbidden    = errors.New("billing: forbidden")
)

// RuleError is a domain-rule violation (BadRequest at the HTTP boundary).
// Fields names the offending fields where applicable.
type RuleError struct {
	Reason string
	Fields []string
}

func (e *RuleError) Error() string {
	if len(e.Fields) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Fields, ", "))
}

// NewRuleError builds a RuleError with optional offending fields.
func NewRuleError(reason string, fields ...string) *RuleError {
	return &RuleError{Reason: reason, Fields: fields}
}

// Editable field names. These are the names the blueprint matrices, the
// update request and the HTTP API share.
const (
	FieldStatus                 = "status"
	FieldPaymentStatus          = "payment_status"
	FieldBillingPeriod          = "billing_period"
	FieldTotalAmount            = "total_amount"
	FieldActualAffiliateCount   = "actual_affiliate_count"
	FieldExpectedAmount         = "expected_amount"
	FieldExpectedAffiliateCount = "expected_affiliate_count"
	FieldDiscrepancyNotes       = "discrepancy_notes"
	FieldIssueDate              = "issue_date"
	FieldDueDate                = "due_date"
	FieldPaymentDate            = "payment_date"
)

// UpdateRequest is a partial invoice update. Nil pointers mean "leave
// unchanged"; Status is validated separately from the field matrices.
type UpdateRequest struct {
	Status               *InvoiceStatus   `json:"status,omitempty"`
	PaymentStatus        *PaymentStatus   `json:"payment_status,omitempty"`
	BillingPeriod        *string          `json:"billing_period,omitempty"`
	TotalAmount          *decimal.Decimal `json:"total_amount,omitempty"`
	ActualAffiliateCount *int             `json:"actual_affiliate_count,omitempty"`
	DiscrepancyNotes     *string          `json:"discrepancy_notes,omitempty"`
	IssueDate            *time.Time       `json:"issue_date,omitempty"`
	DueDate              *time.Time       `json:"due_date,omitempty"`
	PaymentDate          *time.Time       `json:"payment_date,omitempty"`
}

// ChangedFields lists the non-status fields present in the request.
func (r UpdateRequest) ChangedFields() []string {
	var fields []string
	if r.PaymentStatus != nil {
		fields = append(fields, FieldPaymentStatus)
	}
	if r.BillingPeriod != nil {
		fields = append(fields, FieldBillingPeriod)
	}
	if r.TotalAmount != nil {
		fields = append(fields, FieldTotalAmount)
	}
	if r.ActualAffiliateCount != nil {
		fields = append(fields, FieldActualAffiliateCount)
	}
	if r.DiscrepancyNotes != nil {
		fields = append(fields, FieldDiscrepancyNotes)
	}
	if r.IssueDate != nil {
		fields = append(fields, FieldIssueDate)
	}
	if r.DueDate != nil {
		fields = append(fields, FieldDueDate)
	}
	if r.PaymentDate != nil {
		fields = append(fields, FieldPaymentDate)
	}
	return fields
}

// applyTo merges the non-status part of the request into the invoice.
func (r UpdateRequest) applyTo(inv *Invoice) {
	if r.PaymentStatus != nil {
		inv.PaymentStatus = *r.PaymentStatus
	}
	if r.BillingPeriod != nil {
		inv.BillingPeriod = *r.BillingPeriod
	}
	if r.TotalAmount != nil {
		inv.TotalAmount = cloneDecimal(r.TotalAmount)
	}
	if r.ActualAffiliateCount != nil {
		inv.ActualAffiliateCount = cloneInt(r.ActualAffiliateCount)
	}
	if r.DiscrepancyNotes != nil {
		inv.DiscrepancyNotes = *r.DiscrepancyNotes
	}
	if r.IssueDate != nil {
		inv.IssueDate = cloneTime(r.IssueDate)
	}
	if r.DueDate != nil {
		inv.DueDate = cloneTime(r.DueDate)
	}
	if r.PaymentDate != nil {
		inv.PaymentDate = cloneTime(r.PaymentDate)
	}
}

// PolicyComputation is the calculator output for a single enrolled policy.
type PolicyComputation struct {
	PolicyID               string
	ExpectedAmount         decimal.Decimal
	ExpectedAffiliateCount int
	Breakdown              json.RawMessage
}

// CalculationResult aggregates the per-policy computations for one invoice.
type CalculationResult struct {
	Model                  string
	ExpectedAmount         decimal.Decimal
	ExpectedAffiliateCount int
	Policies               []PolicyComputation
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

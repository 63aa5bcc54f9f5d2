package billing

import (
	"strings"

	"brokercore.org/internal/auth"
)

// Blueprint is the declarative lifecycle configuration: who may edit in
// which status, which fields each status allows, which transitions exist
// and what must be populated before entering a status. It is plain data so
// the rules can be audited and tested independently of the service.
type Blueprint struct {
	// EditRoles maps a status to the roles allowed to edit invoices in it.
	EditRoles map[InvoiceStatus][]string
	// EditableFields maps a status to the non-status fields editable in it.
	EditableFields map[InvoiceStatus][]string
	// Transitions is the directed edge set of the status graph.
	Transitions map[InvoiceStatus][]InvoiceStatus
	// Requirements lists fields that must be non-null on the merged entity
	// before a transition into the keyed status.
	Requirements map[InvoiceStatus][]string
}

// DefaultBlueprint returns the production lifecycle rules.
func DefaultBlueprint() Blueprint {
	brokerFamily := []string{auth.RoleAdmin, auth.RoleBrokerManager, auth.RoleBrokerAgent}
	elevated := []string{auth.RoleAdmin, auth.RoleBrokerManager}
	return Blueprint{
		EditRoles: map[InvoiceStatus][]string{
			StatusPending:     brokerFamily,
			StatusValidated:   brokerFamily,
			StatusDiscrepancy: brokerFamily,
			StatusCancelled:   elevated,
		},
		EditableFields: map[InvoiceStatus][]string{
			StatusPending: {
				FieldBillingPeriod,
				FieldTotalAmount,
				FieldActualAffiliateCount,
				FieldIssueDate,
				FieldDueDate,
				FieldDiscrepancyNotes,
			},
			StatusValidated: {
				FieldPaymentStatus,
				FieldPaymentDate,
				FieldDueDate,
				FieldDiscrepancyNotes,
			},
			StatusDiscrepancy: {
				FieldTotalAmount,
				FieldActualAffiliateCount,
				FieldDueDate,
				FieldDiscrepancyNotes,
			},
			StatusCancelled: {
				FieldDiscrepancyNotes,
			},
		},
		Transitions: map[InvoiceStatus][]InvoiceStatus{
			StatusPending:     {StatusValidated, StatusDiscrepancy, StatusCancelled},
			StatusValidated:   {StatusDiscrepancy, StatusCancelled},
			StatusDiscrepancy: {StatusValidated, StatusCancelled},
			StatusCancelled:   {},
		},
		Requirements: map[InvoiceStatus][]string{
			StatusValidated: {
				FieldExpectedAmount,
				FieldExpectedAffiliateCount,
				FieldTotalAmount,
				FieldActualAffiliateCount,
			},
			StatusDiscrepancy: {
				FieldExpectedAmount,
				FieldExpectedAffiliateCount,
				FieldTotalAmount,
				FieldActualAffiliateCount,
			},
		},
	}
}

// CanEdit reports whether any of the given roles may edit an invoice in
// the current status.
func (b Blueprint) CanEdit(roles []string, status InvoiceStatus) bool {
	allowed := b.EditRoles[status]
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		for _, a := range allowed {
			if role == a {
				return true
			}
		}
	}
	return false
}

// ForbiddenFields returns the subset of fieldsBeingChanged that the
// current status does not allow. Status itself is validated separately.
func (b Blueprint) ForbiddenFields(fieldsBeingChanged []string, status InvoiceStatus) []string {
	editable := b.EditableFields[status]
	allowed := make(map[string]struct{}, len(editable))
	for _, f := range editable {
		allowed[f] = struct{}{}
	}
	var forbidden []string
	for _, f := range fieldsBeingChanged {
		if _, ok := allowed[f]; !ok {
			forbidden = append(forbidden, f)
		}
	}
	return forbidden
}

// CanTransition reports whether the edge from→to exists in the graph.
func (b Blueprint) CanTransition(from, to InvoiceStatus) bool {
	for _, next := range b.Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MissingRequirements returns the fields still null on the merged
// (current ∪ update) entity that the target status requires.
func (b Blueprint) MissingRequirements(current *Invoice, updates UpdateRequest, target InvoiceStatus) []string {
	merged := current.Clone()
	updates.applyTo(merged)

	var missing []string
	for _, field := range b.Requirements[target] {
		if !fieldPresent(merged, field) {
			missing = append(missing, field)
		}
	}
	return missing
}

func fieldPresent(inv *Invoice, field string) bool {
	switch field {
	case FieldExpectedAmount:
		return inv.ExpectedAmount != nil
	case FieldExpectedAffiliateCount:
		return inv.ExpectedAffiliateCount != nil
	case FieldTotalAmount:
		return inv.TotalAmount != nil
	case FieldActualAffiliateCount:
		return inv.ActualAffiliateCount != nil
	case FieldBillingPeriod:
		return strings.TrimSpace(inv.BillingPeriod) != ""
	case FieldIssueDate:
		return inv.IssueDate != nil
	case FieldDueDate:
		return inv.DueDate != nil
	case FieldPaymentDate:
		return inv.PaymentDate != nil
	case FieldDiscrepancyNotes:
		return strings.TrimSpace(inv.DiscrepancyNotes) != ""
	}
	return false
}

package billing

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// InMemory is a mutex-guarded Store for tests and local development. It
// mirrors the transactional guarantees of the SQL store closely enough for
// the service layer: every mutation lands together with its audit record
// or not at all.
type InMemory struct {
	mu          sync.Mutex
	seq         uint64
	invoices    map[string]*Invoice
	policies    map[string]*Policy
	enrollments map[string][]Enrollment // keyed by policy id
	auditTrail  []AuditRecord
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		invoices:    map[string]*Invoice{},
		policies:    map[string]*Policy{},
		enrollments: map[string][]Enrollment{},
	}
}

func (s *InMemory) CreateInvoice(ctx context.Context, inv *Invoice, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ip := range inv.Policies {
		if _, ok := s.policies[ip.PolicyID]; !ok {
			return NewRuleError("unknown policy " + ip.PolicyID)
		}
	}
	s.seq++
	stored := inv.Clone()
	stored.Sequence = s.seq
	for i := range stored.Policies {
		stored.Policies[i].PolicyNumber = s.policies[stored.Policies[i].PolicyID].PolicyNumber
	}
	s.invoices[stored.ID] = stored
	inv.Sequence = stored.Sequence
	if rec != nil {
		s.auditTrail = append(s.auditTrail, *rec)
	}
	return nil
}

func (s *InMemory) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inv.Clone(), nil
}

func (s *InMemory) ListInvoices(ctx context.Context, limit int, afterSeq uint64) ([]Invoice, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}

	ordered := make([]*Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		if inv.Sequence > afterSeq {
			ordered = append(ordered, inv)
		}
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].Sequence < ordered[i].Sequence {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}

	out := make([]Invoice, 0, len(ordered))
	var last uint64
	for _, inv := range ordered {
		out = append(out, *inv.Clone())
		last = inv.Sequence
	}
	return out, last, nil
}

func (s *InMemory) CreatePolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *InMemory) AddEnrollment(ctx context.Context, e *Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[e.PolicyID]; !ok {
		return NewRuleError("unknown policy " + e.PolicyID)
	}
	s.enrollments[e.PolicyID] = append(s.enrollments[e.PolicyID], *e)
	return nil
}

func (s *InMemory) PoliciesForInvoice(ctx context.Context, invoiceID string) ([]Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Policy, 0, len(inv.Policies))
	for _, ip := range inv.Policies {
		if p, ok := s.policies[ip.PolicyID]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *InMemory) OwnersCoveringDate(ctx context.Context, invoiceID string, at time.Time) (map[string][]Enrollment, error) {
	return s.collect(invoiceID, func(e Enrollment) bool {
		return e.IsOwner() && e.coversDate(at)
	})
}

func (s *InMemory) OwnersChangedWithin(ctx context.Context, invoiceID string, w Window) (map[string][]Enrollment, error) {
	return s.collect(invoiceID, func(e Enrollment) bool {
		if !e.IsOwner() {
			return false
		}
		if w.Contains(e.AddedAt) {
			return true
		}
		return e.RemovedAt != nil && w.Contains(*e.RemovedAt)
	})
}

func (s *InMemory) OwnersTierChangedWithin(ctx context.Context, invoiceID string, w Window) (map[string][]Enrollment, error) {
	return s.collect(invoiceID, func(e Enrollment) bool {
		return e.IsOwner() && e.TierChangedAt != nil && w.Contains(*e.TierChangedAt)
	})
}

func (s *InMemory) OwnersOverlapping(ctx context.Context, invoiceID string, start, end time.Time) (map[string][]Enrollment, error) {
	return s.collect(invoiceID, func(e Enrollment) bool {
		if !e.IsOwner() {
			return false
		}
		if dateOnly(e.AddedAt).After(dateOnly(end)) {
			return false
		}
		return e.RemovedAt == nil || !dateOnly(*e.RemovedAt).Before(dateOnly(start))
	})
}

func (s *InMemory) collect(invoiceID string, keep func(Enrollment) bool) (map[string][]Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := map[string][]Enrollment{}
	for _, ip := range inv.Policies {
		for _, e := range s.enrollments[ip.PolicyID] {
			if keep(e) {
				out[ip.PolicyID] = append(out[ip.PolicyID], e)
			}
		}
	}
	return out, nil
}

func (s *InMemory) SaveComputation(ctx context.Context, invoiceID string, result CalculationResult, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	byPolicy := make(map[string]PolicyComputation, len(result.Policies))
	for _, comp := range result.Policies {
		byPolicy[comp.PolicyID] = comp
	}
	for i := range inv.Policies {
		comp, ok := byPolicy[inv.Policies[i].PolicyID]
		if !ok {
			continue
		}
		amount := comp.ExpectedAmount
		count := comp.ExpectedAffiliateCount
		inv.Policies[i].ExpectedAmount = &amount
		inv.Policies[i].ExpectedAffiliateCount = &count
		inv.Policies[i].ExpectedBreakdown = append(json.RawMessage(nil), comp.Breakdown...)
	}
	total := result.ExpectedAmount
	count := result.ExpectedAffiliateCount
	inv.ExpectedAmount = &total
	inv.ExpectedAffiliateCount = &count
	inv.UpdatedAt = time.Now().UTC()
	if rec != nil {
		s.auditTrail = append(s.auditTrail, *rec)
	}
	return nil
}

func (s *InMemory) ApplyUpdate(ctx context.Context, inv *Invoice, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.invoices[inv.ID]
	if !ok {
		return ErrNotFound
	}
	stored := inv.Clone()
	stored.Sequence = current.Sequence
	stored.Policies = current.Policies
	s.invoices[inv.ID] = stored
	if rec != nil {
		s.auditTrail = append(s.auditTrail, *rec)
	}
	return nil
}

// AuditTrail returns a copy of the recorded audit rows, oldest first.
func (s *InMemory) AuditTrail() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.auditTrail))
	copy(out, s.auditTrail)
	return out
}

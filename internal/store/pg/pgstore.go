package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"brokercore.org/internal/billing"
)

type Store struct {
	db *sql.DB
}

var _ billing.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests and the migrator.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const invoiceColumns = `
	id, sequence, client_id, client_name, insurer_id, insurer_name,
	billing_cutoff_day, billing_period, status, payment_status,
	total_amount, actual_affiliate_count, expected_amount, expected_affiliate_count,
	count_matches, amount_matches, discrepancy_notes,
	issue_date, due_date, payment_date, created_at, updated_at`

func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice, rec *billing.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into invoices(
			id, client_id, client_name, insurer_id, insurer_name,
			billing_cutoff_day, billing_period, status, payment_status,
			total_amount, actual_affiliate_count, discrepancy_notes,
			issue_date, due_date, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
		returning sequence
	`, inv.ID, inv.ClientID, inv.ClientName, inv.InsurerID, inv.InsurerName,
		inv.BillingCutoffDay, inv.BillingPeriod, string(inv.Status), string(inv.PaymentStatus),
		nullDecimal(inv.TotalAmount), nullInt(inv.ActualAffiliateCount), inv.DiscrepancyNotes,
		nullTime(inv.IssueDate), nullTime(inv.DueDate), inv.CreatedAt,
	).Scan(&inv.Sequence)
	if err != nil {
		return err
	}

	for _, ip := range inv.Policies {
		res, err := tx.ExecContext(ctx, `
			insert into invoice_policies(invoice_id, policy_id, added_at)
			select $1, id, $3 from policies where id = $2
		`, inv.ID, ip.PolicyID, ip.AddedAt)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return billing.NewRuleError("unknown policy " + ip.PolicyID)
		}
	}

	if err := insertAudit(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `select `+invoiceColumns+` from invoices where id=$1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select ip.policy_id, p.policy_number, ip.expected_amount,
		       ip.expected_affiliate_count, ip.expected_breakdown, ip.added_at
		from invoice_policies ip
		join policies p on p.id = ip.policy_id
		where ip.invoice_id = $1
		order by ip.added_at, ip.policy_id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ip billing.InvoicePolicy
		var amount decimal.NullDecimal
		var count sql.NullInt64
		var breakdown []byte
		if err := rows.Scan(&ip.PolicyID, &ip.PolicyNumber, &amount, &count, &breakdown, &ip.AddedAt); err != nil {
			return nil, err
		}
		ip.InvoiceID = id
		if amount.Valid {
			v := amount.Decimal
			ip.ExpectedAmount = &v
		}
		if count.Valid {
			v := int(count.Int64)
			ip.ExpectedAffiliateCount = &v
		}
		if len(breakdown) > 0 {
			ip.ExpectedBreakdown = json.RawMessage(breakdown)
		}
		inv.Policies = append(inv.Policies, ip)
	}
	return inv, rows.Err()
}

func (s *Store) ListInvoices(ctx context.Context, limit int, afterSeq uint64) ([]billing.Invoice, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+invoiceColumns+`
		from invoices
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []billing.Invoice
	var last uint64
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, *inv)
		last = inv.Sequence
	}
	return res, last, rows.Err()
}

func (s *Store) CreatePolicy(ctx context.Context, p *billing.Policy) error {
	_, err := s.db.ExecContext(ctx, `
		insert into policies(id, policy_number, t_premium, tplus1_premium, tplusf_premium, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, p.ID, p.PolicyNumber, p.TPremium, p.TPlus1Premium, p.TPlusFPremium, p.CreatedAt)
	return err
}

func (s *Store) AddEnrollment(ctx context.Context, e *billing.Enrollment) error {
	var prevTier sql.NullString
	if e.PreviousCoverageType != nil {
		prevTier = sql.NullString{String: string(*e.PreviousCoverageType), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into policy_affiliates(
			id, policy_id, affiliate_id, affiliate_type, coverage_type,
			previous_coverage_type, tier_changed_at, added_at, removed_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.PolicyID, e.AffiliateID, string(e.AffiliateType), string(e.CoverageType),
		prevTier, nullTime(e.TierChangedAt), e.AddedAt, nullTime(e.RemovedAt))
	return err
}

func (s *Store) PoliciesForInvoice(ctx context.Context, invoiceID string) ([]billing.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.policy_number, p.t_premium, p.tplus1_premium, p.tplusf_premium, p.created_at
		from invoice_policies ip
		join policies p on p.id = ip.policy_id
		where ip.invoice_id = $1
		order by ip.added_at, p.id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []billing.Policy
	for rows.Next() {
		var p billing.Policy
		if err := rows.Scan(&p.ID, &p.PolicyNumber, &p.TPremium, &p.TPlus1Premium, &p.TPlusFPremium, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const enrollmentColumns = `
	pa.id, pa.policy_id, pa.affiliate_id, pa.affiliate_type, pa.coverage_type,
	pa.previous_coverage_type, pa.tier_changed_at, pa.added_at, pa.removed_at`

// One query per load regardless of how many policies the invoice carries;
// the join over invoice_policies keeps policy-id lists out of the wire.
func (s *Store) OwnersCoveringDate(ctx context.Context, invoiceID string, at time.Time) (map[string][]billing.Enrollment, error) {
	return s.queryEnrollments(ctx, `
		select `+enrollmentColumns+`
		from policy_affiliates pa
		join invoice_policies ip on ip.policy_id = pa.policy_id
		where ip.invoice_id = $1
		  and pa.affiliate_type = 'OWNER'
		  and pa.added_at::date <= $2::date
		  and (pa.removed_at is null or pa.removed_at::date >= $2::date)
		order by pa.policy_id, pa.affiliate_id
	`, invoiceID, at)
}

func (s *Store) OwnersChangedWithin(ctx context.Context, invoiceID string, w billing.Window) (map[string][]billing.Enrollment, error) {
	return s.queryEnrollments(ctx, `
		select `+enrollmentColumns+`
		from policy_affiliates pa
		join invoice_policies ip on ip.policy_id = pa.policy_id
		where ip.invoice_id = $1
		  and pa.affiliate_type = 'OWNER'
		  and (  (pa.added_at::date > $2::date and pa.added_at::date <= $3::date)
		      or (pa.removed_at is not null and pa.removed_at::date > $2::date and pa.removed_at::date <= $3::date))
		order by pa.policy_id, pa.affiliate_id
	`, invoiceID, w.Start, w.End)
}

func (s *Store) OwnersTierChangedWithin(ctx context.Context, invoiceID string, w billing.Window) (map[string][]billing.Enrollment, error) {
	return s.queryEnrollments(ctx, `
		select `+enrollmentColumns+`
		from policy_affiliates pa
		join invoice_policies ip on ip.policy_id = pa.policy_id
		where ip.invoice_id = $1
		  and pa.affiliate_type = 'OWNER'
		  and pa.tier_changed_at is not null
		  and pa.tier_changed_at::date > $2::date
		  and pa.tier_changed_at::date <= $3::date
		order by pa.policy_id, pa.affiliate_id
	`, invoiceID, w.Start, w.End)
}

func (s *Store) OwnersOverlapping(ctx context.Context, invoiceID string, start, end time.Time) (map[string][]billing.Enrollment, error) {
	return s.queryEnrollments(ctx, `
		select `+enrollmentColumns+`
		from policy_affiliates pa
		join invoice_policies ip on ip.policy_id = pa.policy_id
		where ip.invoice_id = $1
		  and pa.affiliate_type = 'OWNER'
		  and pa.added_at::date <= $3::date
		  and (pa.removed_at is null or pa.removed_at::date >= $2::date)
		order by pa.policy_id, pa.affiliate_id
	`, invoiceID, start, end)
}

func (s *Store) queryEnrollments(ctx context.Context, query string, args ...any) (map[string][]billing.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]billing.Enrollment{}
	for rows.Next() {
		var e billing.Enrollment
		var affType, tier string
		var prevTier sql.NullString
		var tierChanged, removed sql.NullTime
		if err := rows.Scan(&e.ID, &e.PolicyID, &e.AffiliateID, &affType, &tier,
			&prevTier, &tierChanged, &e.AddedAt, &removed); err != nil {
			return nil, err
		}
		e.AffiliateType = billing.AffiliateType(affType)
		e.CoverageType = billing.Tier(tier)
		if prevTier.Valid {
			t := billing.Tier(prevTier.String)
			e.PreviousCoverageType = &t
		}
		if tierChanged.Valid {
			t := tierChanged.Time
			e.TierChangedAt = &t
		}
		if removed.Valid {
			t := removed.Time
			e.RemovedAt = &t
		}
		out[e.PolicyID] = append(out[e.PolicyID], e)
	}
	return out, rows.Err()
}

func (s *Store) SaveComputation(ctx context.Context, invoiceID string, result billing.CalculationResult, rec *billing.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from invoices where id=$1 for update`, invoiceID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrNotFound
	}
	if err != nil {
		return err
	}

	for _, comp := range result.Policies {
		if _, err := tx.ExecContext(ctx, `
			update invoice_policies
			set expected_amount = $3, expected_affiliate_count = $4, expected_breakdown = $5
			where invoice_id = $1 and policy_id = $2
		`, invoiceID, comp.PolicyID, comp.ExpectedAmount, comp.ExpectedAffiliateCount, []byte(comp.Breakdown)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update invoices
		set expected_amount = $2, expected_affiliate_count = $3, updated_at = now()
		where id = $1
	`, invoiceID, result.ExpectedAmount, result.ExpectedAffiliateCount); err != nil {
		return err
	}

	if err := insertAudit(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ApplyUpdate(ctx context.Context, inv *billing.Invoice, rec *billing.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize concurrent editors of the same invoice.
	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from invoices where id=$1 for update`, inv.ID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		update invoices set
			billing_period = $2, status = $3, payment_status = $4,
			total_amount = $5, actual_affiliate_count = $6,
			expected_amount = $7, expected_affiliate_count = $8,
			count_matches = $9, amount_matches = $10, discrepancy_notes = $11,
			issue_date = $12, due_date = $13, payment_date = $14, updated_at = $15
		where id = $1
	`, inv.ID, inv.BillingPeriod, string(inv.Status), string(inv.PaymentStatus),
		nullDecimal(inv.TotalAmount), nullInt(inv.ActualAffiliateCount),
		nullDecimal(inv.ExpectedAmount), nullInt(inv.ExpectedAffiliateCount),
		nullBool(inv.CountMatches), nullBool(inv.AmountMatches), inv.DiscrepancyNotes,
		nullTime(inv.IssueDate), nullTime(inv.DueDate), nullTime(inv.PaymentDate), inv.UpdatedAt); err != nil {
		return err
	}

	if err := insertAudit(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAudit(ctx context.Context, tx *sql.Tx, rec *billing.AuditRecord) error {
	if rec == nil {
		return nil
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into audit_log(id, occurred_at, actor_user_id, action, resource_type, resource_id, before, after, metadata)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.ID, rec.OccurredAt, rec.ActorUserID, rec.Action, rec.ResourceType, rec.ResourceID,
		nullJSON(rec.Before), nullJSON(rec.After), meta)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*billing.Invoice, error) {
	var inv billing.Invoice
	var status, payStatus string
	var total, expected decimal.NullDecimal
	var actualCount, expectedCount sql.NullInt64
	var countMatches, amountMatches sql.NullBool
	var issue, due, paid sql.NullTime

	err := row.Scan(
		&inv.ID, &inv.Sequence, &inv.ClientID, &inv.ClientName, &inv.InsurerID, &inv.InsurerName,
		&inv.BillingCutoffDay, &inv.BillingPeriod, &status, &payStatus,
		&total, &actualCount, &expected, &expectedCount,
		&countMatches, &amountMatches, &inv.DiscrepancyNotes,
		&issue, &due, &paid, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inv.Status = billing.InvoiceStatus(status)
	inv.PaymentStatus = billing.PaymentStatus(payStatus)
	if total.Valid {
		v := total.Decimal
		inv.TotalAmount = &v
	}
	if expected.Valid {
		v := expected.Decimal
		inv.ExpectedAmount = &v
	}
	if actualCount.Valid {
		v := int(actualCount.Int64)
		inv.ActualAffiliateCount = &v
	}
	if expectedCount.Valid {
		v := int(expectedCount.Int64)
		inv.ExpectedAffiliateCount = &v
	}
	if countMatches.Valid {
		v := countMatches.Bool
		inv.CountMatches = &v
	}
	if amountMatches.Valid {
		v := amountMatches.Bool
		inv.AmountMatches = &v
	}
	if issue.Valid {
		t := issue.Time
		inv.IssueDate = &t
	}
	if due.Valid {
		t := due.Time
		inv.DueDate = &t
	}
	if paid.Valid {
		t := paid.Time
		inv.PaymentDate = &t
	}
	return &inv, nil
}

// --- null helpers ---

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

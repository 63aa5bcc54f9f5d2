package pg

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"brokercore.org/internal/billing"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func invoiceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "sequence", "client_id", "client_name", "insurer_id", "insurer_name",
		"billing_cutoff_day", "billing_period", "status", "payment_status",
		"total_amount", "actual_affiliate_count", "expected_amount", "expected_affiliate_count",
		"count_matches", "amount_matches", "discrepancy_notes",
		"issue_date", "due_date", "payment_date", "created_at", "updated_at",
	})
}

func TestGetInvoiceNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select(.|\n)+from invoices where id=").
		WithArgs("missing").
		WillReturnRows(invoiceRows())

	_, err := store.GetInvoice(context.Background(), "missing")
	if err != billing.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetInvoiceScansNullables(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("select(.|\n)+from invoices where id=").
		WithArgs("inv-1").
		WillReturnRows(invoiceRows().AddRow(
			"inv-1", 7, "c-1", "Acme Group", "i-1", "Vitalia Seguros",
			20, "2025-03", "DISCREPANCY", "UNPAID",
			"47000", 95, "45250.00", 90,
			false, false, "",
			nil, nil, nil, now, now,
		))
	mock.ExpectQuery("select ip.policy_id(.|\n)+from invoice_policies").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"policy_id", "policy_number", "expected_amount", "expected_affiliate_count", "expected_breakdown", "added_at",
		}).AddRow("pol-1", "P-001", "45250.00", 90, []byte(`{"model":"lagged"}`), now))

	inv, err := store.GetInvoice(context.Background(), "inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if inv.Status != billing.StatusDiscrepancy {
		t.Errorf("status = %s", inv.Status)
	}
	if inv.TotalAmount == nil || !inv.TotalAmount.Equal(decimal.RequireFromString("47000")) {
		t.Errorf("total = %v", inv.TotalAmount)
	}
	if inv.ExpectedAffiliateCount == nil || *inv.ExpectedAffiliateCount != 90 {
		t.Errorf("expected count = %v", inv.ExpectedAffiliateCount)
	}
	if inv.CountMatches == nil || *inv.CountMatches {
		t.Errorf("count_matches = %v", inv.CountMatches)
	}
	if inv.IssueDate != nil {
		t.Error("null issue_date scanned as non-nil")
	}
	if len(inv.Policies) != 1 || inv.Policies[0].PolicyNumber != "P-001" {
		t.Errorf("policies = %+v", inv.Policies)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyUpdateTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	total := decimal.RequireFromString("1500")
	inv := &billing.Invoice{
		ID:            "inv-1",
		BillingPeriod: "2025-03",
		Status:        billing.StatusValidated,
		PaymentStatus: billing.PaymentUnpaid,
		TotalAmount:   &total,
		UpdatedAt:     now,
	}
	rec := &billing.AuditRecord{
		ID:           "aud-1",
		OccurredAt:   now,
		ActorUserID:  "u-1",
		Action:       "invoice.update",
		ResourceType: "invoice",
		ResourceID:   "inv-1",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from invoices where id=.* for update").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("update invoices set").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.ApplyUpdate(context.Background(), inv, rec); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApplyUpdateRollsBackOnMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from invoices where id=.* for update").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	err := store.ApplyUpdate(context.Background(), &billing.Invoice{ID: "missing"}, nil)
	if err != billing.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSaveComputationWritesPoliciesAndAudit(t *testing.T) {
	store, mock := newMockStore(t)
	result := billing.CalculationResult{
		Model:                  billing.ModelLagged,
		ExpectedAmount:         decimal.RequireFromString("1500"),
		ExpectedAffiliateCount: 3,
		Policies: []billing.PolicyComputation{
			{PolicyID: "pol-1", ExpectedAmount: decimal.RequireFromString("1500"), ExpectedAffiliateCount: 3, Breakdown: []byte(`{"model":"lagged"}`)},
		},
	}
	rec := &billing.AuditRecord{ID: "aud-1", Action: "invoice.calculate", ResourceType: "invoice", ResourceID: "inv-1"}

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from invoices where id=.* for update").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("update invoice_policies").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update invoices").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SaveComputation(context.Background(), "inv-1", result, rec); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateInvoiceRejectsUnknownPolicy(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	inv := &billing.Invoice{
		ID:            "inv-1",
		ClientID:      "c-1",
		InsurerID:     "i-1",
		BillingPeriod: "2025-03",
		Status:        billing.StatusPending,
		PaymentStatus: billing.PaymentUnpaid,
		CreatedAt:     now,
		Policies: []billing.InvoicePolicy{
			{PolicyID: "ghost", AddedAt: now},
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("insert into invoices").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(1))
	mock.ExpectExec("insert into invoice_policies").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.CreateInvoice(context.Background(), inv, nil)
	if _, ok := err.(*billing.RuleError); !ok {
		t.Fatalf("err = %v, want RuleError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

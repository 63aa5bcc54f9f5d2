// Command smoke-billing runs one invoice lifecycle against a live API:
// seed a policy and roster, create the invoice, calculate, then confirm
// the engine derives VALIDATED for matching figures and DISCREPANCY for
// mismatched ones.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"brokercore.org/internal/billing"
	"brokercore.org/internal/billing/remote"
)

func main() {
	base := os.Getenv("BROKERCORE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := remote.New(base)
	if err := client.ObtainToken(ctx, "smoke", []string{"broker_manager"}); err != nil {
		log.Fatalf("obtain token: %v", err)
	}

	suffix := time.Now().UnixNano()
	pol, err := client.CreatePolicy(ctx, remote.CreatePolicyRequest{
		PolicyNumber:  fmt.Sprintf("P-SMOKE-%d", suffix),
		TPremium:      decimal.RequireFromString("500"),
		TPlus1Premium: decimal.RequireFromString("800"),
		TPlusFPremium: decimal.RequireFromString("1200"),
	})
	if err != nil {
		log.Fatalf("create policy: %v", err)
	}

	added := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	for i, tier := range []string{"T", "T", "TPLUS1"} {
		_, err := client.AddAffiliate(ctx, pol.ID, remote.AddAffiliateRequest{
			AffiliateID:   fmt.Sprintf("smoke-aff-%d-%d", suffix, i),
			AffiliateType: "OWNER",
			CoverageType:  tier,
			AddedAt:       added,
		})
		if err != nil {
			log.Fatalf("enroll owner %d: %v", i, err)
		}
	}

	inv, err := client.CreateInvoice(ctx, billing.CreateInvoiceRequest{
		ClientID:         fmt.Sprintf("smoke-client-%d", suffix),
		ClientName:       "Smoke Test Client",
		InsurerID:        "smoke-insurer",
		InsurerName:      "Smoke Mutual",
		BillingCutoffDay: 20,
		BillingPeriod:    "2025-03",
		PolicyIDs:        []string{pol.ID},
	})
	if err != nil {
		log.Fatalf("create invoice: %v", err)
	}

	inv, err = client.Validate(ctx, inv.ID)
	if err != nil {
		log.Fatalf("calculate: %v", err)
	}
	if inv.ExpectedAmount == nil || inv.ExpectedAffiliateCount == nil {
		log.Fatal("calculation left expected figures empty")
	}
	want := decimal.RequireFromString("1800") // 500 + 500 + 800
	if !inv.ExpectedAmount.Equal(want) {
		log.Fatalf("expected amount %s, want %s", inv.ExpectedAmount, want)
	}

	// Matching figures must validate.
	status := billing.StatusValidated
	total := *inv.ExpectedAmount
	count := *inv.ExpectedAffiliateCount
	inv, err = client.Update(ctx, inv.ID, billing.UpdateRequest{
		Status:               &status,
		TotalAmount:          &total,
		ActualAffiliateCount: &count,
	})
	if err != nil {
		log.Fatalf("update to validated: %v", err)
	}
	if inv.Status != billing.StatusValidated {
		log.Fatalf("derived status %s, want VALIDATED", inv.Status)
	}

	// Second invoice: mismatched figures must land in DISCREPANCY even
	// when the caller asks for VALIDATED.
	inv2, err := client.CreateInvoice(ctx, billing.CreateInvoiceRequest{
		ClientID:         fmt.Sprintf("smoke-client-%d", suffix),
		ClientName:       "Smoke Test Client",
		InsurerID:        "smoke-insurer",
		InsurerName:      "Smoke Mutual",
		BillingCutoffDay: 20,
		BillingPeriod:    "2025-04",
		PolicyIDs:        []string{pol.ID},
	})
	if err != nil {
		log.Fatalf("create second invoice: %v", err)
	}
	inv2, err = client.Validate(ctx, inv2.ID)
	if err != nil {
		log.Fatalf("calculate second invoice: %v", err)
	}
	badTotal := inv2.ExpectedAmount.Add(decimal.RequireFromString("250"))
	badCount := *inv2.ExpectedAffiliateCount + 5
	status = billing.StatusValidated
	inv2, err = client.Update(ctx, inv2.ID, billing.UpdateRequest{
		Status:               &status,
		TotalAmount:          &badTotal,
		ActualAffiliateCount: &badCount,
	})
	if err != nil {
		log.Fatalf("update with mismatch: %v", err)
	}
	if inv2.Status != billing.StatusDiscrepancy {
		log.Fatalf("derived status %s, want DISCREPANCY", inv2.Status)
	}

	fmt.Printf("billing smoke test passed: invoices=%s,%s expected=%s\n", inv.ID, inv2.ID, inv.ExpectedAmount)
}

package billing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testPolicy() Policy {
	return Policy{
		ID:            "pol-1",
		PolicyNumber:  "P-001",
		TPremium:      dec("500"),
		TPlus1Premium: dec("800"),
		TPlusFPremium: dec("1200"),
	}
}

func laggedBreakdown(t *testing.T, comp PolicyComputation) LaggedBreakdown {
	t.Helper()
	var bd LaggedBreakdown
	if err := json.Unmarshal(comp.Breakdown, &bd); err != nil {
		t.Fatalf("unmarshal breakdown: %v", err)
	}
	return bd
}

// March invoice with cutoff day 20: base snapshot at 2025-02-20,
// adjustment window (2025-01-20, 2025-02-20].
var marchPeriod = BillingPeriod{Year: 2025, Month: time.March}

func TestLaggedBaseOnly(t *testing.T) {
	calc := LaggedCalculator{CutoffDay: 20}
	in := LaggedInputs{
		AtCutoff: []Enrollment{
			{AffiliateID: "a1", AffiliateType: AffiliateOwner, CoverageType: TierT, AddedAt: date(2024, time.June, 1)},
			{AffiliateID: "a2", AffiliateType: AffiliateOwner, CoverageType: TierT, AddedAt: date(2024, time.June, 1)},
			{AffiliateID: "a3", AffiliateType: AffiliateOwner, CoverageType: TierTPlus1, AddedAt: date(2024, time.June, 1)},
			// Dependents ride on the owner's tier and are never billed.
			{AffiliateID: "d1", AffiliateType: AffiliateDependent, CoverageType: TierTPlus1, AddedAt: date(2024, time.June, 1)},
		},
	}
	comp, err := calc.ComputePolicy(testPolicy(), in, marchPeriod)
	if err != nil {
		t.Fatal(err)
	}
	if comp.ExpectedAffiliateCount != 3 {
		t.Errorf("count = %d, want 3", comp.ExpectedAffiliateCount)
	}
	if want := dec("1800"); !comp.ExpectedAmount.Equal(want) {
		t.Errorf("amount = %s, want %s", comp.ExpectedAmount, want)
	}
	bd := laggedBreakdown(t, comp)
	if bd.Base.ByTier[TierT].Count != 2 || !bd.Base.ByTier[TierT].Amount.Equal(dec("1000")) {
		t.Errorf("T line = %+v", bd.Base.ByTier[TierT])
	}
	if len(bd.Adjustments) != 0 {
		t.Errorf("expected no adjustments, got %d", len(bd.Adjustments))
	}
}

func TestLaggedJoinedAdjustment(t *testing.T) {
	calc := LaggedCalculator{CutoffDay: 20}
	// Joined 2025-01-25 (inside the window, a 31-day month): covered at the
	// Feb 20 cutoff, so billed in base, plus a catch-up charge for the
	// 31-25+1 = 7 remaining days of January: 500*7/31 = 112.90.
	join := date(2025, time.January, 25)
	e := Enrollment{AffiliateID: "a1", AffiliateType: AffiliateOwner, CoverageType: TierT, AddedAt: join}
	in := LaggedInputs{
		AtCutoff:        []Enrollment{e},
		ChangedInWindow: []Enrollment{e},
	}
	comp, err := calc.ComputePolicy(testPolicy(), in, marchPeriod)
	if err != nil {
		t.Fatal(err)
	}
	bd := laggedBreakdown(t, comp)
	if len(bd.Adjustments) != 1 {
		t.Fatalf("adjustments = %d, want 1", len(bd.Adjustments))
	}
	adj := bd.Adjustments[0]
	if adj.Type != AdjJoined || adj.CoverageDays != 7 {
		t.Errorf("adjustment = %+v", adj)
	}
	if want := dec("112.90"); !adj.Amount.Equal(want) {
		t.Errorf("adjustment amount = %s, want %s", adj.Amount, want)
	}
	if want := dec("612.90"); !comp.ExpectedAmount.Equal(want) {
		t.Errorf("total = %s, want %s", comp.ExpectedAmount, want)
	}
	// The invoiced headcount is the snapshot count; adjustments never
	// change it.
	if comp.ExpectedAffiliateCount != 1 {
		t.Errorf("count = %d, want 1", comp.ExpectedAffiliateCount)
	}
}

func TestLaggedLeftAdjustment(t *testing.T) {
	calc := LaggedCalculator{CutoffDay: 20}
	// Removed 2025-02-10 (28-day month): gone from the base snapshot, and
	// the previous invoice overbilled 28-10 = 18 days: credit 500*18/28 =
	// 321.43.
	removed := date(2025, time.February, 10)
	gone := Enrollment{
		AffiliateID:   "a1",
		AffiliateType: AffiliateOwner,
		CoverageType:  TierT,
		AddedAt:       date(2024, time.June, 1),
		RemovedAt:     &removed,
	}
	stay := Enrollment{AffiliateID: "a2", AffiliateType: AffiliateOwner, CoverageType: TierT, AddedAt: date(2024, time.June, 1)}
	in := LaggedInputs{
		AtCutoff:        []Enrollment{stay},
		ChangedInWindow: []Enrollment{gone},
	}
	comp, err := calc.ComputePolicy(testPolicy(), in, marchPeriod)
	if err != nil {
		t.Fatal(err)
	}
	bd := laggedBreakdown(t, comp)
	if len(bd.Adjustments) != 1 {
		t.Fatalf("adjustments = %d, want 1", len(bd.Adjustments))
	}
	adj := bd.Adjustments[0]
	if adj.Type != AdjLeft || adj.CoverageDays != 10 {
		t.Errorf("adjustment = %+v", adj)
	}
	if want := dec("-321.43"); !adj.Amount.Equal(want) {
		t.Errorf("credit = %s, want %s", adj.Amount, want)
	}
	if want := dec("178.57"); !comp.ExpectedAmount.Equal(want) {
		t.Errorf("total = %s, want %s", comp.ExpectedAmount, want)
	}
	if comp.ExpectedAffiliateCount != 1 {
		t.Errorf("count = %d, want 1", comp.ExpectedAffiliateCount)
	}
}

func TestLaggedJoinedAndLeft(t *testing.T) {
	calc := LaggedCalculator{CutoffDay: 20}
	// Joined 2025-02-05 and removed 2025-02-14, both inside the window:
	// never in any snapshot, one net charge for 10 covered days of a
	// 28-day month: 500*10/28 = 178.57.
	removed := date(2025, time.February, 14)
	e := Enrollment{
		AffiliateID:   "a1",
		AffiliateType: AffiliateOwner,
		CoverageType:  TierT,
		AddedAt:       date(2025, time.February, 5),
		RemovedAt:     &removed,
	}
	in := LaggedInputs{ChangedInWindow: []Enrollment{e}}
	comp, err := calc.ComputePolicy(testPolicy(), in, marchPeriod)
	if err != nil {
		t.Fatal(err)
	}
	bd := laggedBreakdown(t, comp)
	if len(bd.Adjustments) != 1 {
		t.Fatalf("adjustments = %d, want 1", len(bd.Adjustments))
	}
	adj := bd.Adjustments[0]
	if adj.Type != AdjJoinedAndLeft || adj.CoverageDays != 10 {
		t.Errorf("adjustment = %+v", adj)
	}
	if want := dec("178.57"); !adj.Amount.Equal(want) {
		t.Errorf("amount = %s, want %s", adj.Amount, want)
	}
	if comp.ExpectedAffiliateCount != 0 {
		t.Errorf("count = %d, want 0", comp.ExpectedAffiliateCount)
	}
}

func TestLaggedTierChanged(t *testing.T) {
	calc := LaggedCalculator{CutoffDay: 20}
	// Upgraded T -> TPLUS1 on 2025-02-16 (28-day month): billed at the new
	// tier in base, plus the premium delta for the 28-16+1 = 13 days at
	// the new tier: (800-500)*13/28 = 139.29.
	prev := TierT
	changed := date(2025, time.February, 16)
	e := Enrollment{
		AffiliateID:          "a1",
		AffiliateType:        AffiliateOwner,
		CoverageType:         TierTPlus1,
		PreviousCoverageType: &prev,
		TierChangedAt:        &changed,
		AddedAt:              date(2024, time.June, 1),
	}
	in := LaggedInputs{
		AtCutoff:            []Enrollment{e},
		TierChangedInWindow: []Enrollment{e},
	}
	comp, err := calc.ComputePolicy(testPolicy(), in, marchPeriod)
	if err != nil {
		t.Fatal(err)
	}
	bd := laggedBreakdown(t, comp)
	if len(bd.Adjustments) != 1 {
		t.Fatalf("adjustments = %d, want 1", len(bd.Adjustments))
	}
	adj := bd.Adjustments[0]
	if adj.Type != AdjTierChanged || adj.PreviousTier != TierT || adj.CoverageDays != 13 {
		t.Errorf("adjustment = %+v", adj)
	}
	if want := dec("139.29"); !adj.Amount.Equal(want) {
		t.Errorf("delta = %s, want %s", adj.Amount, want)
	}
	if want := dec("939.29"); !comp.ExpectedAmount.Equal(want) {
		t.Errorf("total = %s, want %s", comp.ExpectedAmount, want)
	}
}

func TestLaggedDowngradeCreditsDelta(t *testing.T) {
	calc := LaggedCalculator{CutoffDay: 20}
	prev := TierTPlusF
	changed := date(2025, time.February, 16)
	e := Enrollment{
		AffiliateID:          "a1",
		AffiliateType:        AffiliateOwner,
		CoverageType:         TierT,
		PreviousCoverageType: &prev,
		TierChangedAt:        &changed,
		AddedAt:              date(2024, time.June, 1),
	}
	in := LaggedInputs{
		AtCutoff:            []Enrollment{e},
		TierChangedInWindow: []Enrollment{e},
	}
	comp, err := calc.ComputePolicy(testPolicy(), in, marchPeriod)
	if err != nil {
		t.Fatal(err)
	}
	bd := laggedBreakdown(t, comp)
	// (500-1200)*13/28 = -325
	if want := dec("-325"); !bd.Adjustments[0].Amount.Equal(want) {
		t.Errorf("delta = %s, want %s", bd.Adjustments[0].Amount, want)
	}
}

func TestLaggedSkipsUnpricedTier(t *testing.T) {
	calc := LaggedCalculator{CutoffDay: 20}
	p := Policy{ID: "pol-1", PolicyNumber: "P-001", TPremium: dec("500")} // TPLUS1 unpriced
	in := LaggedInputs{
		AtCutoff: []Enrollment{
			{AffiliateID: "a1", AffiliateType: AffiliateOwner, CoverageType: TierT, AddedAt: date(2024, time.June, 1)},
			{AffiliateID: "a2", AffiliateType: AffiliateOwner, CoverageType: TierTPlus1, AddedAt: date(2024, time.June, 1)},
		},
	}
	comp, err := calc.ComputePolicy(p, in, marchPeriod)
	if err != nil {
		t.Fatal(err)
	}
	if comp.ExpectedAffiliateCount != 1 {
		t.Errorf("count = %d, want 1 (unpriced owner skipped)", comp.ExpectedAffiliateCount)
	}
	if want := dec("500"); !comp.ExpectedAmount.Equal(want) {
		t.Errorf("amount = %s, want %s", comp.ExpectedAmount, want)
	}
	bd := laggedBreakdown(t, comp)
	if bd.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", bd.Skipped)
	}
}

func TestLaggedIdempotent(t *testing.T) {
	calc := LaggedCalculator{CutoffDay: 20}
	removed := date(2025, time.February, 10)
	in := LaggedInputs{
		AtCutoff: []Enrollment{
			{AffiliateID: "a1", AffiliateType: AffiliateOwner, CoverageType: TierT, AddedAt: date(2024, time.June, 1)},
		},
		ChangedInWindow: []Enrollment{
			{AffiliateID: "a2", AffiliateType: AffiliateOwner, CoverageType: TierTPlus1, AddedAt: date(2024, time.June, 1), RemovedAt: &removed},
		},
	}
	first, err := calc.ComputePolicy(testPolicy(), in, marchPeriod)
	if err != nil {
		t.Fatal(err)
	}
	second, err := calc.ComputePolicy(testPolicy(), in, marchPeriod)
	if err != nil {
		t.Fatal(err)
	}
	if !first.ExpectedAmount.Equal(second.ExpectedAmount) || first.ExpectedAffiliateCount != second.ExpectedAffiliateCount {
		t.Errorf("recomputation changed the result: %s/%d vs %s/%d",
			first.ExpectedAmount, first.ExpectedAffiliateCount,
			second.ExpectedAmount, second.ExpectedAffiliateCount)
	}
	if string(first.Breakdown) != string(second.Breakdown) {
		t.Error("recomputation changed the breakdown")
	}
}

package billing

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"brokercore.org/internal/obs"
)

// AdjustmentType classifies one reconciliation line in the T+1 model.
type AdjustmentType string

const (
	AdjJoined        AdjustmentType = "JOINED"
	AdjLeft          AdjustmentType = "LEFT"
	AdjJoinedAndLeft AdjustmentType = "JOINED_AND_LEFT"
	AdjTierChanged   AdjustmentType = "TIER_CHANGED"
)

// TierLine is a headcount and amount for one coverage tier.
type TierLine struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// BaseBlock is the snapshot-at-cutoff portion of a lagged breakdown:
// every owner covered at the M-1 cutoff billed one full premium.
type BaseBlock struct {
	Count  int               `json:"count"`
	Amount decimal.Decimal   `json:"amount"`
	ByTier map[Tier]TierLine `json:"by_tier"`
}

// Adjustment is one signed pro-rated charge or credit for an enrollment
// change inside the reconciliation window.
type Adjustment struct {
	AffiliateID  string          `json:"affiliate_id"`
	Type         AdjustmentType  `json:"type"`
	Tier         Tier            `json:"tier"`
	PreviousTier Tier            `json:"previous_tier,omitempty"`
	CoverageDays int             `json:"coverage_days"`
	Amount       decimal.Decimal `json:"amount"`
}

// LaggedBreakdown is the stored expected_breakdown for Model B.
type LaggedBreakdown struct {
	Model            string          `json:"model"`
	Base             BaseBlock       `json:"base"`
	Adjustments      []Adjustment    `json:"adjustments"`
	AdjustmentsTotal decimal.Decimal `json:"adjustments_total"`
	Skipped          int             `json:"skipped,omitempty"`
	Total            decimal.Decimal `json:"total"`
}

// LaggedInputs are the three batched enrollment slices for one policy.
type LaggedInputs struct {
	AtCutoff            []Enrollment
	ChangedInWindow     []Enrollment
	TierChangedInWindow []Enrollment
}

// LaggedCalculator implements T+1 lagged billing: month M bills a full
// premium for everyone covered at the M-1 cutoff, then reconciles joins,
// leaves and tier changes from the (M-2 cutoff, M-1 cutoff] window.
type LaggedCalculator struct {
	CutoffDay int
}

// Model returns the breakdown discriminator tag.
func (LaggedCalculator) Model() string { return ModelLagged }

// ComputePolicy derives the expected amount, headcount and breakdown for
// one policy. Owners with an unknown or unpriced tier are skipped and
// logged, never escalated; the count survives in the breakdown.
func (c LaggedCalculator) ComputePolicy(p Policy, in LaggedInputs, period BillingPeriod) (PolicyComputation, error) {
	_, window := LaggedWindows(period, c.CutoffDay)

	bd := LaggedBreakdown{
		Model:       ModelLagged,
		Base:        BaseBlock{ByTier: map[Tier]TierLine{}},
		Adjustments: []Adjustment{},
	}

	for _, e := range in.AtCutoff {
		if !e.IsOwner() {
			continue
		}
		prem, ok := p.Premium(e.CoverageType)
		if !ok {
			bd.Skipped++
			warnSkippedOwner(p.ID, e, "base")
			continue
		}
		line := bd.Base.ByTier[e.CoverageType]
		line.Count++
		line.Amount = line.Amount.Add(prem)
		bd.Base.ByTier[e.CoverageType] = line
	}
	for _, tier := range Tiers {
		line, ok := bd.Base.ByTier[tier]
		if !ok {
			continue
		}
		line.Amount = line.Amount.Round(2)
		bd.Base.ByTier[tier] = line
		bd.Base.Count += line.Count
		bd.Base.Amount = bd.Base.Amount.Add(line.Amount)
	}
	bd.Base.Amount = bd.Base.Amount.Round(2)

	for _, e := range sortedByAffiliate(in.ChangedInWindow) {
		if !e.IsOwner() {
			continue
		}
		joined := window.Contains(e.AddedAt)
		left := e.RemovedAt != nil && window.Contains(*e.RemovedAt)
		if !joined && !left {
			continue
		}
		prem, ok := p.Premium(e.CoverageType)
		if !ok {
			bd.Skipped++
			warnSkippedOwner(p.ID, e, "adjustment")
			continue
		}

		var adj Adjustment
		switch {
		case joined && left:
			// Covered only between join and removal; charge that slice of
			// the join month.
			days := inclusiveDays(e.AddedAt, *e.RemovedAt)
			monthDays := daysInMonthOf(e.AddedAt)
			adj = Adjustment{
				AffiliateID:  e.AffiliateID,
				Type:         AdjJoinedAndLeft,
				Tier:         e.CoverageType,
				CoverageDays: days,
				Amount:       prorate(prem, days, monthDays),
			}
		case joined:
			// Charge the remaining days of the join month.
			monthDays := daysInMonthOf(e.AddedAt)
			days := monthDays - dateOnly(e.AddedAt).Day() + 1
			adj = Adjustment{
				AffiliateID:  e.AffiliateID,
				Type:         AdjJoined,
				Tier:         e.CoverageType,
				CoverageDays: days,
				Amount:       prorate(prem, days, monthDays),
			}
		default:
			// Credit back the un-covered remainder of the removal month,
			// which was billed in full at the previous cutoff.
			monthDays := daysInMonthOf(*e.RemovedAt)
			covered := dateOnly(*e.RemovedAt).Day()
			overbilled := monthDays - covered
			adj = Adjustment{
				AffiliateID:  e.AffiliateID,
				Type:         AdjLeft,
				Tier:         e.CoverageType,
				CoverageDays: covered,
				Amount:       prorate(prem, overbilled, monthDays).Neg(),
			}
		}
		bd.Adjustments = append(bd.Adjustments, adj)
	}

	for _, e := range sortedByAffiliate(in.TierChangedInWindow) {
		if !e.IsOwner() {
			continue
		}
		if e.TierChangedAt == nil || e.PreviousCoverageType == nil {
			continue
		}
		if !window.Contains(*e.TierChangedAt) {
			continue
		}
		newPrem, okNew := p.Premium(e.CoverageType)
		oldPrem, okOld := p.Premium(*e.PreviousCoverageType)
		if !okNew || !okOld {
			bd.Skipped++
			warnSkippedOwner(p.ID, e, "tier_change")
			continue
		}
		monthDays := daysInMonthOf(*e.TierChangedAt)
		daysAtNew := monthDays - dateOnly(*e.TierChangedAt).Day() + 1
		// Net line: credit the old tier for the post-change days, charge
		// the new tier for the same days.
		amount := prorate(newPrem.Sub(oldPrem), daysAtNew, monthDays)
		bd.Adjustments = append(bd.Adjustments, Adjustment{
			AffiliateID:  e.AffiliateID,
			Type:         AdjTierChanged,
			Tier:         e.CoverageType,
			PreviousTier: *e.PreviousCoverageType,
			CoverageDays: daysAtNew,
			Amount:       amount,
		})
	}

	for _, adj := range bd.Adjustments {
		bd.AdjustmentsTotal = bd.AdjustmentsTotal.Add(adj.Amount)
	}
	bd.AdjustmentsTotal = bd.AdjustmentsTotal.Round(2)
	bd.Total = bd.Base.Amount.Add(bd.AdjustmentsTotal).Round(2)

	raw, err := json.Marshal(bd)
	if err != nil {
		return PolicyComputation{}, err
	}
	return PolicyComputation{
		PolicyID:               p.ID,
		ExpectedAmount:         bd.Total,
		ExpectedAffiliateCount: bd.Base.Count,
		Breakdown:              raw,
	}, nil
}

// prorate computes premium * days/monthDays rounded to 2 decimals.
func prorate(premium decimal.Decimal, days, monthDays int) decimal.Decimal {
	if monthDays <= 0 || days <= 0 {
		return decimal.Zero
	}
	return premium.
		Mul(decimal.NewFromInt(int64(days))).
		Div(decimal.NewFromInt(int64(monthDays))).
		Round(2)
}

func sortedByAffiliate(in []Enrollment) []Enrollment {
	out := make([]Enrollment, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AffiliateID < out[j].AffiliateID })
	return out
}

func warnSkippedOwner(policyID string, e Enrollment, stage string) {
	obs.Warn("billing.calculation.skip", map[string]any{
		"policy_id":    policyID,
		"affiliate_id": e.AffiliateID,
		"tier":         string(e.CoverageType),
		"stage":        stage,
	})
}

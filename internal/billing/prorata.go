package billing

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ProRataTierLine is the per-tier accumulation for the direct model.
type ProRataTierLine struct {
	Count      int             `json:"count"`
	FullPeriod int             `json:"full_period"`
	ProRated   int             `json:"pro_rated"`
	Amount     decimal.Decimal `json:"amount"`
}

// ProRataBreakdown is the stored expected_breakdown for Model A.
type ProRataBreakdown struct {
	Model          string                   `json:"model"`
	ByTier         map[Tier]ProRataTierLine `json:"by_tier"`
	AffiliateCount int                      `json:"affiliate_count"`
	Skipped        int                      `json:"skipped,omitempty"`
	Total          decimal.Decimal          `json:"total"`
}

// ProRataCalculator implements direct pro-rata billing: every owner whose
// enrollment interval intersects the billing month is charged
// premium * daysActive/daysInPeriod, with no lag and no adjustment lines.
type ProRataCalculator struct{}

// Model returns the breakdown discriminator tag.
func (ProRataCalculator) Model() string { return ModelProRata }

// ComputePolicy prices all owners overlapping the period. Tier amounts are
// rounded to 2 decimals and the policy total is their sum, so the tier-sum
// invariant holds exactly.
func (ProRataCalculator) ComputePolicy(p Policy, owners []Enrollment, period BillingPeriod) (PolicyComputation, error) {
	start, end := period.Start(), period.End()
	daysInPeriod := period.Days()
	periodDays := decimal.NewFromInt(int64(daysInPeriod))

	bd := ProRataBreakdown{
		Model:  ModelProRata,
		ByTier: map[Tier]ProRataTierLine{},
	}

	for _, e := range sortedByAffiliate(owners) {
		if !e.IsOwner() {
			continue
		}
		from := maxDate(dateOnly(e.AddedAt), start)
		to := end
		if e.RemovedAt != nil {
			to = minDate(dateOnly(*e.RemovedAt), end)
		}
		daysActive := inclusiveDays(from, to)
		if daysActive <= 0 {
			continue
		}
		prem, ok := p.Premium(e.CoverageType)
		if !ok {
			bd.Skipped++
			warnSkippedOwner(p.ID, e, "prorata")
			continue
		}

		line := bd.ByTier[e.CoverageType]
		line.Count++
		if daysActive == daysInPeriod {
			line.FullPeriod++
			line.Amount = line.Amount.Add(prem)
		} else {
			line.ProRated++
			factor := decimal.NewFromInt(int64(daysActive)).Div(periodDays)
			line.Amount = line.Amount.Add(prem.Mul(factor))
		}
		bd.ByTier[e.CoverageType] = line
		bd.AffiliateCount++
	}

	for _, tier := range Tiers {
		line, ok := bd.ByTier[tier]
		if !ok {
			continue
		}
		line.Amount = line.Amount.Round(2)
		bd.ByTier[tier] = line
		bd.Total = bd.Total.Add(line.Amount)
	}
	bd.Total = bd.Total.Round(2)

	raw, err := json.Marshal(bd)
	if err != nil {
		return PolicyComputation{}, err
	}
	return PolicyComputation{
		PolicyID:               p.ID,
		ExpectedAmount:         bd.Total,
		ExpectedAffiliateCount: bd.AffiliateCount,
		Breakdown:              raw,
	}, nil
}
